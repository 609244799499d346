package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Database.Port != 3306 {
		t.Errorf("Port = %d, want 3306", cfg.Database.Port)
	}
	if cfg.Engine.MaxRunTime != 30*time.Second {
		t.Errorf("MaxRunTime = %v, want 30s", cfg.Engine.MaxRunTime)
	}
	if cfg.Engine.TablePrefix != "dbmaint_" {
		t.Errorf("TablePrefix = %q, want %q", cfg.Engine.TablePrefix, "dbmaint_")
	}
	if cfg.Queue.Backend != "mysql" {
		t.Errorf("Queue.Backend = %q, want %q", cfg.Queue.Backend, "mysql")
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dbmaint.yaml")
	content := `
database:
  host: db.internal
  name: fromfile
engine:
  max_run_time: 45s
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("MYSQL_DATABASE", "fromenv")
	t.Setenv("AUTH_TOKEN", "secret")
	t.Setenv("UNRELATED_VARIABLE", "ignored")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Database.Host != "db.internal" {
		t.Errorf("Host = %q, want %q", cfg.Database.Host, "db.internal")
	}
	// Environment wins over file
	if cfg.Database.Name != "fromenv" {
		t.Errorf("Name = %q, want %q", cfg.Database.Name, "fromenv")
	}
	if cfg.Server.AuthToken != "secret" {
		t.Errorf("AuthToken = %q, want %q", cfg.Server.AuthToken, "secret")
	}
	if cfg.Engine.MaxRunTime != 45*time.Second {
		t.Errorf("MaxRunTime = %v, want 45s", cfg.Engine.MaxRunTime)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := defaultConfig()
		c.Database.Name = "app"
		c.Server.AuthToken = "token"
		return &c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing database", mutate: func(c *Config) { c.Database.Name = "" }, wantErr: "database name"},
		{name: "missing token", mutate: func(c *Config) { c.Server.AuthToken = "" }, wantErr: "auth token"},
		{name: "bad cache", mutate: func(c *Config) { c.Cache.Backend = "redis" }, wantErr: "cache backend"},
		{name: "bad queue", mutate: func(c *Config) { c.Queue.Backend = "nats" }, wantErr: "queue backend"},
		{name: "bad offsite", mutate: func(c *Config) { c.Offsite.Provider = "azure" }, wantErr: "offsite provider"},
		{name: "empty prefix", mutate: func(c *Config) { c.Engine.TablePrefix = "" }, wantErr: "table prefix"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 3307, User: "u", Password: "p", Name: "app"}
	dsn := d.DSN()

	for _, want := range []string{"u:p@tcp(db:3307)/app", "charset=utf8mb4", "interpolateParams=true"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("DSN() = %q, missing %q", dsn, want)
		}
	}
	if strings.Contains(dsn, "parseTime") {
		t.Errorf("DSN() = %q, must not enable parseTime", dsn)
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		t.Fatalf("ParseDSN() error: %v", err)
	}
	if tz := parsed.Params["time_zone"]; tz != "'+00:00'" {
		t.Errorf("time_zone param = %q, want '+00:00'", tz)
	}
}
