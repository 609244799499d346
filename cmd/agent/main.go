package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/controlplane-com/dbmaint/pkg/agent/backup"
	"github.com/controlplane-com/dbmaint/pkg/agent/budget"
	"github.com/controlplane-com/dbmaint/pkg/agent/dbconn"
	"github.com/controlplane-com/dbmaint/pkg/agent/decompress"
	"github.com/controlplane-com/dbmaint/pkg/agent/handlers"
	"github.com/controlplane-com/dbmaint/pkg/agent/history"
	"github.com/controlplane-com/dbmaint/pkg/agent/housekeeping"
	"github.com/controlplane-com/dbmaint/pkg/agent/maintenance"
	"github.com/controlplane-com/dbmaint/pkg/agent/orchestrator"
	"github.com/controlplane-com/dbmaint/pkg/agent/restore"
	"github.com/controlplane-com/dbmaint/pkg/agent/statestore"
	"github.com/controlplane-com/dbmaint/pkg/agent/stats"
	"github.com/controlplane-com/dbmaint/pkg/agent/swap"
	"github.com/controlplane-com/dbmaint/pkg/agent/taskqueue"
	"github.com/controlplane-com/dbmaint/pkg/shared/config"
	"github.com/controlplane-com/dbmaint/pkg/shared/fs"
	"github.com/controlplane-com/dbmaint/pkg/shared/logging"
	"github.com/controlplane-com/dbmaint/pkg/shared/offsite"
)

func main() {
	cfg, err := config.Load(os.Getenv("DBMAINT_CONFIG"))
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	closer := logging.Setup(cfg.Logging)
	defer closer.Close()

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Wait for shutdown signal (SIGTERM or SIGINT)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && ctx.Err() == nil {
		slog.Error("agent stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := sql.Open("mysql", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	// each component gets its own session so that transactions and session
	// variables of one never leak into another
	newConn := func() *dbconn.Conn { return dbconn.New(db) }
	check := newConn()
	if _, err := check.Connection(ctx); err != nil {
		return fmt.Errorf("database not reachable: %w", err)
	}
	defer check.Close()

	files := fs.New(afero.NewOsFs(), cfg.Paths.BackupDir, cfg.Paths.TempDir, cfg.Paths.HistoryDir)
	if err := files.MkdirAll(); err != nil {
		return fmt.Errorf("failed to create data directories: %w", err)
	}

	store, closeStore, err := openStateStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeStore()

	queue, err := openQueue(ctx, cfg, db)
	if err != nil {
		return err
	}
	runner := taskqueue.NewRunner(queue, cfg.Queue.PollInterval, cfg.Queue.Lease)
	runner.SetRetry(cfg.Queue.MaxAttempts, cfg.Queue.RetryDelay)

	estimator := budget.NewEstimator(budget.HostLimits{MaxRun: cfg.Engine.MaxRunTime})

	producer := backup.NewProducer(
		backup.NewMySQLSource(newConn(), cfg.Database.Name),
		store, files, cfg.Paths.BackupDir,
		backup.Options{
			MemoryLimit: estimator.Budget().MemoryLimit,
			StateTTL:    cfg.Engine.StateTTL,
			TablePrefix: cfg.Engine.TablePrefix,
		},
	)
	catalog := backup.NewCatalog(store, files, cfg.Paths.BackupDir)

	profile := swap.DefaultProfile()
	if cfg.Engine.VerifyProfile != "" {
		if profile, err = swap.LoadProfile(cfg.Engine.VerifyProfile); err != nil {
			return err
		}
	}
	controller := swap.NewController(newConn(), store, cfg.Database.Name, profile)

	executor := restore.NewMySQLExecutor(newConn(), cfg.Engine.TablePrefix)
	if err := executor.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	restorer := restore.NewRestorer(restore.RestorerConfig{
		Store:        store,
		Files:        files,
		Decompressor: decompress.New(files, cfg.Engine.ExternalDecompress),
		Executor:     executor,
		Cutover:      controller,
		BackupDir:    cfg.Paths.BackupDir,
		TempDir:      cfg.Paths.TempDir,
		Database:     cfg.Database.Name,
		TablePrefix:  cfg.Engine.TablePrefix,
		StateTTL:     cfg.Engine.StateTTL,
	})

	flag := maintenance.New(store)
	hist, err := history.Open(files, cfg.Paths.HistoryDir)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}

	orch := orchestrator.New(orchestrator.Config{
		Store:       store,
		Producer:    producer,
		Restorer:    restorer,
		Swap:        controller,
		Maintenance: flag,
		History:     hist,
		Queue:       queue,
		Budget:      estimator,
		LockTTL:     cfg.Engine.LockTTL,
		StateTTL:    cfg.Engine.StateTTL,
	})
	orch.Register(runner)

	cleaner := housekeeping.New(housekeeping.Config{
		Store:         store,
		History:       hist,
		Files:         files,
		TempDir:       cfg.Paths.TempDir,
		Tables:        controller,
		Queue:         queue,
		Interval:      cfg.Housekeeping.Interval,
		HistoryMaxAge: cfg.Housekeeping.HistoryMaxAge,
		TempMaxAge:    cfg.Housekeeping.TempMaxAge,
	})
	cleaner.Register(runner)

	hcfg := handlers.Config{
		Database:    cfg.Database.Name,
		Ops:         orch,
		Maintenance: flag,
		Stats:       stats.NewReporter(newConn(), cfg.Database.Name, cfg.Engine.TablePrefix),
		Cleaner:     cleaner,
		History:     hist,
		Artifacts:   catalog,
		DB:          db,
	}
	bucket, err := offsite.NewBucket(ctx, cfg.Offsite.Provider, cfg.Offsite.Bucket, cfg.Offsite.Region)
	if err != nil {
		return fmt.Errorf("failed to configure offsite storage: %w", err)
	}
	if bucket != nil {
		hcfg.Offsite = offsite.NewTransfer(bucket, cfg.Offsite.Prefix, catalog, files)
		slog.Info("offsite storage enabled", "provider", cfg.Offsite.Provider, "bucket", cfg.Offsite.Bucket)
	}
	h := handlers.NewHandler(hcfg)

	// work that was in flight when the previous process died
	if err := orch.Resume(ctx); err != nil {
		slog.Error("failed to resume unfinished operations", "error", err)
	}
	if err := cleaner.Schedule(ctx, 0); err != nil {
		slog.Warn("failed to schedule housekeeping", "error", err)
	}

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           h.Router(cfg.Server.AuthToken, flag.Middleware()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sup := suture.New("dbmaint-agent", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: slog.Default()}).MustHook(),
		Timeout:   30 * time.Second,
	})
	sup.Add(runner)
	sup.Add(&httpService{server: server, shutdownTimeout: 30 * time.Second})

	slog.Info("dbmaint agent starting", "listenAddr", cfg.Server.ListenAddr, "database", cfg.Database.Name,
		"cache", cfg.Cache.Backend, "queue", cfg.Queue.Backend)
	return sup.Serve(ctx)
}

func openStateStore(ctx context.Context, cfg *config.Config, db *sql.DB) (*statestore.Store, func(), error) {
	durable := statestore.NewMySQLDurable(db, cfg.Engine.TablePrefix+"state")
	if err := durable.EnsureSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to create state table: %w", err)
	}

	var cache statestore.Cache
	switch cfg.Cache.Backend {
	case "badger":
		bc, err := statestore.OpenBadgerCache(cfg.Cache.Path)
		if err != nil {
			return nil, nil, err
		}
		cache = bc
	default:
		cache = statestore.NewMemoryCache()
	}
	closeFn := func() {
		if err := cache.Close(); err != nil {
			slog.Warn("failed to close state cache", "error", err)
		}
	}
	return statestore.New(cache, durable), closeFn, nil
}

func openQueue(ctx context.Context, cfg *config.Config, db *sql.DB) (taskqueue.Queue, error) {
	if cfg.Queue.Backend == "memory" {
		slog.Warn("in-memory task queue: scheduled work does not survive a restart")
		return taskqueue.NewMemoryQueue(), nil
	}
	q := taskqueue.NewMySQLQueue(db, cfg.Engine.TablePrefix+"tasks")
	if err := q.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to create task table: %w", err)
	}
	return q, nil
}
