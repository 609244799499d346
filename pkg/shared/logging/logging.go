package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/controlplane-com/dbmaint/pkg/shared/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup installs the default slog logger. Output always goes to stderr; when
// cfg.File is set it is also written to a rotating log file. The returned
// closer flushes and closes that file.
func Setup(cfg config.LoggingConfig) io.Closer {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(cfg.Level)); err != nil {
		logLevel = slog.LevelInfo
	}

	var writer io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		_ = os.MkdirAll(filepath.Dir(cfg.File), 0755)
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		writer = io.MultiWriter(os.Stderr, fileWriter)
		closer = fileWriter
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(writer, &slog.HandlerOptions{Level: logLevel})))
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
