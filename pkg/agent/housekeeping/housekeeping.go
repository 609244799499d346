// Package housekeeping runs the periodic cleanup pass: expired state rows,
// old history, stale temp files and stray restore tables.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/controlplane-com/dbmaint/pkg/agent/history"
	"github.com/controlplane-com/dbmaint/pkg/agent/orchestrator"
	"github.com/controlplane-com/dbmaint/pkg/agent/statestore"
	"github.com/controlplane-com/dbmaint/pkg/agent/taskqueue"
	"github.com/controlplane-com/dbmaint/pkg/shared/fs"
	"github.com/controlplane-com/dbmaint/pkg/shared/types"
)

// HandlerName is the task queue handler of the periodic pass
const HandlerName = "dbmaint.housekeeping"

// StrayDropper removes shadow and displaced tables nothing refers to
type StrayDropper interface {
	DropStrays(ctx context.Context) ([]string, error)
}

type Config struct {
	Store         *statestore.Store
	History       *history.Store
	Files         *fs.Sandbox
	TempDir       string
	Tables        StrayDropper
	Queue         orchestrator.Scheduler
	Interval      time.Duration
	HistoryMaxAge time.Duration
	TempMaxAge    time.Duration
}

type Service struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Service{cfg: cfg, now: time.Now}
}

// Register binds the periodic handler to r
func (s *Service) Register(r *taskqueue.Runner) {
	r.Handle(HandlerName, s.handle)
}

// Schedule arms the next pass after delay
func (s *Service) Schedule(ctx context.Context, delay time.Duration) error {
	return s.cfg.Queue.Schedule(ctx, HandlerName, "", s.now().Add(delay))
}

func (s *Service) handle(ctx context.Context, _ string) error {
	_, err := s.Run(ctx)
	if serr := s.Schedule(ctx, s.cfg.Interval); serr != nil {
		return multierror.Append(err, serr)
	}
	return err
}

// Run performs one pass. Temp files and tables are only touched while no
// restore or rollback holds the lock.
func (s *Service) Run(ctx context.Context) (*types.CleanupResponse, error) {
	resp := &types.CleanupResponse{}
	var result *multierror.Error

	expired, err := s.cfg.Store.Cleanup(ctx)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("state cleanup: %w", err))
	}
	resp.ExpiredState = expired

	if s.cfg.HistoryMaxAge > 0 {
		n, err := s.cfg.History.Cleanup(s.cfg.HistoryMaxAge)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("history cleanup: %w", err))
		}
		resp.HistoryRemoved = n
	}

	owner, busy, err := s.cfg.Store.Owner(ctx, orchestrator.LockKey)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("lock check: %w", err))
		busy = true
	}
	if busy {
		slog.Debug("restore active, skipping temp and table cleanup", "owner", owner)
	} else {
		n, err := s.removeTemp()
		if err != nil {
			result = multierror.Append(result, err)
		}
		resp.TempFiles = n

		if s.cfg.Tables != nil {
			dropped, err := s.cfg.Tables.DropStrays(ctx)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("stray tables: %w", err))
			}
			resp.DroppedTables = dropped
		}
	}

	if result != nil {
		for _, e := range result.Errors {
			resp.Errors = append(resp.Errors, e.Error())
		}
	}
	slog.Info("housekeeping finished", "expiredState", resp.ExpiredState, "history", resp.HistoryRemoved,
		"tempFiles", resp.TempFiles, "tables", len(resp.DroppedTables), "errors", len(resp.Errors))
	return resp, result.ErrorOrNil()
}

func (s *Service) removeTemp() (int, error) {
	if s.cfg.Files == nil || s.cfg.TempDir == "" || s.cfg.TempMaxAge <= 0 {
		return 0, nil
	}
	entries, err := s.cfg.Files.ReadDir(s.cfg.TempDir)
	if err != nil {
		return 0, fmt.Errorf("temp dir: %w", err)
	}
	cutoff := s.now().Add(-s.cfg.TempMaxAge)
	var result *multierror.Error
	removed := 0
	for _, e := range entries {
		if e.IsDir() || e.ModTime().After(cutoff) {
			continue
		}
		path, err := s.cfg.Files.Join(s.cfg.TempDir, e.Name())
		if err == nil {
			err = s.cfg.Files.Remove(path)
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("temp file %s: %w", e.Name(), err))
			continue
		}
		removed++
	}
	return removed, result.ErrorOrNil()
}
