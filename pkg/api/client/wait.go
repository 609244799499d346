package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/controlplane-com/dbmaint/pkg/shared/types"
)

// WaitForHealth polls the health endpoint until it answers or timeout passes
func (c *AgentClient) WaitForHealth(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("agent did not recover within %v", timeout)
			}
			if _, err := c.Health(ctx, 1); err != nil {
				slog.Debug("agent not yet healthy", "error", err)
				continue
			}
			slog.Info("agent health recovered", "baseURL", c.baseURL)
			return nil
		}
	}
}

// poll calls check every PollInterval until it reports done. A run of
// failed polls is taken as an agent restart: the agent resumes its own
// work, so the client only waits for it to come back.
func (c *AgentClient) poll(ctx context.Context, check func() (bool, error)) error {
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		done, err := check()
		if err == nil {
			failures = 0
			if done {
				return nil
			}
			continue
		}
		var apiErr *APIError
		if _, final := err.(finalError); final || errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return err
		}
		failures++
		slog.Warn("status poll failed", "error", err, "consecutiveFailures", failures)
		if failures >= RestartMaxConsecutiveFailures {
			slog.Warn("agent appears to have restarted, waiting for recovery", "baseURL", c.baseURL)
			if err := c.WaitForHealth(ctx, RestartRecoveryTimeout); err != nil {
				return fmt.Errorf("agent did not recover: %w", err)
			}
			failures = 0
		}
	}
}

// finalError ends a poll without retry
type finalError struct{ msg string }

func (e finalError) Error() string { return e.msg }

// WaitBackup blocks until the backup ends and returns its final state
func (c *AgentClient) WaitBackup(ctx context.Context, jobID string, progress func(*types.BackupJobInfo)) (*types.BackupJobInfo, error) {
	var last *types.BackupJobInfo
	err := c.poll(ctx, func() (bool, error) {
		info, err := c.BackupStatus(ctx, jobID, 1)
		if err != nil {
			return false, err
		}
		last = info
		if progress != nil {
			progress(info)
		}
		switch info.Status {
		case types.JobStatusDone:
			return true, nil
		case types.JobStatusError:
			return false, finalError{"backup failed: " + info.Error}
		}
		return false, nil
	})
	return last, err
}

// WaitRestore blocks until the orchestration reaches a terminal state
func (c *AgentClient) WaitRestore(ctx context.Context, id string, progress func(*types.StatusResponse)) (*types.StatusResponse, error) {
	var last *types.StatusResponse
	err := c.poll(ctx, func() (bool, error) {
		st, err := c.RestoreStatus(ctx, id, 1)
		if err != nil {
			return false, err
		}
		last = st
		if progress != nil {
			progress(st)
		}
		switch st.State {
		case types.StateDone:
			return true, nil
		case types.StateError:
			return false, finalError{"restore failed: " + st.Message}
		case types.StateRollbackDone:
			return false, finalError{"restore rolled back: " + st.Message}
		}
		return false, nil
	})
	return last, err
}
