package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MySQLQueue keeps tasks in a table so they survive restarts. Claims use
// SELECT ... FOR UPDATE SKIP LOCKED, so several runners may poll one table.
type MySQLQueue struct {
	db    *sql.DB
	table string
}

func NewMySQLQueue(db *sql.DB, table string) *MySQLQueue {
	return &MySQLQueue{db: db, table: table}
}

func (q *MySQLQueue) EnsureSchema(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS `"+q.table+"` ("+
		"id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY, "+
		"handler VARCHAR(128) NOT NULL, "+
		"args VARCHAR(255) NOT NULL, "+
		"not_before BIGINT NOT NULL, "+
		"lease_until BIGINT NOT NULL DEFAULT 0, "+
		"attempts INT NOT NULL DEFAULT 0, "+
		"version BIGINT NOT NULL DEFAULT 0, "+
		"UNIQUE KEY handler_args (handler, args), "+
		"KEY due (not_before)"+
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4")
	if err != nil {
		return fmt.Errorf("failed to create task table: %w", err)
	}
	return nil
}

func (q *MySQLQueue) Schedule(ctx context.Context, handler, args string, notBefore time.Time) error {
	_, err := q.db.ExecContext(ctx, "INSERT INTO `"+q.table+"` (handler, args, not_before) VALUES (?, ?, ?)"+
		" ON DUPLICATE KEY UPDATE not_before = VALUES(not_before), version = version + 1",
		handler, args, notBefore.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", handler, err)
	}
	return nil
}

func (q *MySQLQueue) Claim(ctx context.Context, now time.Time, lease time.Duration) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		t         Task
		notBefore int64
	)
	err = tx.QueryRowContext(ctx, "SELECT id, handler, args, not_before, attempts, version FROM `"+q.table+"`"+
		" WHERE not_before <= ? AND lease_until < ? ORDER BY not_before, id LIMIT 1 FOR UPDATE SKIP LOCKED",
		now.UnixMilli(), now.UnixMilli()).Scan(&t.ID, &t.Handler, &t.Args, &notBefore, &t.Attempts, &t.version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE `"+q.table+"` SET lease_until = ?, attempts = attempts + 1 WHERE id = ?",
		now.Add(lease).UnixMilli(), t.ID); err != nil {
		return nil, fmt.Errorf("failed to lease task %d: %w", t.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	t.NotBefore = time.UnixMilli(notBefore)
	t.Attempts++
	return &t, nil
}

func (q *MySQLQueue) Complete(ctx context.Context, task *Task) error {
	res, err := q.db.ExecContext(ctx, "DELETE FROM `"+q.table+"` WHERE id = ? AND version = ?", task.ID, task.version)
	if err != nil {
		return fmt.Errorf("failed to complete task %d: %w", task.ID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// rescheduled while running
	if _, err := q.db.ExecContext(ctx, "UPDATE `"+q.table+"` SET lease_until = 0, attempts = 0 WHERE id = ?", task.ID); err != nil {
		return fmt.Errorf("failed to release task %d: %w", task.ID, err)
	}
	return nil
}

func (q *MySQLQueue) Retry(ctx context.Context, task *Task, notBefore time.Time) error {
	res, err := q.db.ExecContext(ctx, "UPDATE `"+q.table+"` SET not_before = ?, lease_until = 0 WHERE id = ? AND version = ?",
		notBefore.UnixMilli(), task.ID, task.version)
	if err != nil {
		return fmt.Errorf("failed to retry task %d: %w", task.ID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := q.db.ExecContext(ctx, "UPDATE `"+q.table+"` SET lease_until = 0, attempts = 0 WHERE id = ?", task.ID); err != nil {
		return fmt.Errorf("failed to release task %d: %w", task.ID, err)
	}
	return nil
}

var _ Queue = (*MySQLQueue)(nil)
