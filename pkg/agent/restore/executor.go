package restore

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/goccy/go-json"

	"github.com/controlplane-com/dbmaint/pkg/agent/dbconn"
	"github.com/controlplane-com/dbmaint/pkg/sqldump"
)

// Executor runs replayed statements and stores the replay checkpoint
type Executor interface {
	Begin(ctx context.Context) error
	Exec(ctx context.Context, stmt string) error
	// SetSession runs stmts now and again on any connection that replaces
	// the current one
	SetSession(ctx context.Context, stmts []string) error
	// Commit records p inside the open transaction, then commits
	Commit(ctx context.Context, p *Progress) error
	Rollback() error
	// Save records p outside any transaction
	Save(ctx context.Context, p *Progress) error
	Load(ctx context.Context, jobID string) (*Progress, bool, error)
	Clear(ctx context.Context, jobID string) error
}

// MySQL error codes
const (
	errDupFieldName   = 1060
	errDupKeyName     = 1061
	errCantDropKey    = 1091
	errLockWait       = 1205
	errLockDeadlock   = 1213
	errTableNotExists = 1146
)

func mysqlCode(err error) uint16 {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number
	}
	return 0
}

// MySQLExecutor replays through the pinned connection wrapper. Checkpoints
// live in <prefix>checkpoints.
type MySQLExecutor struct {
	conn  *dbconn.Conn
	table string
}

func NewMySQLExecutor(conn *dbconn.Conn, prefix string) *MySQLExecutor {
	return &MySQLExecutor{conn: conn, table: prefix + "checkpoints"}
}

// EnsureSchema creates the checkpoint table
func (e *MySQLExecutor) EnsureSchema(ctx context.Context) error {
	_, err := e.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+sqldump.QuoteIdent(e.table)+` (
		job_id VARCHAR(64) NOT NULL PRIMARY KEY,
		offset_bytes BIGINT NOT NULL,
		progress LONGTEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return nil
}

func (e *MySQLExecutor) Begin(ctx context.Context) error { return e.conn.Begin(ctx) }

func (e *MySQLExecutor) Exec(ctx context.Context, stmt string) error {
	_, err := e.conn.Exec(ctx, stmt)
	return err
}

func (e *MySQLExecutor) SetSession(ctx context.Context, stmts []string) error {
	return e.conn.SetSessionInit(ctx, stmts...)
}

func (e *MySQLExecutor) write(ctx context.Context, p *Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = e.conn.Exec(ctx, "INSERT INTO "+sqldump.QuoteIdent(e.table)+
		" (job_id, offset_bytes, progress) VALUES (?, ?, ?)"+
		" ON DUPLICATE KEY UPDATE offset_bytes = VALUES(offset_bytes), progress = VALUES(progress)",
		p.JobID, p.Offset, data)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

func (e *MySQLExecutor) Commit(ctx context.Context, p *Progress) error {
	if err := e.write(ctx, p); err != nil {
		return err
	}
	return e.conn.Commit()
}

func (e *MySQLExecutor) Rollback() error { return e.conn.Rollback() }

func (e *MySQLExecutor) Save(ctx context.Context, p *Progress) error {
	return e.write(ctx, p)
}

func (e *MySQLExecutor) Load(ctx context.Context, jobID string) (*Progress, bool, error) {
	rows, err := e.conn.Query(ctx, "SELECT progress FROM "+sqldump.QuoteIdent(e.table)+" WHERE job_id = ?", jobID)
	if err != nil {
		if mysqlCode(err) == errTableNotExists {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	var data []byte
	if err := rows.Scan(&data); err != nil {
		return nil, false, err
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, fmt.Errorf("corrupt checkpoint for %s: %w", jobID, err)
	}
	return &p, true, rows.Err()
}

func (e *MySQLExecutor) Clear(ctx context.Context, jobID string) error {
	_, err := e.conn.Exec(ctx, "DELETE FROM "+sqldump.QuoteIdent(e.table)+" WHERE job_id = ?", jobID)
	return err
}

var _ Executor = (*MySQLExecutor)(nil)
