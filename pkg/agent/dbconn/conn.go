// Package dbconn wraps a single pinned database connection for raw statement
// execution during restores. It reconnects with bounded retries and re-runs a
// statement once when the server drops the connection. Session settings
// registered with SetSessionInit are applied to every new connection.
package dbconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
)

const (
	connectAttempts = 3
	// MySQL client error codes for a dropped connection
	errServerGone     = 2006
	errLostConnection = 2013
)

var (
	// ErrConnectionLost is returned when the connection drops inside a
	// transaction. The transaction is gone and must be replayed by the caller.
	ErrConnectionLost = errors.New("database connection lost")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("connection wrapper is closed")
)

// IsConnectionLost reports whether err means the server connection dropped
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionLost) || errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && (myErr.Number == errServerGone || myErr.Number == errLostConnection) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "server has gone away") ||
		strings.Contains(msg, "lost connection") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset")
}

// Conn is a resilient wrapper around one *sql.Conn. It is owned by a single
// tick at a time.
type Conn struct {
	mu         sync.Mutex
	db         *sql.DB
	ownsDB     bool
	conn       *sql.Conn
	tx         *sql.Tx
	closed     bool
	init       []string
	open       func(ctx context.Context) (*sql.Conn, error)
	newBackOff func() backoff.BackOff
}

// Open creates a pool for dsn and returns a wrapper that owns it
func Open(ctx context.Context, dsn string) (*Conn, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	c := New(db)
	c.ownsDB = true
	if _, err := c.Connection(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// New wraps an existing pool. The pool is not closed by Close.
func New(db *sql.DB) *Conn {
	c := &Conn{db: db, newBackOff: connectBackOff}
	c.open = c.dial
	return c
}

// connectBackOff waits 1s then 2s between the three connect attempts
func connectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, connectAttempts-1)
}

func (c *Conn) dial(ctx context.Context) (*sql.Conn, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Connection returns the live connection, connecting if needed
func (c *Conn) Connection(ctx context.Context) (*sql.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Conn) connectLocked(ctx context.Context) (*sql.Conn, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}

	attempt := 0
	op := func() error {
		attempt++
		conn, err := c.open(ctx)
		if err != nil {
			slog.Warn("database connect failed", "attempt", attempt, "maxAttempts", connectAttempts, "error", err)
			return err
		}
		if err := c.initLocked(ctx, conn); err != nil {
			_ = conn.Close()
			if !IsConnectionLost(err) {
				return backoff.Permanent(err)
			}
			slog.Warn("database session setup failed", "attempt", attempt, "error", err)
			return err
		}
		c.conn = conn
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect after %d attempts: %w", attempt, err)
	}
	return c.conn, nil
}

// SetSessionInit replaces the statements run on every new connection and
// applies them to the current one. A connection dropped later comes back
// with the same settings.
func (c *Conn) SetSessionInit(ctx context.Context, stmts ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.init = append([]string(nil), stmts...)
	if c.tx != nil {
		for _, stmt := range c.init {
			if _, err := c.tx.ExecContext(ctx, stmt); err != nil {
				if IsConnectionLost(err) {
					c.dropLocked()
					return fmt.Errorf("%w: %w", ErrConnectionLost, err)
				}
				return fmt.Errorf("session setup %q: %w", stmt, err)
			}
		}
		return nil
	}
	if c.conn == nil {
		_, err := c.connectLocked(ctx)
		return err
	}
	return c.withRetryLocked(ctx, func(conn *sql.Conn) error {
		return c.initLocked(ctx, conn)
	})
}

func (c *Conn) initLocked(ctx context.Context, conn *sql.Conn) error {
	for _, stmt := range c.init {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("session setup %q: %w", stmt, err)
		}
	}
	return nil
}

// dropLocked discards the current connection and any transaction on it
func (c *Conn) dropLocked() {
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Conn) withRetryLocked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := c.connectLocked(ctx)
	if err != nil {
		return err
	}
	err = fn(conn)
	if !IsConnectionLost(err) {
		return err
	}

	slog.Warn("database connection lost, reconnecting and retrying once", "error", err)
	c.dropLocked()
	conn, err = c.connectLocked(ctx)
	if err != nil {
		return err
	}
	return fn(conn)
}

// Exec runs a statement. Outside a transaction a dropped connection is
// re-established and the statement re-run exactly once.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx != nil {
		res, err := c.tx.ExecContext(ctx, query, args...)
		if IsConnectionLost(err) {
			c.dropLocked()
			return nil, fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		return res, err
	}

	var res sql.Result
	err := c.withRetryLocked(ctx, func(conn *sql.Conn) error {
		var err error
		res, err = conn.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// Query runs a query with the same retry rules as Exec
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx != nil {
		rows, err := c.tx.QueryContext(ctx, query, args...)
		if IsConnectionLost(err) {
			c.dropLocked()
			return nil, fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		return rows, err
	}

	var rows *sql.Rows
	err := c.withRetryLocked(ctx, func(conn *sql.Conn) error {
		var err error
		rows, err = conn.QueryContext(ctx, query, args...)
		return err
	})
	return rows, err
}

// Begin starts a transaction on the pinned connection
func (c *Conn) Begin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx != nil {
		return fmt.Errorf("transaction already open")
	}
	return c.withRetryLocked(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		c.tx = tx
		return nil
	})
}

// Commit commits the open transaction. A dropped connection leaves the
// outcome unknown and is reported as ErrConnectionLost.
func (c *Conn) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx == nil {
		return nil
	}
	err := c.tx.Commit()
	c.tx = nil
	if IsConnectionLost(err) {
		c.dropLocked()
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return err
}

// Rollback aborts the open transaction, if any
func (c *Conn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback()
	c.tx = nil
	if IsConnectionLost(err) || errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// InTx reports whether a transaction is open
func (c *Conn) InTx() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx != nil
}

// Close releases the connection. Calling it more than once is safe.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.dropLocked()
	if c.ownsDB {
		return c.db.Close()
	}
	return nil
}
