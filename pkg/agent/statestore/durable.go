package statestore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Durable is the authoritative layer. Rows outlive the process so that the
// next tick, possibly in another process, sees the same job state.
type Durable interface {
	Get(ctx context.Context, key string) (Row, bool, error)
	// Set stores value; a zero expiresAt never expires
	Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error
	Delete(ctx context.Context, key string) error
	// Cleanup purges expired rows and returns how many were removed
	Cleanup(ctx context.Context) (int64, error)
	// Acquire stores value if the key is absent, expired, or already holds value.
	Acquire(ctx context.Context, key string, value []byte, expiresAt time.Time) (bool, error)
	// Release deletes key only while it still holds value
	Release(ctx context.Context, key string, value []byte) error
}

// MySQLDurable stores state rows in a table of the target database
type MySQLDurable struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// NewMySQLDurable returns a durable layer over table
func NewMySQLDurable(db *sql.DB, table string) *MySQLDurable {
	return &MySQLDurable{db: db, table: table, now: time.Now}
}

// EnsureSchema creates the state table if needed
func (d *MySQLDurable) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` ("+
		"`skey` VARCHAR(191) NOT NULL PRIMARY KEY, "+
		"`svalue` LONGBLOB NOT NULL, "+
		"`expires_at` BIGINT NOT NULL DEFAULT 0, "+
		"KEY `idx_expires` (`expires_at`)"+
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4", d.table)
	if _, err := d.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create state table: %w", err)
	}
	return nil
}

func expiryMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (d *MySQLDurable) Get(ctx context.Context, key string) (Row, bool, error) {
	var value []byte
	var expiresAt int64
	query := fmt.Sprintf("SELECT `svalue`, `expires_at` FROM `%s` WHERE `skey` = ?", d.table)
	err := d.db.QueryRowContext(ctx, query, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("failed to read state %s: %w", key, err)
	}
	row := Row{Value: value}
	if expiresAt > 0 {
		if expiresAt <= d.now().UnixMilli() {
			return Row{}, false, nil
		}
		row.ExpiresAt = time.UnixMilli(expiresAt)
	}
	return row, true, nil
}

func (d *MySQLDurable) Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	query := fmt.Sprintf("INSERT INTO `%s` (`skey`, `svalue`, `expires_at`) VALUES (?, ?, ?) "+
		"ON DUPLICATE KEY UPDATE `svalue` = VALUES(`svalue`), `expires_at` = VALUES(`expires_at`)", d.table)
	if _, err := d.db.ExecContext(ctx, query, key, value, expiryMillis(expiresAt)); err != nil {
		return fmt.Errorf("failed to write state %s: %w", key, err)
	}
	return nil
}

func (d *MySQLDurable) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf("DELETE FROM `%s` WHERE `skey` = ?", d.table)
	if _, err := d.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete state %s: %w", key, err)
	}
	return nil
}

func (d *MySQLDurable) Cleanup(ctx context.Context) (int64, error) {
	query := fmt.Sprintf("DELETE FROM `%s` WHERE `expires_at` > 0 AND `expires_at` <= ?", d.table)
	res, err := d.db.ExecContext(ctx, query, d.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired state: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (d *MySQLDurable) Acquire(ctx context.Context, key string, value []byte, expiresAt time.Time) (bool, error) {
	purge := fmt.Sprintf("DELETE FROM `%s` WHERE `skey` = ? AND `expires_at` > 0 AND `expires_at` <= ?", d.table)
	if _, err := d.db.ExecContext(ctx, purge, key, d.now().UnixMilli()); err != nil {
		return false, fmt.Errorf("failed to purge expired lock %s: %w", key, err)
	}

	insert := fmt.Sprintf("INSERT IGNORE INTO `%s` (`skey`, `svalue`, `expires_at`) VALUES (?, ?, ?)", d.table)
	res, err := d.db.ExecContext(ctx, insert, key, value, expiryMillis(expiresAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert lock %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	// Held already; extend it if we are the holder
	current, ok, err := d.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if !bytes.Equal(current.Value, value) {
		return false, nil
	}
	extend := fmt.Sprintf("UPDATE `%s` SET `expires_at` = ? WHERE `skey` = ? AND `svalue` = ?", d.table)
	if _, err := d.db.ExecContext(ctx, extend, expiryMillis(expiresAt), key, value); err != nil {
		return false, fmt.Errorf("failed to extend lock %s: %w", key, err)
	}
	return true, nil
}

func (d *MySQLDurable) Release(ctx context.Context, key string, value []byte) error {
	query := fmt.Sprintf("DELETE FROM `%s` WHERE `skey` = ? AND `svalue` = ?", d.table)
	if _, err := d.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// Row is one stored value. A zero ExpiresAt never expires.
type Row struct {
	Value     []byte
	ExpiresAt time.Time
}

// MemoryDurable is a Durable kept in process memory. It is meant for tests
// and single-process setups where state need not survive a restart.
type MemoryDurable struct {
	mu   sync.Mutex
	rows map[string]Row
	now  func() time.Time
}

func NewMemoryDurable() *MemoryDurable {
	return &MemoryDurable{rows: make(map[string]Row), now: time.Now}
}

func (d *MemoryDurable) live(key string) (Row, bool) {
	r, ok := d.rows[key]
	if !ok {
		return r, false
	}
	if !r.ExpiresAt.IsZero() && !d.now().Before(r.ExpiresAt) {
		return r, false
	}
	return r, true
}

func (d *MemoryDurable) Get(ctx context.Context, key string) (Row, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.live(key)
	if !ok {
		return Row{}, false, nil
	}
	return Row{Value: append([]byte(nil), r.Value...), ExpiresAt: r.ExpiresAt}, true, nil
}

func (d *MemoryDurable) Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rows[key] = Row{Value: append([]byte(nil), value...), ExpiresAt: expiresAt}
	return nil
}

func (d *MemoryDurable) Delete(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rows, key)
	return nil
}

func (d *MemoryDurable) Cleanup(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for k := range d.rows {
		if _, ok := d.live(k); !ok {
			delete(d.rows, k)
			n++
		}
	}
	return n, nil
}

func (d *MemoryDurable) Acquire(ctx context.Context, key string, value []byte, expiresAt time.Time) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.live(key); ok && !bytes.Equal(r.Value, value) {
		return false, nil
	}
	d.rows[key] = Row{Value: append([]byte(nil), value...), ExpiresAt: expiresAt}
	return true, nil
}

func (d *MemoryDurable) Release(ctx context.Context, key string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.rows[key]; ok && bytes.Equal(r.Value, value) {
		delete(d.rows, key)
	}
	return nil
}
