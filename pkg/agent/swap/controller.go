// Package swap verifies restored shadow tables, makes them live with one
// atomic RENAME and reverses that swap from a durable plan.
package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/hashicorp/go-multierror"

	"github.com/controlplane-com/dbmaint/pkg/agent/dbconn"
	"github.com/controlplane-com/dbmaint/pkg/agent/metrics"
	"github.com/controlplane-com/dbmaint/pkg/agent/statestore"
	"github.com/controlplane-com/dbmaint/pkg/sqldump"
	"github.com/controlplane-com/dbmaint/pkg/sqlscan"
)

// PlanKey is the state store key of the rollback plan
const PlanKey = "rollback_plan"

// ErrPlanPending means another restore's swap was never finalized or
// rolled back; its plan is the only way back to the displaced tables.
var ErrPlanPending = errors.New("rollback plan of another restore pending")

// IntegrityError means the restored data is not plausible
type IntegrityError struct {
	Table  string
	Reason string
}

func (e *IntegrityError) Error() string {
	if e.Table == "" {
		return "integrity check failed: " + e.Reason
	}
	return fmt.Sprintf("integrity check failed for %s: %s", e.Table, e.Reason)
}

// Entry maps one live table to its shadow and displaced names
type Entry struct {
	Original string `json:"original"`
	Shadow   string `json:"shadow"`
	Old      string `json:"old"`
	// Existed is true when the original was live at swap time
	Existed bool `json:"existed"`
}

// Plan is everything needed to reverse a swap
type Plan struct {
	RestoreID string  `json:"restoreId"`
	Entries   []Entry `json:"entries"`
	CreatedAt int64   `json:"createdAt"`
}

// Controller performs the cutover against the live database
type Controller struct {
	conn     *dbconn.Conn
	store    *statestore.Store
	database string
	profile  *Profile
	now      func() time.Time
}

func NewController(conn *dbconn.Conn, store *statestore.Store, database string, profile *Profile) *Controller {
	if profile == nil {
		profile = DefaultProfile()
	}
	return &Controller{conn: conn, store: store, database: database, profile: profile, now: time.Now}
}

func (c *Controller) CheckTables(names []string) error {
	return c.profile.CheckTables(names)
}

func (c *Controller) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Tables lists base tables of the live database
func (c *Controller) Tables(ctx context.Context) (map[string]bool, error) {
	names, err := c.queryStrings(ctx, `SELECT TABLE_NAME FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'`, c.database)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set, nil
}

// Verify checks the shadow tables before they go live
func (c *Controller) Verify(ctx context.Context, m *sqlscan.RewriteMap) error {
	core := c.profile.Match(m.Originals())
	if len(core) < c.profile.MinCore {
		return &IntegrityError{Reason: fmt.Sprintf("restored %d of %d required core tables", len(core), c.profile.MinCore)}
	}

	for _, suffix := range c.profile.CoreSuffixes {
		original, ok := core[suffix]
		if !ok {
			continue
		}
		shadow, _ := m.Shadow(original)
		rows, err := c.queryStrings(ctx, "SELECT 1 FROM "+sqldump.QuoteIdent(shadow)+" LIMIT 1")
		if err != nil {
			var me *mysql.MySQLError
			if errors.As(err, &me) && me.Number == 1146 {
				return &IntegrityError{Table: original, Reason: "restored table is missing"}
			}
			return err
		}
		if len(rows) == 0 {
			return &IntegrityError{Table: original, Reason: "restored table is empty"}
		}
	}

	s := c.profile.Sentinel
	if s == nil {
		return nil
	}
	original, ok := core[s.TableSuffix]
	if !ok {
		return &IntegrityError{Reason: fmt.Sprintf("no %s table for sentinel %q", s.TableSuffix, s.Key)}
	}
	shadow, _ := m.Shadow(original)
	values, err := c.queryStrings(ctx, "SELECT "+sqldump.QuoteIdent(s.ValueColumn)+" FROM "+sqldump.QuoteIdent(shadow)+
		" WHERE "+sqldump.QuoteIdent(s.KeyColumn)+" = ? LIMIT 1", s.Key)
	if err != nil {
		return fmt.Errorf("failed to read sentinel %q: %w", s.Key, err)
	}
	if len(values) == 0 {
		return &IntegrityError{Table: original, Reason: fmt.Sprintf("required value %q is missing", s.Key)}
	}
	if err := decoders[s.Decoder](values[0]); err != nil {
		return &IntegrityError{Table: original, Reason: fmt.Sprintf("value %q is not usable: %v", s.Key, err)}
	}
	slog.Info("restored tables verified", "coreTables", len(core), "sentinel", s.Key)
	return nil
}

// LoadPlan returns the stored rollback plan, if any
func (c *Controller) LoadPlan(ctx context.Context) (*Plan, bool, error) {
	var p Plan
	found, err := c.store.Get(ctx, PlanKey, &p)
	if err != nil || !found {
		return nil, false, err
	}
	return &p, true, nil
}

// Swap stores the rollback plan, then renames every table in one statement.
// Calling it again after a successful swap for the same restore is a no-op.
func (c *Controller) Swap(ctx context.Context, restoreID string, m *sqlscan.RewriteMap) error {
	live, err := c.Tables(ctx)
	if err != nil {
		return err
	}

	if plan, found, err := c.LoadPlan(ctx); err != nil {
		return err
	} else if found && plan.RestoreID != restoreID {
		slog.Warn("refusing swap over a pending rollback plan", "restoreId", restoreID, "planRestoreId", plan.RestoreID)
		return fmt.Errorf("%w: %s", ErrPlanPending, plan.RestoreID)
	} else if found && len(plan.Entries) > 0 && !live[plan.Entries[0].Shadow] {
		slog.Info("swap already applied", "restoreId", restoreID)
		return nil
	}

	plan := Plan{RestoreID: restoreID, CreatedAt: c.now().Unix()}
	var pairs []string
	for _, original := range m.Originals() {
		shadow, _ := m.Shadow(original)
		if !live[shadow] {
			return &IntegrityError{Table: original, Reason: "shadow table " + shadow + " is missing"}
		}
		e := Entry{Original: original, Shadow: shadow, Old: sqlscan.OldName(m.Token, original), Existed: live[original]}
		plan.Entries = append(plan.Entries, e)
		if e.Existed {
			pairs = append(pairs, sqldump.QuoteIdent(e.Original)+" TO "+sqldump.QuoteIdent(e.Old))
		}
		pairs = append(pairs, sqldump.QuoteIdent(e.Shadow)+" TO "+sqldump.QuoteIdent(e.Original))
	}
	if len(plan.Entries) == 0 {
		return &IntegrityError{Reason: "no restored tables to swap"}
	}

	if err := c.store.Set(ctx, PlanKey, plan, 0); err != nil {
		return fmt.Errorf("failed to store rollback plan: %w", err)
	}
	if _, err := c.conn.Exec(ctx, "RENAME TABLE "+strings.Join(pairs, ", ")); err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) {
			// the statement failed as a whole, nothing was renamed
			if derr := c.store.Delete(ctx, PlanKey); derr != nil {
				slog.Warn("failed to discard unused rollback plan", "error", derr)
			}
		}
		return fmt.Errorf("swap failed: %w", err)
	}
	slog.Info("restored tables swapped in", "restoreId", restoreID, "tables", len(plan.Entries))
	return nil
}

// Rollback reverses the stored plan. Without a plan it does nothing and
// returns false. Entries whose displaced table is gone are skipped, so a
// second run after success or a partial run is safe.
func (c *Controller) Rollback(ctx context.Context) (bool, error) {
	plan, found, err := c.LoadPlan(ctx)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	live, err := c.Tables(ctx)
	if err != nil {
		return false, err
	}

	var drops, renames []string
	for _, e := range plan.Entries {
		switch {
		case e.Existed && live[e.Old]:
			drops = append(drops, sqldump.QuoteIdent(e.Original))
			renames = append(renames, sqldump.QuoteIdent(e.Old)+" TO "+sqldump.QuoteIdent(e.Original))
		case !e.Existed && !live[e.Shadow] && live[e.Original]:
			drops = append(drops, sqldump.QuoteIdent(e.Original))
		}
	}

	if len(drops) > 0 {
		if _, err := c.conn.Exec(ctx, "DROP TABLE IF EXISTS "+strings.Join(drops, ", ")); err != nil {
			metrics.Rollbacks.WithLabelValues("error").Inc()
			return false, fmt.Errorf("rollback failed to drop restored tables: %w", err)
		}
	}
	if len(renames) > 0 {
		if _, err := c.conn.Exec(ctx, "RENAME TABLE "+strings.Join(renames, ", ")); err != nil {
			metrics.Rollbacks.WithLabelValues("error").Inc()
			return false, fmt.Errorf("rollback failed to restore displaced tables: %w", err)
		}
	}
	if err := c.store.Delete(ctx, PlanKey); err != nil {
		return false, fmt.Errorf("failed to clear rollback plan: %w", err)
	}
	metrics.Rollbacks.WithLabelValues("success").Inc()
	slog.Info("rollback complete", "restoreId", plan.RestoreID, "restored", len(renames), "dropped", len(drops))
	return true, nil
}

// Finalize drops the displaced tables once a swap is final. The plan is
// removed first; rollback is impossible afterwards.
func (c *Controller) Finalize(ctx context.Context) error {
	plan, found, err := c.LoadPlan(ctx)
	if err != nil || !found {
		return err
	}
	if err := c.store.Delete(ctx, PlanKey); err != nil {
		return fmt.Errorf("failed to clear rollback plan: %w", err)
	}
	var olds []string
	for _, e := range plan.Entries {
		if e.Existed {
			olds = append(olds, sqldump.QuoteIdent(e.Old))
		}
	}
	if len(olds) == 0 {
		return nil
	}
	if _, err := c.conn.Exec(ctx, "DROP TABLE IF EXISTS "+strings.Join(olds, ", ")); err != nil {
		return fmt.Errorf("failed to drop displaced tables: %w", err)
	}
	return nil
}

// DropShadows removes the shadow tables of an abandoned restore
func (c *Controller) DropShadows(ctx context.Context, m *sqlscan.RewriteMap) error {
	var names []string
	for _, original := range m.Originals() {
		shadow, _ := m.Shadow(original)
		names = append(names, sqldump.QuoteIdent(shadow))
	}
	if len(names) == 0 {
		return nil
	}
	if _, err := c.conn.Exec(ctx, "DROP TABLE IF EXISTS "+strings.Join(names, ", ")); err != nil {
		return fmt.Errorf("failed to drop shadow tables: %w", err)
	}
	return nil
}

// DropStrays removes shadow and displaced tables left by interrupted
// restores. It must only run when no restore is active.
func (c *Controller) DropStrays(ctx context.Context) ([]string, error) {
	if _, found, err := c.LoadPlan(ctx); err != nil {
		return nil, err
	} else if found {
		return nil, errors.New("rollback plan pending, stray tables kept")
	}
	live, err := c.Tables(ctx)
	if err != nil {
		return nil, err
	}

	var dropped []string
	var result *multierror.Error
	for name := range live {
		if !sqlscan.IsStray(name) {
			continue
		}
		if _, err := c.conn.Exec(ctx, "DROP TABLE IF EXISTS "+sqldump.QuoteIdent(name)); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
			continue
		}
		dropped = append(dropped, name)
	}
	if len(dropped) > 0 {
		slog.Info("dropped stray tables", "tables", dropped)
	}
	return dropped, result.ErrorOrNil()
}
