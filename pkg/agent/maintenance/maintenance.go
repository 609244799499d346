// Package maintenance holds the durable flag that suspends ordinary traffic
// while a destructive operation runs.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/controlplane-com/dbmaint/pkg/agent/metrics"
	"github.com/controlplane-com/dbmaint/pkg/agent/statestore"
	"github.com/controlplane-com/dbmaint/pkg/shared/types"
)

// Key is the state store key of the flag
const Key = "maintenance"

// RetryAfter is advertised to clients turned away during maintenance
const RetryAfter = 30 * time.Second

type Flag struct {
	store *statestore.Store
	now   func() time.Time
}

func New(store *statestore.Store) *Flag {
	return &Flag{store: store, now: time.Now}
}

// Raise sets the flag. It never expires on its own.
func (f *Flag) Raise(ctx context.Context, reason string) error {
	state := types.MaintenanceResponse{Enabled: true, Reason: reason, Since: f.now().Unix()}
	if err := f.store.Set(ctx, Key, state, 0); err != nil {
		return fmt.Errorf("failed to raise maintenance flag: %w", err)
	}
	metrics.SetMaintenance(true)
	slog.Info("maintenance flag raised", "reason", reason)
	return nil
}

func (f *Flag) Clear(ctx context.Context) error {
	if err := f.store.Delete(ctx, Key); err != nil {
		return fmt.Errorf("failed to clear maintenance flag: %w", err)
	}
	metrics.SetMaintenance(false)
	slog.Info("maintenance flag cleared")
	return nil
}

// Get returns the current flag; a missing record means off
func (f *Flag) Get(ctx context.Context) (types.MaintenanceResponse, error) {
	var state types.MaintenanceResponse
	found, err := f.store.Get(ctx, Key, &state)
	if err != nil || !found {
		return types.MaintenanceResponse{}, err
	}
	return state, nil
}

// Middleware answers 503 with Retry-After while the flag is raised. Paths
// starting with one of exempt pass through.
func (f *Flag) Middleware(exempt ...string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range exempt {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}
			state, err := f.Get(r.Context())
			if err != nil {
				// an unreadable flag must not lock the site out
				slog.Warn("failed to read maintenance flag", "error", err)
			}
			if !state.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(RetryAfter.Seconds())))
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(types.Response{
				Status:  "maintenance",
				Message: "maintenance in progress: " + state.Reason,
			})
		})
	}
}
