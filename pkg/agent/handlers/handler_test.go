package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/controlplane-com/dbmaint/pkg/agent/maintenance"
	"github.com/controlplane-com/dbmaint/pkg/agent/orchestrator"
	"github.com/controlplane-com/dbmaint/pkg/agent/restore"
	"github.com/controlplane-com/dbmaint/pkg/agent/statestore"
	"github.com/controlplane-com/dbmaint/pkg/shared/offsite"
	"github.com/controlplane-com/dbmaint/pkg/shared/types"
)

const token = "secret"

type fakeOps struct {
	active     string
	backups    []types.BackupRequest
	restores   []types.RestoreRequest
	restoreErr error
	rollback   *types.RollbackResponse
}

func (f *fakeOps) StartBackup(ctx context.Context, req types.BackupRequest) (string, error) {
	f.backups = append(f.backups, req)
	return "b1", nil
}

func (f *fakeOps) BackupStatus(ctx context.Context, id string) (*types.BackupJobInfo, error) {
	if id != "b1" {
		return nil, orchestrator.ErrNotFound
	}
	return &types.BackupJobInfo{ID: id, Status: types.JobStatusRunning, RowsDumped: 10}, nil
}

func (f *fakeOps) StartRestore(ctx context.Context, req types.RestoreRequest) (string, error) {
	if f.restoreErr != nil {
		return "", f.restoreErr
	}
	f.restores = append(f.restores, req)
	return "r1", nil
}

func (f *fakeOps) Status(ctx context.Context, id string) (*types.StatusResponse, error) {
	if id == "" {
		id = f.active
	}
	return &types.StatusResponse{ID: id, State: types.StateRestoreRunning, Message: "importing"}, nil
}

func (f *fakeOps) RequestRollback(ctx context.Context) (*types.RollbackResponse, error) {
	return f.rollback, nil
}

func (f *fakeOps) ActiveID(ctx context.Context) (string, bool, error) {
	return f.active, f.active != "", nil
}

type fakeStats struct{}

func (fakeStats) Report(ctx context.Context) (*types.StatsResponse, error) {
	return &types.StatsResponse{Database: "wp", TotalBytes: 2048, TotalHuman: "2.0 KiB"}, nil
}

type fakeCleaner struct{ runs int }

func (f *fakeCleaner) Run(ctx context.Context) (*types.CleanupResponse, error) {
	f.runs++
	return &types.CleanupResponse{TempFiles: 2, Errors: []string{"stray tables: busy"}}, errors.New("stray tables: busy")
}

type fakeHistory struct {
	kind  types.OperationKind
	limit int
}

func (f *fakeHistory) List(kind types.OperationKind, limit int) []types.Operation {
	f.kind, f.limit = kind, limit
	return []types.Operation{{ID: "b1", Kind: types.OperationBackup}}
}

type fakeArtifacts struct{}

func (fakeArtifacts) List(ctx context.Context) ([]types.ArtifactMeta, error) {
	return []types.ArtifactMeta{{Filename: "a.sql.gz", Size: 100}}, nil
}

type fakeOffsite struct{}

func (fakeOffsite) Upload(ctx context.Context, file string) (*types.ArtifactTransferResponse, error) {
	if file != "a.sql.gz" {
		return nil, offsite.ErrUnknownArtifact
	}
	return &types.ArtifactTransferResponse{File: file, Key: "p/" + file, Size: 100}, nil
}

func (fakeOffsite) Fetch(ctx context.Context, key string) (*types.ArtifactTransferResponse, error) {
	return &types.ArtifactTransferResponse{File: "a.sql.gz", Key: key, Size: 100}, nil
}

type fakeDB struct{ err error }

func (f fakeDB) PingContext(ctx context.Context) error { return f.err }

type server struct {
	handler http.Handler
	ops     *fakeOps
	flag    *maintenance.Flag
	cleaner *fakeCleaner
	history *fakeHistory
}

func newServer(t *testing.T, withOffsite bool) *server {
	t.Helper()
	s := &server{
		ops:     &fakeOps{rollback: &types.RollbackResponse{Scheduled: true, Message: "rollback x scheduled"}},
		flag:    maintenance.New(statestore.New(nil, statestore.NewMemoryDurable())),
		cleaner: &fakeCleaner{},
		history: &fakeHistory{},
	}
	cfg := Config{
		Database:    "wp",
		Ops:         s.ops,
		Maintenance: s.flag,
		Stats:       fakeStats{},
		Cleaner:     s.cleaner,
		History:     s.history,
		Artifacts:   fakeArtifacts{},
		DB:          fakeDB{},
	}
	if withOffsite {
		cfg.Offsite = fakeOffsite{}
	}
	s.handler = NewHandler(cfg).Router(token, s.flag.Middleware())
	return s
}

func (s *server) do(method, path, body string, auth bool) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	if auth {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, r)
	return w
}

func TestAuth(t *testing.T) {
	s := newServer(t, false)
	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health is open", "/api/health", "", http.StatusOK},
		{"ready is open", "/api/ready", "", http.StatusOK},
		{"missing header", "/api/stats", "", http.StatusUnauthorized},
		{"wrong scheme", "/api/stats", "Basic " + token, http.StatusUnauthorized},
		{"wrong token", "/api/stats", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "/api/stats", "Bearer " + token, http.StatusOK},
		{"metrics", "/metrics", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			s.handler.ServeHTTP(w, r)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestBackupRoutes(t *testing.T) {
	s := newServer(t, false)

	w := s.do("POST", "/api/backup", `{"label":"nightly"}`, true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("start status = %d: %s", w.Code, w.Body.String())
	}
	var started types.StartJobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &started); err != nil || started.JobID != "b1" {
		t.Fatalf("start body = %s", w.Body.String())
	}
	if len(s.ops.backups) != 1 || s.ops.backups[0].Label != "nightly" {
		t.Errorf("backups = %+v", s.ops.backups)
	}

	if w := s.do("POST", "/api/backup", "", true); w.Code != http.StatusAccepted {
		t.Errorf("start without body = %d", w.Code)
	}

	w = s.do("GET", "/api/backup/b1", "", true)
	var job types.BackupJobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil || job.Job == nil || job.Job.RowsDumped != 10 {
		t.Fatalf("status body = %s", w.Body.String())
	}
	if w := s.do("GET", "/api/backup/zz", "", true); w.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d", w.Code)
	}
}

func TestRestoreRoutes(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"accepted", `{"file":"a.sql.gz","skipSafetyFilter":true}`, nil, http.StatusAccepted},
		{"missing file", `{}`, nil, http.StatusBadRequest},
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"already running", `{"file":"a.sql.gz"}`, orchestrator.ErrAlreadyRunning, http.StatusConflict},
		{"rejected artifact", `{"file":"a.sql.gz"}`, &restore.ValidationError{Reason: "checksum mismatch"}, http.StatusBadRequest},
		{"engine failure", `{"file":"a.sql.gz"}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t, false)
			s.ops.restoreErr = tt.err
			w := s.do("POST", "/api/restore", tt.body, true)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
			if tt.want == http.StatusAccepted && !s.ops.restores[0].SkipSafetyFilter {
				t.Error("skipSafetyFilter not passed through")
			}
		})
	}

	s := newServer(t, false)
	s.ops.active = "r9"
	var st types.StatusResponse
	w := s.do("GET", "/api/restore", "", true)
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil || st.ID != "r9" {
		t.Fatalf("active status body = %s", w.Body.String())
	}
	w = s.do("GET", "/api/restore/r2", "", true)
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil || st.ID != "r2" || st.State != types.StateRestoreRunning {
		t.Fatalf("status body = %s", w.Body.String())
	}
}

func TestRollbackRoute(t *testing.T) {
	s := newServer(t, false)
	if w := s.do("POST", "/api/rollback", "", true); w.Code != http.StatusAccepted {
		t.Errorf("scheduled rollback status = %d", w.Code)
	}
	s.ops.rollback = &types.RollbackResponse{Message: "no rollback plan recorded"}
	if w := s.do("POST", "/api/rollback", "", true); w.Code != http.StatusOK {
		t.Errorf("no-op rollback status = %d", w.Code)
	}
}

func TestMaintenance(t *testing.T) {
	s := newServer(t, false)

	w := s.do("POST", "/api/maintenance", `{"enabled":true,"reason":"upgrade"}`, true)
	var flag types.MaintenanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &flag); err != nil || !flag.Enabled || flag.Reason != "upgrade" {
		t.Fatalf("raise body = %s", w.Body.String())
	}

	// guarded routes are refused, reads still work
	w = s.do("POST", "/api/backup", "", true)
	if w.Code != http.StatusServiceUnavailable || w.Header().Get("Retry-After") == "" {
		t.Errorf("backup during maintenance = %d, Retry-After %q", w.Code, w.Header().Get("Retry-After"))
	}
	if w := s.do("POST", "/api/cleanup", "", true); w.Code != http.StatusServiceUnavailable {
		t.Errorf("cleanup during maintenance = %d", w.Code)
	}
	if w := s.do("GET", "/api/stats", "", true); w.Code != http.StatusOK {
		t.Errorf("stats during maintenance = %d", w.Code)
	}
	w = s.do("GET", "/api/health", "", false)
	var health types.HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil || !health.Maintenance {
		t.Errorf("health body = %s", w.Body.String())
	}

	s.ops.active = "r1"
	if w := s.do("POST", "/api/maintenance", `{"enabled":false}`, true); w.Code != http.StatusConflict {
		t.Errorf("clear during restore = %d", w.Code)
	}
	s.ops.active = ""
	if w := s.do("POST", "/api/maintenance", `{"enabled":false}`, true); w.Code != http.StatusOK {
		t.Errorf("clear = %d", w.Code)
	}
	if w := s.do("POST", "/api/backup", "", true); w.Code != http.StatusAccepted {
		t.Errorf("backup after maintenance = %d", w.Code)
	}
}

func TestReadOnlyRoutes(t *testing.T) {
	s := newServer(t, false)

	w := s.do("POST", "/api/cleanup", "", true)
	var cleanup types.CleanupResponse
	if err := json.Unmarshal(w.Body.Bytes(), &cleanup); err != nil || cleanup.TempFiles != 2 || len(cleanup.Errors) != 1 {
		t.Fatalf("cleanup body = %s", w.Body.String())
	}

	w = s.do("GET", "/api/history?kind=backup&limit=5", "", true)
	if w.Code != http.StatusOK || s.history.kind != types.OperationBackup || s.history.limit != 5 {
		t.Errorf("history = %d, kind %q, limit %d", w.Code, s.history.kind, s.history.limit)
	}
	if w := s.do("GET", "/api/history?kind=bogus", "", true); w.Code != http.StatusBadRequest {
		t.Errorf("bad kind = %d", w.Code)
	}
	if w := s.do("GET", "/api/history?limit=x", "", true); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d", w.Code)
	}

	w = s.do("GET", "/api/artifacts", "", true)
	if !strings.Contains(w.Body.String(), "a.sql.gz") {
		t.Errorf("artifacts body = %s", w.Body.String())
	}
}

func TestArtifactTransfer(t *testing.T) {
	disabled := newServer(t, false)
	if w := disabled.do("POST", "/api/artifacts/upload", `{"file":"a.sql.gz"}`, true); w.Code != http.StatusNotImplemented {
		t.Errorf("upload without offsite = %d", w.Code)
	}

	s := newServer(t, true)
	if w := s.do("POST", "/api/artifacts/upload", `{"file":"a.sql.gz"}`, true); w.Code != http.StatusOK {
		t.Errorf("upload = %d: %s", w.Code, w.Body.String())
	}
	if w := s.do("POST", "/api/artifacts/upload", `{"file":"b.sql.gz"}`, true); w.Code != http.StatusNotFound {
		t.Errorf("upload unknown = %d", w.Code)
	}
	if w := s.do("POST", "/api/artifacts/fetch", `{}`, true); w.Code != http.StatusBadRequest {
		t.Errorf("fetch without key = %d", w.Code)
	}
	if w := s.do("POST", "/api/artifacts/fetch", `{"key":"p/a.sql.gz"}`, true); w.Code != http.StatusOK {
		t.Errorf("fetch = %d", w.Code)
	}
}

func TestReady_DatabaseDown(t *testing.T) {
	h := NewHandler(Config{DB: fakeDB{err: errors.New("connection refused")}})
	w := httptest.NewRecorder()
	h.Ready(w, httptest.NewRequest("GET", "/api/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
}
