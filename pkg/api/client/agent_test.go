package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/controlplane-com/dbmaint/pkg/shared/types"
)

func testClient(url string) *AgentClient {
	c := NewAgentClient(url, "secret")
	c.retryDelay = 0
	c.PollInterval = time.Millisecond
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestDoRequest_Retries(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int32
		wantErr   bool
		wantCode  int
	}{
		{"ok first try", []int{200}, 1, false, 0},
		{"recovers after 503", []int{503, 500, 200}, 3, false, 0},
		{"client error not retried", []int{404}, 1, true, 404},
		{"gives up", []int{500, 500, 500, 500, 500}, 5, true, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				status := tt.statuses[int(n)-1]
				if status >= 400 {
					writeJSON(w, status, types.Response{Status: "error", Error: "boom"})
					return
				}
				writeJSON(w, status, types.HealthResponse{Status: "ok"})
			}))
			defer srv.Close()

			_, err := testClient(srv.URL).Health(context.Background(), 0)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			if tt.wantCode != 0 && !IsStatus(err, tt.wantCode) {
				t.Errorf("err = %v, want status %d", err, tt.wantCode)
			}
			if tt.wantErr && !strings.Contains(err.Error(), "boom") {
				t.Errorf("error message lost: %v", err)
			}
		})
	}
}

func TestRequests(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.Method + " " + r.URL.Path
		gotQuery = r.URL.RawQuery
		gotBody = nil
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
		}
		switch r.URL.Path {
		case "/api/restore":
			if r.Method == "POST" {
				writeJSON(w, 202, types.StartJobResponse{JobID: "r1"})
				return
			}
			writeJSON(w, 200, types.StatusResponse{ID: "r1", State: types.StateRestoreRunning})
		case "/api/history":
			writeJSON(w, 200, types.HistoryResponse{Operations: []types.Operation{{ID: "b1"}}})
		default:
			writeJSON(w, 200, map[string]any{})
		}
	}))
	defer srv.Close()
	c := testClient(srv.URL)
	ctx := context.Background()

	id, err := c.StartRestore(ctx, types.RestoreRequest{File: "a.sql.gz"})
	if err != nil || id != "r1" {
		t.Fatalf("StartRestore = %q, %v", id, err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "POST /api/restore" || gotBody["file"] != "a.sql.gz" {
		t.Errorf("request = %s %v", gotPath, gotBody)
	}

	st, err := c.RestoreStatus(ctx, "", 1)
	if err != nil || st.State != types.StateRestoreRunning {
		t.Fatalf("RestoreStatus = %+v, %v", st, err)
	}
	if gotPath != "GET /api/restore" {
		t.Errorf("path = %s", gotPath)
	}

	hist, err := c.History(ctx, types.OperationBackup, 5)
	if err != nil || len(hist.Operations) != 1 {
		t.Fatalf("History = %+v, %v", hist, err)
	}
	if gotQuery != "kind=backup&limit=5" {
		t.Errorf("query = %q", gotQuery)
	}

	if _, err := c.Fetch(ctx, "prod/a.sql.gz"); err != nil {
		t.Fatal(err)
	}
	if gotPath != "POST /api/artifacts/fetch" || gotBody["key"] != "prod/a.sql.gz" {
		t.Errorf("request = %s %v", gotPath, gotBody)
	}
}

func TestStartRestore_NotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, 500, types.Response{Error: "down"})
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).StartRestore(context.Background(), types.RestoreRequest{File: "a"}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestWaitRestore(t *testing.T) {
	tests := []struct {
		name    string
		states  []types.OrchestrationState
		wantErr string
	}{
		{"done", []types.OrchestrationState{types.StateSafetyBackupRunning, types.StateRestoreRunning, types.StateDone}, ""},
		{"error", []types.OrchestrationState{types.StateRestoreRunning, types.StateError}, "restore failed"},
		{"rolled back", []types.OrchestrationState{types.StateRollbackStarting, types.StateRollbackDone}, "rolled back"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := int(calls.Add(1)) - 1
				if n >= len(tt.states) {
					n = len(tt.states) - 1
				}
				writeJSON(w, 200, types.StatusResponse{ID: "r1", State: tt.states[n]})
			}))
			defer srv.Close()

			var seen int
			st, err := testClient(srv.URL).WaitRestore(context.Background(), "r1", func(*types.StatusResponse) { seen++ })
			if tt.wantErr == "" {
				if err != nil {
					t.Fatal(err)
				}
			} else if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
			if st == nil || st.State != tt.states[len(tt.states)-1] {
				t.Errorf("final = %+v", st)
			}
			if seen != len(tt.states) {
				t.Errorf("progress calls = %d, want %d", seen, len(tt.states))
			}
		})
	}
}

func TestWaitBackup_SurvivesRestart(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			writeJSON(w, 200, types.HealthResponse{Status: "ok"})
			return
		}
		// the first few polls hit a restarting agent
		if polls.Add(1) <= RestartMaxConsecutiveFailures {
			writeJSON(w, 503, types.Response{Error: "restarting"})
			return
		}
		writeJSON(w, 200, types.BackupJobResponse{Job: &types.BackupJobInfo{ID: "b1", Status: types.JobStatusDone}})
	}))
	defer srv.Close()

	info, err := testClient(srv.URL).WaitBackup(context.Background(), "b1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != types.JobStatusDone {
		t.Errorf("status = %s", info.Status)
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, types.BackupJobResponse{Job: &types.BackupJobInfo{ID: "b1", Status: types.JobStatusRunning}})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := testClient(srv.URL).WaitBackup(ctx, "b1", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestWaitBackup_UnknownJob(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, 404, types.Response{Status: "error", Error: "job not found"})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).WaitBackup(context.Background(), "nope", nil)
	if !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("err = %v, want 404", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}
