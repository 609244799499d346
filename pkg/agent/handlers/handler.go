package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/controlplane-com/dbmaint/pkg/agent/orchestrator"
	"github.com/controlplane-com/dbmaint/pkg/agent/restore"
	"github.com/controlplane-com/dbmaint/pkg/shared/offsite"
	"github.com/controlplane-com/dbmaint/pkg/shared/types"
)

// Operations starts and reports backups, restores and rollbacks
type Operations interface {
	StartBackup(ctx context.Context, req types.BackupRequest) (string, error)
	BackupStatus(ctx context.Context, id string) (*types.BackupJobInfo, error)
	StartRestore(ctx context.Context, req types.RestoreRequest) (string, error)
	Status(ctx context.Context, id string) (*types.StatusResponse, error)
	RequestRollback(ctx context.Context) (*types.RollbackResponse, error)
	ActiveID(ctx context.Context) (string, bool, error)
}

type Maintenance interface {
	Raise(ctx context.Context, reason string) error
	Clear(ctx context.Context) error
	Get(ctx context.Context) (types.MaintenanceResponse, error)
}

type Stats interface {
	Report(ctx context.Context) (*types.StatsResponse, error)
}

type Cleaner interface {
	Run(ctx context.Context) (*types.CleanupResponse, error)
}

type History interface {
	List(kind types.OperationKind, limit int) []types.Operation
}

type Artifacts interface {
	List(ctx context.Context) ([]types.ArtifactMeta, error)
}

// Offsite is nil when no offsite provider is configured
type Offsite interface {
	Upload(ctx context.Context, file string) (*types.ArtifactTransferResponse, error)
	Fetch(ctx context.Context, key string) (*types.ArtifactTransferResponse, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

type Config struct {
	Database    string
	Ops         Operations
	Maintenance Maintenance
	Stats       Stats
	Cleaner     Cleaner
	History     History
	Artifacts   Artifacts
	Offsite     Offsite
	DB          Pinger
}

type Handler struct {
	cfg Config
}

func NewHandler(cfg Config) *Handler {
	return &Handler{cfg: cfg}
}

// Response helpers
func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, types.Response{Status: "error", Error: message})
}

func successResponse(w http.ResponseWriter, message string) {
	jsonResponse(w, http.StatusOK, types.Response{Status: "ok", Message: message})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// failure maps engine errors to status codes
func failure(w http.ResponseWriter, err error) {
	var ve *restore.ValidationError
	switch {
	case errors.As(err, &ve):
		errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrAlreadyRunning), errors.Is(err, offsite.ErrArtifactExists):
		errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, offsite.ErrUnknownArtifact),
		errors.Is(err, offsite.ErrObjectNotFound):
		errorResponse(w, http.StatusNotFound, err.Error())
	default:
		slog.Error("request failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

// Health reports liveness plus the maintenance flag and active job
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := types.HealthResponse{Status: "ok", Database: h.cfg.Database}
	if flag, err := h.cfg.Maintenance.Get(r.Context()); err == nil {
		resp.Maintenance = flag.Enabled
	}
	if id, held, err := h.cfg.Ops.ActiveID(r.Context()); err == nil && held {
		resp.ActiveJob = id
	}
	jsonResponse(w, http.StatusOK, resp)
}

// Ready succeeds once the target database answers
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.DB.PingContext(r.Context()); err != nil {
		jsonResponse(w, http.StatusServiceUnavailable, map[string]any{
			"ready":  false,
			"reason": "database not reachable: " + err.Error(),
		})
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"ready": true})
}

func (h *Handler) StartBackup(w http.ResponseWriter, r *http.Request) {
	var req types.BackupRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	id, err := h.cfg.Ops.StartBackup(r.Context(), req)
	if err != nil {
		failure(w, err)
		return
	}
	jsonResponse(w, http.StatusAccepted, types.StartJobResponse{JobID: id})
}

func (h *Handler) GetBackup(w http.ResponseWriter, r *http.Request) {
	info, err := h.cfg.Ops.BackupStatus(r.Context(), mux.Vars(r)["jobId"])
	if err != nil {
		failure(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, types.BackupJobResponse{Job: info})
}

func (h *Handler) StartRestore(w http.ResponseWriter, r *http.Request) {
	var req types.RestoreRequest
	if !decode(w, r, &req) {
		return
	}
	if req.File == "" {
		errorResponse(w, http.StatusBadRequest, "file is required")
		return
	}
	id, err := h.cfg.Ops.StartRestore(r.Context(), req)
	if err != nil {
		failure(w, err)
		return
	}
	jsonResponse(w, http.StatusAccepted, types.StartJobResponse{JobID: id})
}

// RestoreStatus answers for the given id, or for the active operation
func (h *Handler) RestoreStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.cfg.Ops.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		failure(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, st)
}

func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	resp, err := h.cfg.Ops.RequestRollback(r.Context())
	if err != nil {
		failure(w, err)
		return
	}
	status := http.StatusOK
	if resp.Scheduled {
		status = http.StatusAccepted
	}
	jsonResponse(w, status, resp)
}

func (h *Handler) GetMaintenance(w http.ResponseWriter, r *http.Request) {
	flag, err := h.cfg.Maintenance.Get(r.Context())
	if err != nil {
		failure(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, flag)
}

// SetMaintenance toggles the flag by hand. It cannot be cleared while a
// restore or rollback owns it.
func (h *Handler) SetMaintenance(w http.ResponseWriter, r *http.Request) {
	var req types.MaintenanceRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	var err error
	if req.Enabled {
		reason := req.Reason
		if reason == "" {
			reason = "manual"
		}
		err = h.cfg.Maintenance.Raise(ctx, reason)
	} else {
		id, held, lerr := h.cfg.Ops.ActiveID(ctx)
		if lerr != nil {
			failure(w, lerr)
			return
		}
		if held {
			errorResponse(w, http.StatusConflict, "operation "+id+" is running; maintenance clears when it ends")
			return
		}
		err = h.cfg.Maintenance.Clear(ctx)
	}
	if err != nil {
		failure(w, err)
		return
	}
	slog.Info("maintenance flag changed by operator", "enabled", req.Enabled, "reason", req.Reason)
	h.GetMaintenance(w, r)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp, err := h.cfg.Stats.Report(r.Context())
	if err != nil {
		failure(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}

// Cleanup runs a housekeeping pass now. Partial failures are listed in the
// response.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	resp, err := h.cfg.Cleaner.Run(r.Context())
	if resp == nil {
		failure(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errorResponse(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	kind := types.OperationKind(q.Get("kind"))
	switch kind {
	case "", types.OperationBackup, types.OperationRestore, types.OperationRollback:
	default:
		errorResponse(w, http.StatusBadRequest, "unknown kind "+string(kind))
		return
	}
	ops := h.cfg.History.List(kind, limit)
	if ops == nil {
		ops = []types.Operation{}
	}
	jsonResponse(w, http.StatusOK, types.HistoryResponse{Operations: ops})
}

func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	list, err := h.cfg.Artifacts.List(r.Context())
	if err != nil {
		failure(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, types.ArtifactsResponse{Artifacts: list})
}

func (h *Handler) UploadArtifact(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Offsite == nil {
		errorResponse(w, http.StatusNotImplemented, "no offsite storage configured")
		return
	}
	var req types.ArtifactTransferRequest
	if !decode(w, r, &req) {
		return
	}
	if req.File == "" {
		errorResponse(w, http.StatusBadRequest, "file is required")
		return
	}
	resp, err := h.cfg.Offsite.Upload(r.Context(), req.File)
	if err != nil {
		failure(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (h *Handler) FetchArtifact(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Offsite == nil {
		errorResponse(w, http.StatusNotImplemented, "no offsite storage configured")
		return
	}
	var req types.ArtifactTransferRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Key == "" {
		errorResponse(w, http.StatusBadRequest, "key is required")
		return
	}
	resp, err := h.cfg.Offsite.Fetch(r.Context(), req.Key)
	if err != nil {
		failure(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}
