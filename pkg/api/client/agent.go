package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/controlplane-com/dbmaint/pkg/shared/types"
)

// Restart recovery constants
const (
	RestartMaxConsecutiveFailures = 3               // consecutive poll failures before assuming restart
	RestartRecoveryTimeout        = 5 * time.Minute // max wait for agent to come back
	defaultMaxRetries             = 5
)

// APIError is a non-2xx answer from the agent
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given code
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// AgentClient is an HTTP client for the dbmaint agent
type AgentClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	retryDelay time.Duration
	// PollInterval paces the Wait helpers
	PollInterval time.Duration
}

// NewAgentClient creates a new agent client with authentication
func NewAgentClient(baseURL, authToken string) *AgentClient {
	return &AgentClient{
		baseURL:      baseURL,
		authToken:    authToken,
		httpClient:   &http.Client{Timeout: 5 * time.Minute},
		retryDelay:   3 * time.Second,
		PollInterval: 5 * time.Second,
	}
}

// BaseURL returns the client's base URL
func (c *AgentClient) BaseURL() string {
	return c.baseURL
}

// doRequest performs an HTTP request with bearer token authentication and
// retries on transport errors and 5xx answers.
// maxRetries: 1 = no retries, 0 = use default (5)
func (c *AgentClient) doRequest(ctx context.Context, method, path string, body any, maxRetries int) ([]byte, error) {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	var jsonBody []byte
	if body != nil {
		var err error
		jsonBody, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		var bodyReader io.Reader
		if jsonBody != nil {
			bodyReader = bytes.NewReader(jsonBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.authToken)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			slog.Debug("request failed", "host", c.baseURL, "path", path, "attempt", attempt, "maxRetries", maxRetries, "error", err)
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode >= 400 {
			var errResp types.Response
			_ = json.Unmarshal(respBody, &errResp)
			msg := errResp.Error
			if msg == "" {
				msg = errResp.Message
			}
			apiErr := &APIError{StatusCode: resp.StatusCode, Message: msg}
			// 5xx, including 503 during maintenance, is worth another try
			if resp.StatusCode >= 500 {
				lastErr = apiErr
				slog.Debug("server error", "host", c.baseURL, "path", path, "attempt", attempt, "statusCode", resp.StatusCode, "error", msg)
				continue
			}
			return nil, apiErr
		}
		return respBody, nil
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *AgentClient) call(ctx context.Context, method, path string, body, out any, maxRetries int) error {
	data, err := c.doRequest(ctx, method, path, body, maxRetries)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *AgentClient) Health(ctx context.Context, maxRetries int) (*types.HealthResponse, error) {
	var resp types.HealthResponse
	return &resp, c.call(ctx, "GET", "/api/health", nil, &resp, maxRetries)
}

func (c *AgentClient) StartBackup(ctx context.Context, req types.BackupRequest) (string, error) {
	var resp types.StartJobResponse
	if err := c.call(ctx, "POST", "/api/backup", req, &resp, 0); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

func (c *AgentClient) BackupStatus(ctx context.Context, jobID string, maxRetries int) (*types.BackupJobInfo, error) {
	var resp types.BackupJobResponse
	if err := c.call(ctx, "GET", "/api/backup/"+url.PathEscape(jobID), nil, &resp, maxRetries); err != nil {
		return nil, err
	}
	if resp.Job == nil {
		return nil, fmt.Errorf("empty backup status for %s", jobID)
	}
	return resp.Job, nil
}

// StartRestore is sent once; a retried POST could race the lock it takes
func (c *AgentClient) StartRestore(ctx context.Context, req types.RestoreRequest) (string, error) {
	var resp types.StartJobResponse
	if err := c.call(ctx, "POST", "/api/restore", req, &resp, 1); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// RestoreStatus queries one orchestration; an empty id asks for the active one
func (c *AgentClient) RestoreStatus(ctx context.Context, id string, maxRetries int) (*types.StatusResponse, error) {
	path := "/api/restore"
	if id != "" {
		path += "/" + url.PathEscape(id)
	}
	var resp types.StatusResponse
	return &resp, c.call(ctx, "GET", path, nil, &resp, maxRetries)
}

func (c *AgentClient) Rollback(ctx context.Context) (*types.RollbackResponse, error) {
	var resp types.RollbackResponse
	return &resp, c.call(ctx, "POST", "/api/rollback", nil, &resp, 1)
}

func (c *AgentClient) Maintenance(ctx context.Context) (*types.MaintenanceResponse, error) {
	var resp types.MaintenanceResponse
	return &resp, c.call(ctx, "GET", "/api/maintenance", nil, &resp, 0)
}

func (c *AgentClient) SetMaintenance(ctx context.Context, req types.MaintenanceRequest) (*types.MaintenanceResponse, error) {
	var resp types.MaintenanceResponse
	return &resp, c.call(ctx, "POST", "/api/maintenance", req, &resp, 0)
}

func (c *AgentClient) Stats(ctx context.Context) (*types.StatsResponse, error) {
	var resp types.StatsResponse
	return &resp, c.call(ctx, "GET", "/api/stats", nil, &resp, 0)
}

func (c *AgentClient) Cleanup(ctx context.Context) (*types.CleanupResponse, error) {
	var resp types.CleanupResponse
	return &resp, c.call(ctx, "POST", "/api/cleanup", nil, &resp, 1)
}

func (c *AgentClient) History(ctx context.Context, kind types.OperationKind, limit int) (*types.HistoryResponse, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", string(kind))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp types.HistoryResponse
	return &resp, c.call(ctx, "GET", path, nil, &resp, 0)
}

func (c *AgentClient) Artifacts(ctx context.Context) (*types.ArtifactsResponse, error) {
	var resp types.ArtifactsResponse
	return &resp, c.call(ctx, "GET", "/api/artifacts", nil, &resp, 0)
}

func (c *AgentClient) Upload(ctx context.Context, file string) (*types.ArtifactTransferResponse, error) {
	var resp types.ArtifactTransferResponse
	return &resp, c.call(ctx, "POST", "/api/artifacts/upload", types.ArtifactTransferRequest{File: file}, &resp, 1)
}

func (c *AgentClient) Fetch(ctx context.Context, key string) (*types.ArtifactTransferResponse, error) {
	var resp types.ArtifactTransferResponse
	return &resp, c.call(ctx, "POST", "/api/artifacts/fetch", types.ArtifactTransferRequest{Key: key}, &resp, 1)
}
