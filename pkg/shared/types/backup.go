package types

// JobStatus is the coarse status of a backup or restore job
type JobStatus string

const (
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusError   JobStatus = "error"
)

// OrchestrationState is the top-level state of a restore orchestration
type OrchestrationState string

const (
	StateSafetyBackupStarting OrchestrationState = "safety_backup_starting"
	StateSafetyBackupRunning  OrchestrationState = "safety_backup_running"
	StateRestoreStarting      OrchestrationState = "restore_starting"
	StateRestoreRunning       OrchestrationState = "restore_running"
	StateDone                 OrchestrationState = "done"
	StateError                OrchestrationState = "error"
	StateRollbackStarting     OrchestrationState = "rollback_starting"
	StateRollbackDone         OrchestrationState = "rollback_done"

	// Reported by status queries only, never persisted
	StateStarting   OrchestrationState = "starting"
	StateNotRunning OrchestrationState = "not running"
)

// Terminal reports whether no further ticks follow this state
func (s OrchestrationState) Terminal() bool {
	switch s {
	case StateDone, StateError, StateRollbackDone:
		return true
	}
	return false
}

// BackupRequest is the request body for starting a standalone backup
type BackupRequest struct {
	Label string `json:"label,omitempty"`
}

// RestoreRequest is the request body for starting a restore
type RestoreRequest struct {
	File string `json:"file"` // Artifact filename relative to the backup dir
	// SkipSafetyFilter disables statement filtering for this restore. Logged.
	SkipSafetyFilter bool `json:"skipSafetyFilter,omitempty"`
}

// StartJobResponse is returned when starting an async backup or restore
type StartJobResponse struct {
	JobID string `json:"jobId"`
}

// BackupJobInfo is the operator view of a backup job
type BackupJobInfo struct {
	ID           string    `json:"id"`
	Status       JobStatus `json:"status"`
	Phase        string    `json:"phase"`
	File         string    `json:"file"`
	Table        string    `json:"table,omitempty"`
	TablesDone   int       `json:"tablesDone"`
	TablesTotal  int       `json:"tablesTotal"`
	RowsDumped   int64     `json:"rowsDumped"`
	BytesWritten int64     `json:"bytesWritten"`
	Error        string    `json:"error,omitempty"`
	StartedAt    int64     `json:"startedAt"`
	UpdatedAt    int64     `json:"updatedAt"`
}

// BackupJobResponse is returned when querying backup job status
type BackupJobResponse struct {
	Job *BackupJobInfo `json:"job"`
}

// StatusResponse answers the operator-facing status query for an orchestration
type StatusResponse struct {
	ID      string             `json:"id"`
	State   OrchestrationState `json:"state"`
	Message string             `json:"message"`
}

// RollbackResponse reports whether a rollback was scheduled
type RollbackResponse struct {
	Scheduled bool   `json:"scheduled"`
	Message   string `json:"message"`
}

// ArtifactMeta is stored durably next to every finished backup file and
// checked before the file is restored.
type ArtifactMeta struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	Database  string `json:"database"`
	CreatedAt int64  `json:"createdAt"` // Unix timestamp
	SHA256    string `json:"sha256"`
	Generator string `json:"generator"`
	Label     string `json:"label,omitempty"`
}

// ArtifactsResponse lists known backup artifacts
type ArtifactsResponse struct {
	Artifacts []ArtifactMeta `json:"artifacts"`
}

// ArtifactTransferRequest asks the agent to copy an artifact to or from offsite storage
type ArtifactTransferRequest struct {
	File string `json:"file,omitempty"` // Local artifact name (upload)
	Key  string `json:"key,omitempty"`  // Offsite object key (fetch)
}

// ArtifactTransferResponse reports a finished offsite transfer
type ArtifactTransferResponse struct {
	File string `json:"file"`
	Key  string `json:"key"`
	Size int64  `json:"size"`
}
