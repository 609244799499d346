package types

// Response represents a generic API response
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// HealthResponse represents the health check response from an agent
type HealthResponse struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	Maintenance bool   `json:"maintenance"`
	ActiveJob   string `json:"activeJob,omitempty"`
}

// MaintenanceRequest toggles the maintenance flag by hand
type MaintenanceRequest struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason,omitempty"`
}

// MaintenanceResponse describes the current maintenance flag
type MaintenanceResponse struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason,omitempty"`
	Since   int64  `json:"since,omitempty"` // Unix timestamp
}

// TableStat is one row of the table statistics report
type TableStat struct {
	Name        string `json:"name"`
	Engine      string `json:"engine"`
	Rows        int64  `json:"rows"`
	DataBytes   int64  `json:"dataBytes"`
	IndexBytes  int64  `json:"indexBytes"`
	FreeBytes   int64  `json:"freeBytes"`
	TotalHuman  string `json:"totalHuman"`
	AvgRowBytes int64  `json:"avgRowBytes"`
}

// StatsResponse is returned by the statistics endpoint
type StatsResponse struct {
	Database   string      `json:"database"`
	Tables     []TableStat `json:"tables"`
	TotalBytes int64       `json:"totalBytes"`
	TotalHuman string      `json:"totalHuman"`
}

// CleanupResponse summarizes a housekeeping pass
type CleanupResponse struct {
	ExpiredState   int64    `json:"expiredState"`
	HistoryRemoved int      `json:"historyRemoved"`
	TempFiles      int      `json:"tempFiles"`
	DroppedTables  []string `json:"droppedTables,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

// OperationKind names what an operation history record describes
type OperationKind string

const (
	OperationBackup   OperationKind = "backup"
	OperationRestore  OperationKind = "restore"
	OperationRollback OperationKind = "rollback"
)

// Operation is one entry of the persistent operation history
type Operation struct {
	ID        string        `json:"id"`
	Kind      OperationKind `json:"kind"`
	State     string        `json:"state"`
	Message   string        `json:"message"`
	Error     string        `json:"error,omitempty"`
	File      string        `json:"file,omitempty"`
	StartedAt int64         `json:"startedAt"` // Unix timestamp
	EndedAt   int64         `json:"endedAt"`   // Unix timestamp
}

// HistoryResponse lists recent operations, newest first
type HistoryResponse struct {
	Operations []Operation `json:"operations"`
}
