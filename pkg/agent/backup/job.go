package backup

import (
	"github.com/controlplane-com/dbmaint/pkg/shared/types"
)

// Phase is the producer state machine position
type Phase string

const (
	PhaseInit   Phase = "init"
	PhaseTables Phase = "tables"
	PhaseData   Phase = "data"
	PhaseFooter Phase = "footer"
	PhaseDone   Phase = "done"
)

// StateKey is the state store key of a backup job
func StateKey(id string) string { return "backup:" + id }

// ArtifactKey is the state store key of a finished artifact's metadata
func ArtifactKey(file string) string { return "artifact:" + file }

// Job is the persisted state of one backup. Everything a later tick needs to
// resume lives here.
type Job struct {
	ID       string          `json:"id"`
	Label    string          `json:"label,omitempty"`
	Safety   bool            `json:"safety,omitempty"`
	File     string          `json:"file"`
	Path     string          `json:"path"`
	Database string          `json:"database"`
	Phase    Phase           `json:"phase"`
	Status   types.JobStatus `json:"status"`

	Tables     []string   `json:"tables,omitempty"`
	TableIndex int        `json:"tableIndex"`
	Table      *TableInfo `json:"table,omitempty"`
	Cursor     string     `json:"cursor,omitempty"`
	HasCursor  bool       `json:"hasCursor,omitempty"`
	Offset     int64      `json:"offset"`

	Rows      int64 `json:"rows"`
	TableRows int64 `json:"tableRows"`
	Inserts   int64 `json:"inserts"`
	Chunks    int64 `json:"chunks"`
	Ticks     int   `json:"ticks"`

	// BytesWritten is the durable length of the output file. Anything past it
	// was written by a tick that did not finish and is truncated on resume.
	BytesWritten int64  `json:"bytesWritten"`
	HashState    []byte `json:"hashState,omitempty"`
	SHA256       string `json:"sha256,omitempty"`

	Failures    int    `json:"failures,omitempty"`
	Error       string `json:"error,omitempty"`
	StartedAt   int64  `json:"startedAt"`
	UpdatedAt   int64  `json:"updatedAt"`
	CompletedAt int64  `json:"completedAt,omitempty"`
}

// Info is the operator view of the job
func (j *Job) Info() *types.BackupJobInfo {
	info := &types.BackupJobInfo{
		ID:           j.ID,
		Status:       j.Status,
		Phase:        string(j.Phase),
		File:         j.File,
		TablesDone:   j.TableIndex,
		TablesTotal:  len(j.Tables),
		RowsDumped:   j.Rows,
		BytesWritten: j.BytesWritten,
		Error:        j.Error,
		StartedAt:    j.StartedAt,
		UpdatedAt:    j.UpdatedAt,
	}
	if j.Table != nil {
		info.Table = j.Table.Name
	}
	return info
}
