package restore

import (
	"github.com/goccy/go-json"

	"github.com/controlplane-com/dbmaint/pkg/agent/decompress"
	"github.com/controlplane-com/dbmaint/pkg/shared/types"
	"github.com/controlplane-com/dbmaint/pkg/sqlscan"
)

// Phase is a step of the restore state machine
type Phase string

const (
	PhaseValidate   Phase = "validate"
	PhaseDecompress Phase = "decompress"
	PhaseImport     Phase = "import"
	PhaseIndexes    Phase = "indexes"
	PhaseVerify     Phase = "verify"
	PhaseSwap       Phase = "swap"
	PhaseFinalize   Phase = "finalize"
	PhaseDone       Phase = "done"
)

// StateKey is the state store key of a restore job
func StateKey(id string) string { return "restore:" + id }

// Progress is the replay position. It is written to the checkpoint table in
// the same transaction as the statements it covers.
type Progress struct {
	JobID        string             `json:"jobId"`
	Offset       int64              `json:"offset"`
	Statements   int64              `json:"statements"`
	Inserts      int64              `json:"inserts"`
	Skipped      int64              `json:"skipped"`
	Transactions int64              `json:"transactions"`
	Map          sqlscan.RewriteMap `json:"map"`
	// Deferred holds secondary index definitions per shadow table
	Deferred map[string][]string `json:"deferred,omitempty"`
	Indexed  map[string]bool     `json:"indexed,omitempty"`
	// Session lists SET statements in dump order; replayed at every tick
	Session []string `json:"session,omitempty"`
	Done    bool     `json:"done,omitempty"`
}

func (p *Progress) clone() *Progress {
	c := *p
	c.Map.Tables = make(map[string]string, len(p.Map.Tables))
	for k, v := range p.Map.Tables {
		c.Map.Tables[k] = v
	}
	c.Deferred = make(map[string][]string, len(p.Deferred))
	for k, v := range p.Deferred {
		c.Deferred[k] = append([]string(nil), v...)
	}
	c.Indexed = make(map[string]bool, len(p.Indexed))
	for k, v := range p.Indexed {
		c.Indexed[k] = v
	}
	c.Session = append([]string(nil), p.Session...)
	return &c
}

// ScanState tracks the table pre-check over the decompressed dump
type ScanState struct {
	Offset int64    `json:"offset"`
	Tables []string `json:"tables,omitempty"`
	Done   bool     `json:"done,omitempty"`
}

// ChecksumState tracks the resumable artifact checksum
type ChecksumState struct {
	Offset    int64  `json:"offset"`
	HashState []byte `json:"hashState,omitempty"`
	Done      bool   `json:"done,omitempty"`
}

// Job is the persisted state of one restore
type Job struct {
	ID       string `json:"id"`
	File     string `json:"file"`
	Path     string `json:"path"`
	Plain    string `json:"plain"`
	Database string `json:"database"`
	// SkipFilter disables the statement safety filter
	SkipFilter bool `json:"skipFilter,omitempty"`

	Phase      Phase            `json:"phase"`
	Status     types.JobStatus  `json:"status"`
	Checksum   ChecksumState    `json:"checksum"`
	Decompress decompress.State `json:"decompress"`
	Scan       ScanState        `json:"scan"`
	Progress   Progress         `json:"progress"`
	// Swapped is set once the shadow tables are live
	Swapped bool `json:"swapped,omitempty"`

	Ticks       int    `json:"ticks"`
	Failures    int    `json:"failures,omitempty"`
	Error       string `json:"error,omitempty"`
	StartedAt   int64  `json:"startedAt"`
	UpdatedAt   int64  `json:"updatedAt"`
	CompletedAt int64  `json:"completedAt,omitempty"`
}

func (j *Job) clone() (*Job, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	var c Job
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Summary is a one-line progress description
func (j *Job) Summary() string {
	switch j.Phase {
	case PhaseValidate:
		return "validating backup file"
	case PhaseDecompress:
		if j.Decompress.Done {
			return "checking backup contents"
		}
		return "decompressing backup"
	case PhaseImport:
		return "importing data"
	case PhaseIndexes:
		return "building indexes"
	case PhaseVerify:
		return "verifying restored tables"
	case PhaseSwap:
		return "swapping restored tables into place"
	case PhaseFinalize:
		return "cleaning up"
	case PhaseDone:
		return "restore complete"
	}
	return string(j.Phase)
}
