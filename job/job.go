package job

import (
	"encoding/json"
	"time"

	"github.com/omnibrowser/jobcore"
	"github.com/omnibrowser/jobcore/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateCreated means the job has been submitted and no worker has
	// claimed it yet.
	StateCreated State = "created"
	// StateRunning means a worker is currently executing the job.
	StateRunning State = "running"
	// StatePaused means a worker checkpointed the job and yielded.
	StatePaused State = "paused"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job failed; it may still offer recovery.
	StateFailed State = "failed"
	// StateCancelled means the job was explicitly cancelled.
	StateCancelled State = "cancelled"
)

// Type classifies the payload a worker will execute for a job.
type Type string

const (
	TypeResearch Type = "research"
	TypeTrade    Type = "trade"
	TypeAnalysis Type = "analysis"
)

// Job represents one unit of trackable asynchronous work.
//
// Field invariants, enforced by stores and the repository:
// Progress only changes while State == StateRunning; Error and Result are
// mutually exclusive and set only on the corresponding terminal
// transition; CheckpointData is non-empty only while paused or while a
// failed/cancelled job still offers recovery; LastActivity never moves
// backwards and is the sole input to staleness detection.
type Job struct {
	jobcore.Entity

	ID             id.JobID        `json:"id"`
	UserID         string          `json:"user_id"`
	Type           Type            `json:"type"`
	Query          string          `json:"query"`
	State          State           `json:"state"`
	Progress       int             `json:"progress"`
	Step           string          `json:"step"`
	CheckpointData json.RawMessage `json:"checkpoint_data,omitempty"`
	Error          string          `json:"error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Attempts       int             `json:"attempts"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`
	LastActivity   time.Time       `json:"last_activity"`
}

// New builds a freshly submitted job in StateCreated with zero progress.
func New(userID string, typ Type, query string) *Job {
	now := time.Now().UTC()
	return &Job{
		Entity: jobcore.Entity{
			CreatedAt: now,
			UpdatedAt: now,
		},
		ID:           id.NewJobID(),
		UserID:       userID,
		Type:         typ,
		Query:        query,
		State:        StateCreated,
		Progress:     0,
		Step:         "created",
		LastActivity: now,
	}
}

// HasCheckpoint reports whether the job record carries inline checkpoint
// data. The checkpoint store may hold a richer record under the same ID.
func (j *Job) HasCheckpoint() bool {
	return len(j.CheckpointData) > 0
}

// Clone returns a deep-enough copy of the job. Byte slices are copied so
// callers can mutate the clone without racing on the original.
func (j *Job) Clone() *Job {
	cp := *j
	if j.CheckpointData != nil {
		cp.CheckpointData = append(json.RawMessage(nil), j.CheckpointData...)
	}
	if j.Result != nil {
		cp.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.FailedAt != nil {
		t := *j.FailedAt
		cp.FailedAt = &t
	}
	return &cp
}

// TouchActivity advances LastActivity, never backwards.
func (j *Job) TouchActivity() {
	now := time.Now().UTC()
	if now.After(j.LastActivity) {
		j.LastActivity = now
	}
}

// Duration returns how long the job ran, or zero if it never completed.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
