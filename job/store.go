package job

import (
	"context"
	"encoding/json"
	"time"
)

// ListOpts controls filtering for job list queries.
type ListOpts struct {
	// UserID filters by owner. Empty means all users.
	UserID string
	// State filters by job state. Empty means all states.
	State State
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
}

// Stats aggregates job counts by state plus the average duration of
// completed jobs.
type Stats struct {
	Total       int64           `json:"total"`
	ByState     map[State]int64 `json:"by_state"`
	AvgDuration time.Duration   `json:"avg_duration"`
}

// Store defines the persistence contract for jobs. Two interchangeable
// implementations ship with the module: store/memory and store/redis.
//
// Mutating operations return the stored job after the change so callers
// can publish events without a second read.
type Store interface {
	// CreateJob persists a new job. Fails if the ID already exists.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// UpdateJob persists changes to an existing job. It does not touch
	// LastActivity; only heartbeats and progress updates do.
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a job by ID.
	DeleteJob(ctx context.Context, jobID string) error

	// ListJobs returns jobs matching the given options.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// SetProgress records progress and the current step for a running
	// job, refreshing LastActivity. Progress must be 0..99 (100 is
	// reserved for completion) and must not regress. Fails with
	// ErrInvalidTransition if the job is not running.
	SetProgress(ctx context.Context, jobID string, progress int, step string) (*Job, error)

	// SetState moves the job to a new state, enforcing the legality
	// table via Transition.
	SetState(ctx context.Context, jobID string, to State) (*Job, error)

	// ForceSetState moves the job to a new state without consulting the
	// legality table. Privileged: only recovery paths and the hung-job
	// sweep may call it. Kept separate from SetState so the bypass is
	// auditable.
	ForceSetState(ctx context.Context, jobID string, to State) (*Job, error)

	// SetCheckpointData attaches inline checkpoint data to the job
	// record and refreshes LastActivity.
	SetCheckpointData(ctx context.Context, jobID string, data json.RawMessage) (*Job, error)

	// ClearCheckpointData discards inline checkpoint data.
	ClearCheckpointData(ctx context.Context, jobID string) error

	// SetError transitions the job to failed and records the message.
	SetError(ctx context.Context, jobID string, msg string) (*Job, error)

	// SetResult transitions the job to completed, records the result,
	// sets progress to 100, and clears inline checkpoint data.
	SetResult(ctx context.Context, jobID string, result json.RawMessage) (*Job, error)

	// CancelJob transitions the job to cancelled.
	CancelJob(ctx context.Context, jobID string) (*Job, error)

	// HeartbeatJob refreshes LastActivity, signalling the worker is
	// still alive.
	HeartbeatJob(ctx context.Context, jobID string) error

	// FindStaleRunning returns active (running or paused) jobs whose
	// LastActivity is older than the threshold, implying the worker
	// died.
	FindStaleRunning(ctx context.Context, threshold time.Duration) ([]*Job, error)

	// JobStats aggregates counts by state and average completed duration.
	JobStats(ctx context.Context) (*Stats, error)
}
