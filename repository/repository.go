// Package repository is the façade every collaborator calls: task
// executors drive their jobs through it, the route layer cancels,
// pauses, and resumes through it. It wraps the job store with business
// rules the store itself does not know about and aggregates statistics.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/omnibrowser/jobcore/checkpoint"
	"github.com/omnibrowser/jobcore/event"
	"github.com/omnibrowser/jobcore/job"
	"github.com/omnibrowser/jobcore/recovery"
)

// Publisher is the slice of the event registry the repository needs.
type Publisher interface {
	Publish(ctx context.Context, name event.Type, j *job.Job, payload json.RawMessage) error
}

// UserStats aggregates one user's jobs by state.
type UserStats struct {
	UserID      string              `json:"user_id"`
	Total       int64               `json:"total"`
	ByState     map[job.State]int64 `json:"by_state"`
	AvgDuration time.Duration       `json:"avg_duration"`
}

// Repository enforces business rules on top of a pluggable store.
type Repository struct {
	jobs        job.Store
	checkpoints *checkpoint.Manager
	publisher   Publisher
	logger      *slog.Logger

	// staleThreshold is the tight window FindStaleJobs uses; a
	// supervisor polling between sweeps wants seconds, not the
	// scheduler's minutes.
	staleThreshold time.Duration
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

// WithStaleThreshold overrides the supervisor staleness window.
func WithStaleThreshold(d time.Duration) Option {
	return func(r *Repository) { r.staleThreshold = d }
}

// New creates a Repository.
func New(jobs job.Store, checkpoints *checkpoint.Manager, publisher Publisher, opts ...Option) *Repository {
	r := &Repository{
		jobs:           jobs,
		checkpoints:    checkpoints,
		publisher:      publisher,
		logger:         slog.Default(),
		staleThreshold: 35 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// CreateResearchJob submits a new research run.
func (r *Repository) CreateResearchJob(ctx context.Context, userID, query string) (*job.Job, error) {
	return r.createJob(ctx, userID, job.TypeResearch, query)
}

// CreateTradeJob submits a new trade job.
func (r *Repository) CreateTradeJob(ctx context.Context, userID, query string) (*job.Job, error) {
	return r.createJob(ctx, userID, job.TypeTrade, query)
}

// CreateAnalysisJob submits a new analysis job.
func (r *Repository) CreateAnalysisJob(ctx context.Context, userID, query string) (*job.Job, error) {
	return r.createJob(ctx, userID, job.TypeAnalysis, query)
}

func (r *Repository) createJob(ctx context.Context, userID string, typ job.Type, query string) (*job.Job, error) {
	j := job.New(userID, typ, query)
	if err := r.jobs.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	r.publish(ctx, event.TypeJobCreated, j, nil)

	r.logger.Info("job created",
		slog.String("job_id", j.ID.String()),
		slog.String("type", string(typ)),
		slog.String("user_id", userID),
	)
	return j, nil
}

// Claim transitions a created job to running on behalf of a worker.
// Ownership is by convention only: the claiming worker is simply the
// one that heartbeats from here on.
func (r *Repository) Claim(ctx context.Context, jobID string) (*job.Job, error) {
	return r.jobs.SetState(ctx, jobID, job.StateRunning)
}

// UpdateProgress records worker progress. Only legal while running;
// progress may not regress and 100 is reserved for completion.
func (r *Repository) UpdateProgress(ctx context.Context, jobID string, progress int, step string) (*job.Job, error) {
	j, err := r.jobs.SetProgress(ctx, jobID, progress, step)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{"progress": progress, "step": step}) //nolint:errcheck // cannot fail for this shape
	r.publish(ctx, event.TypeJobProgress, j, payload)
	return j, nil
}

// Checkpoint saves a snapshot of the job's partial progress: the full
// record goes to the checkpoint store, an inline copy onto the job for
// cheap recovery checks. Counts as a heartbeat.
func (r *Repository) Checkpoint(ctx context.Context, jobID string, cp *checkpoint.Checkpoint) (*checkpoint.Checkpoint, error) {
	j, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	cp.JobID = jobID
	if cp.UserID == "" {
		cp.UserID = j.UserID
	}
	if cp.Step == "" {
		cp.Step = j.Step
	}
	if cp.Progress == 0 {
		cp.Progress = j.Progress
	}

	saved, err := r.checkpoints.Save(ctx, cp)
	if err != nil {
		return nil, err
	}

	inline, err := json.Marshal(saved)
	if err != nil {
		return nil, fmt.Errorf("repository: marshal inline checkpoint: %w", err)
	}
	if _, err := r.jobs.SetCheckpointData(ctx, jobID, inline); err != nil {
		return nil, err
	}
	return saved, nil
}

// Complete records the result and transitions the job to completed.
// The checkpoint is discarded; there is nothing left to resume.
func (r *Repository) Complete(ctx context.Context, jobID string, result json.RawMessage) (*job.Job, error) {
	j, err := r.jobs.SetResult(ctx, jobID, result)
	if err != nil {
		return nil, err
	}

	if delErr := r.checkpoints.Delete(ctx, jobID); delErr != nil {
		r.logger.Warn("checkpoint delete on complete failed",
			slog.String("job_id", jobID),
			slog.String("error", delErr.Error()),
		)
	}
	r.publish(ctx, event.TypeJobCompleted, j, nil)
	return j, nil
}

// MarkFailed records the error and transitions the job to failed. The
// checkpoint is kept: a failed job still offers recovery.
func (r *Repository) MarkFailed(ctx context.Context, jobID string, msg string) (*job.Job, error) {
	j, err := r.jobs.SetError(ctx, jobID, msg)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, event.TypeJobFailed, j, nil)
	return j, nil
}

// Heartbeat signals the worker is still alive on the job.
func (r *Repository) Heartbeat(ctx context.Context, jobID string) error {
	return r.jobs.HeartbeatJob(ctx, jobID)
}

// Cancel rejects cancelling a terminal job outright — an error, not a
// silent no-op — even though the transition table tolerates
// completed -> cancelled for audit trails. Cancellation is cooperative:
// the executing worker must observe the state and stop on its own.
func (r *Repository) Cancel(ctx context.Context, jobID string) (*job.Job, error) {
	j, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal(j.State) {
		return nil, &job.InvalidTransitionError{From: j.State, To: job.StateCancelled}
	}

	cancelled, err := r.jobs.CancelJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if delErr := r.checkpoints.Delete(ctx, jobID); delErr != nil {
		r.logger.Warn("checkpoint delete on cancel failed",
			slog.String("job_id", jobID),
			slog.String("error", delErr.Error()),
		)
	}
	r.publish(ctx, event.TypeJobCancelled, cancelled, nil)
	return cancelled, nil
}

// Pause transitions a running job to paused. The worker is expected to
// have checkpointed just before yielding.
func (r *Repository) Pause(ctx context.Context, jobID string) (*job.Job, error) {
	j, err := r.jobs.SetState(ctx, jobID, job.StatePaused)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, event.TypeJobPaused, j, nil)
	return j, nil
}

// Resume is the canonical resume path: a paused job with a checkpoint
// is reset to created so any worker can re-claim it, avoiding a single
// worker monopolizing recovery. The checkpoint stays in place for the
// claiming worker to load. recovery.Handler.ResumeJob is the direct
// paused -> running variant.
func (r *Repository) Resume(ctx context.Context, jobID string) (*job.Job, error) {
	j, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.State != job.StatePaused {
		return nil, &recovery.PreconditionError{JobID: jobID, Reason: fmt.Sprintf("cannot resume from state %q, job must be paused", j.State)}
	}

	cp, err := r.checkpoints.Load(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("repository: load checkpoint: %w", err)
	}
	if cp == nil && !j.HasCheckpoint() {
		return nil, &recovery.PreconditionError{JobID: jobID, Reason: "no checkpoint to resume from"}
	}

	resumed, err := r.jobs.ForceSetState(ctx, jobID, job.StateCreated)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, event.TypeJobResumed, resumed, nil)

	r.logger.Info("job queued for resume",
		slog.String("job_id", jobID),
	)
	return resumed, nil
}

// FindStaleJobs returns active jobs whose heartbeat is older than the
// supervisor threshold (default 35s) — a much tighter window than the
// scheduler's, for callers polling between sweeps.
func (r *Repository) FindStaleJobs(ctx context.Context) ([]*job.Job, error) {
	return r.jobs.FindStaleRunning(ctx, r.staleThreshold)
}

// RecoverJob retries a job after its worker died: with a checkpoint it
// is reset to created for any worker to re-claim; without one it is
// marked permanently failed, since there is nothing to resume from.
func (r *Repository) RecoverJob(ctx context.Context, jobID string) (*job.Job, error) {
	cp, err := r.checkpoints.Load(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("repository: load checkpoint: %w", err)
	}

	if cp == nil {
		failed, forceErr := r.jobs.ForceSetState(ctx, jobID, job.StateFailed)
		if forceErr != nil {
			return nil, forceErr
		}
		failed.Error = "no checkpoint, cannot recover"
		if updErr := r.jobs.UpdateJob(ctx, failed); updErr != nil {
			return nil, updErr
		}
		r.publish(ctx, event.TypeJobFailed, failed, nil)
		return failed, nil
	}

	recovered, err := r.jobs.ForceSetState(ctx, jobID, job.StateCreated)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, event.TypeJobRecovered, recovered, nil)

	r.logger.Info("job queued for recovery",
		slog.String("job_id", jobID),
		slog.Uint64("checkpoint_sequence", cp.Sequence),
	)
	return recovered, nil
}

// Stats aggregates all jobs by state plus average completed duration.
func (r *Repository) Stats(ctx context.Context) (*job.Stats, error) {
	return r.jobs.JobStats(ctx)
}

// UserStats aggregates one user's jobs. Computed from a filtered list;
// fine at the store sizes a 24h job TTL allows.
func (r *Repository) UserStats(ctx context.Context, userID string) (*UserStats, error) {
	jobs, err := r.jobs.ListJobs(ctx, job.ListOpts{UserID: userID})
	if err != nil {
		return nil, err
	}

	stats := &UserStats{
		UserID:  userID,
		ByState: make(map[job.State]int64),
	}
	var totalDur time.Duration
	var completed int64
	for _, j := range jobs {
		stats.Total++
		stats.ByState[j.State]++
		if j.State == job.StateCompleted {
			if d := j.Duration(); d > 0 {
				totalDur += d
				completed++
			}
		}
	}
	if completed > 0 {
		stats.AvgDuration = totalDur / time.Duration(completed)
	}
	return stats, nil
}

// publish forwards a mutation to observers. Best-effort: a degraded
// transport or sequencer never rolls back the mutation.
func (r *Repository) publish(ctx context.Context, name event.Type, j *job.Job, payload json.RawMessage) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, name, j, payload); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("event publish failed",
			slog.String("job_id", j.ID.String()),
			slog.String("event", string(name)),
			slog.String("error", err.Error()),
		)
	}
}
