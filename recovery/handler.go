// Package recovery orchestrates resume-from-checkpoint and
// restart-from-scratch for jobs whose execution stopped, validates
// checkpoint integrity, and estimates recovery cost.
//
// Its errors are precondition errors — recovery-specific business rules —
// deliberately distinct from the state machine's transition errors.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/omnibrowser/jobcore"
	"github.com/omnibrowser/jobcore/checkpoint"
	"github.com/omnibrowser/jobcore/event"
	"github.com/omnibrowser/jobcore/job"
)

// sizeWarnBytes is the checkpoint size above which validation warns.
const sizeWarnBytes = 10 << 20

// PreconditionError reports a violated recovery business rule, e.g.
// resuming without a checkpoint. It satisfies
// errors.Is(err, jobcore.ErrRecoveryPrecondition).
type PreconditionError struct {
	JobID  string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("jobcore: recovery precondition for job %s: %s", e.JobID, e.Reason)
}

// Is makes the error match the package-level sentinel.
func (e *PreconditionError) Is(target error) bool {
	return target == jobcore.ErrRecoveryPrecondition
}

// Publisher is the slice of the event registry the handler needs.
type Publisher interface {
	Publish(ctx context.Context, name event.Type, j *job.Job, payload json.RawMessage) error
}

// Meta describes how a recovery was performed.
type Meta struct {
	ResumedFrom      string        `json:"resumed_from,omitempty"`
	RecoveryTime     time.Duration `json:"recovery_time"`
	PreviousAttempts int           `json:"previous_attempts"`
}

// Result pairs the recovered job with recovery metadata.
type Result struct {
	Job  *job.Job `json:"job"`
	Meta Meta     `json:"recovery"`
}

// Modifications optionally adjust a job on restart.
type Modifications struct {
	// Query replaces the job's query when non-empty.
	Query string
}

// Options reports what recovery paths are available for a job.
type Options struct {
	CanResume             bool          `json:"can_resume"`
	CanRestart            bool          `json:"can_restart"`
	HasCheckpoint         bool          `json:"has_checkpoint"`
	EstimatedRecoveryTime time.Duration `json:"estimated_recovery_time"`
}

// Validation is the outcome of a checkpoint integrity check. Never
// returned as an error: warnings are data for the caller to weigh.
type Validation struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Handler orchestrates recovery on top of the job store and checkpoint
// manager. It is one of the few sanctioned callers of ForceSetState.
type Handler struct {
	jobs        job.Store
	checkpoints *checkpoint.Manager
	publisher   Publisher
	logger      *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a recovery Handler.
func NewHandler(jobs job.Store, checkpoints *checkpoint.Manager, publisher Publisher, opts ...HandlerOption) *Handler {
	h := &Handler{
		jobs:        jobs,
		checkpoints: checkpoints,
		publisher:   publisher,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ResumeJob forces a paused job with a checkpoint directly back to
// running, restoring the checkpoint's step and progress in place. The
// checkpoint is consumed on success.
//
// This is the direct-resume variant. repository.Repository.Resume —
// reset to created so any worker can re-claim the job — is the canonical
// path for new callers; this one remains for clients that pin recovery
// to the requesting worker.
func (h *Handler) ResumeJob(ctx context.Context, jobID string) (*Result, error) {
	start := time.Now()

	j, err := h.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.State != job.StatePaused {
		return nil, &PreconditionError{JobID: jobID, Reason: fmt.Sprintf("cannot resume from state %q, job must be paused", j.State)}
	}

	cp, err := h.checkpoints.Load(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("recovery: load checkpoint: %w", err)
	}
	if cp == nil {
		return nil, &PreconditionError{JobID: jobID, Reason: "no checkpoint to resume from"}
	}

	resumed, err := h.jobs.ForceSetState(ctx, jobID, job.StateRunning)
	if err != nil {
		return nil, err
	}

	resumed.Step = cp.Step
	resumed.Progress = cp.Progress
	if err := h.jobs.UpdateJob(ctx, resumed); err != nil {
		return nil, fmt.Errorf("recovery: merge checkpoint fields: %w", err)
	}

	if delErr := h.checkpoints.Delete(ctx, jobID); delErr != nil {
		h.logger.Warn("checkpoint delete after resume failed",
			slog.String("job_id", jobID),
			slog.String("error", delErr.Error()),
		)
	}

	if pubErr := h.publisher.Publish(ctx, event.TypeJobResumed, resumed, nil); pubErr != nil {
		h.logger.Warn("resume event publish failed",
			slog.String("job_id", jobID),
			slog.String("error", pubErr.Error()),
		)
	}

	h.logger.Info("job resumed from checkpoint",
		slog.String("job_id", jobID),
		slog.String("step", cp.Step),
		slog.Int("progress", cp.Progress),
	)

	return &Result{
		Job: resumed,
		Meta: Meta{
			ResumedFrom:      cp.Step,
			RecoveryTime:     time.Since(start),
			PreviousAttempts: resumed.Attempts,
		},
	}, nil
}

// RestartJob resubmits a failed or cancelled job from scratch: state is
// forced back to created, error/result cleared, progress zeroed. This is
// a resubmission, not a state-machine transition — it bypasses the
// legality table by design.
func (h *Handler) RestartJob(ctx context.Context, jobID string, mods *Modifications) (*Result, error) {
	start := time.Now()

	j, err := h.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.State != job.StateFailed && j.State != job.StateCancelled {
		return nil, &PreconditionError{JobID: jobID, Reason: fmt.Sprintf("cannot restart from state %q, job must be failed or cancelled", j.State)}
	}

	restarted, err := h.jobs.ForceSetState(ctx, jobID, job.StateCreated)
	if err != nil {
		return nil, err
	}

	restarted.Error = ""
	restarted.Result = nil
	restarted.Progress = 0
	restarted.Step = "restarted"
	restarted.Attempts++
	if mods != nil && mods.Query != "" {
		restarted.Query = mods.Query
	}
	if err := h.jobs.UpdateJob(ctx, restarted); err != nil {
		return nil, fmt.Errorf("recovery: reset job fields: %w", err)
	}

	if pubErr := h.publisher.Publish(ctx, event.TypeJobRecovered, restarted, nil); pubErr != nil {
		h.logger.Warn("restart event publish failed",
			slog.String("job_id", jobID),
			slog.String("error", pubErr.Error()),
		)
	}

	h.logger.Info("job restarted from scratch",
		slog.String("job_id", jobID),
		slog.Int("attempts", restarted.Attempts),
	)

	return &Result{
		Job: restarted,
		Meta: Meta{
			RecoveryTime:     time.Since(start),
			PreviousAttempts: restarted.Attempts,
		},
	}, nil
}

// ClearCheckpoint discards a job's recovery option irreversibly: the
// current checkpoint and the job's inline copy both go. Archives remain.
func (h *Handler) ClearCheckpoint(ctx context.Context, jobID string) error {
	if err := h.checkpoints.Delete(ctx, jobID); err != nil {
		return fmt.Errorf("recovery: delete checkpoint: %w", err)
	}
	if err := h.jobs.ClearCheckpointData(ctx, jobID); err != nil && !errors.Is(err, jobcore.ErrJobNotFound) {
		return err
	}
	return nil
}

// RecoveryOptions reports which recovery paths are open for a job and
// the estimated cost of taking one.
func (h *Handler) RecoveryOptions(ctx context.Context, jobID string) (*Options, error) {
	j, err := h.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	cp, err := h.checkpoints.Load(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("recovery: load checkpoint: %w", err)
	}

	opts := &Options{
		HasCheckpoint: cp != nil,
		CanResume:     j.State == job.StatePaused && cp != nil,
		CanRestart:    j.State == job.StateFailed || j.State == job.StateCancelled,
	}
	if cp != nil {
		opts.EstimatedRecoveryTime = estimateRecoveryTime(cp.Size())
	} else {
		opts.EstimatedRecoveryTime = minRecoveryTime
	}
	return opts, nil
}

// ValidateCheckpoint runs structural checks on a job's checkpoint.
// Problems are returned as data, never thrown: warnings are advisory
// (oversized blob, state mismatch), errors mean the checkpoint is
// unusable.
func (h *Handler) ValidateCheckpoint(ctx context.Context, jobID string) (*Validation, error) {
	j, err := h.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	cp, err := h.checkpoints.Load(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("recovery: load checkpoint: %w", err)
	}

	v := &Validation{Valid: true}
	if cp == nil {
		v.Valid = false
		v.Errors = append(v.Errors, "no checkpoint found")
		return v, nil
	}

	if cp.JobID != jobID {
		v.Valid = false
		v.Errors = append(v.Errors, fmt.Sprintf("checkpoint belongs to job %q", cp.JobID))
	}
	if size := cp.Size(); size > sizeWarnBytes {
		v.Warnings = append(v.Warnings, fmt.Sprintf("checkpoint is %d bytes, resume may be slow", size))
	}
	if j.State != job.StatePaused && j.State != job.StateFailed && j.State != job.StateCancelled {
		v.Warnings = append(v.Warnings, fmt.Sprintf("job state %q does not normally offer recovery", j.State))
	}
	if cp.Progress < 0 || cp.Progress > 100 {
		v.Valid = false
		v.Errors = append(v.Errors, fmt.Sprintf("checkpoint progress %d out of range", cp.Progress))
	}
	return v, nil
}

// minRecoveryTime floors the estimate: even a tiny checkpoint costs a
// worker claim and a state round-trip.
const minRecoveryTime = 5 * time.Second

// estimateRecoveryTime charges 100ms per KiB of checkpoint, floored at
// minRecoveryTime.
func estimateRecoveryTime(sizeBytes int) time.Duration {
	kib := (sizeBytes + 1023) / 1024
	est := time.Duration(kib) * 100 * time.Millisecond
	if est < minRecoveryTime {
		return minRecoveryTime
	}
	return est
}
