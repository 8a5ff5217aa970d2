// Package scheduler runs the periodic audit of the job store: deleting
// aged-out terminal jobs, failing hung ones, and flagging soft stalls.
// One Sweeper runs per process; its passes are idempotent, so multiple
// processes sweeping the same store converge rather than conflict.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/omnibrowser/jobcore"
	"github.com/omnibrowser/jobcore/checkpoint"
	"github.com/omnibrowser/jobcore/event"
	"github.com/omnibrowser/jobcore/job"
)

// stalledSuffix annotates the step of a soft-stalled job. A UX signal
// only; no state changes.
const stalledSuffix = " (stalled)"

// cronParser supports standard 5-field cron and descriptors like
// "@every 5m" for the sweep schedule.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Publisher is the slice of the event registry the sweeper needs.
type Publisher interface {
	Publish(ctx context.Context, name event.Type, j *job.Job, payload json.RawMessage) error
}

// Metrics is a point-in-time snapshot of sweep activity.
type Metrics struct {
	CleanupCount  int64               `json:"cleanup_count"`
	RecoveryCount int64               `json:"recovery_count"`
	TimeoutCount  int64               `json:"timeout_count"`
	LastRun       time.Time           `json:"last_run"`
	LastError     string              `json:"last_error,omitempty"`
	JobCounts     map[job.State]int64 `json:"job_counts"`
}

// Sweeper audits the store on a fixed interval. Each tick runs three
// independent passes; a failing pass is logged and never aborts the
// others.
type Sweeper struct {
	jobs        job.Store
	checkpoints *checkpoint.Manager
	publisher   Publisher
	logger      *slog.Logger
	cfg         jobcore.Config

	schedule cronlib.Schedule // nil means fixed interval from cfg
	limiter  *rate.Limiter    // bounds cleanup deletes per second

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	metricsMu sync.Mutex
	metrics   Metrics
}

// Option configures a Sweeper.
type Option func(*Sweeper) error

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) error {
		s.logger = l
		return nil
	}
}

// WithSweepSchedule replaces the fixed interval with a cron expression,
// e.g. "@every 5m" or "*/10 * * * *".
func WithSweepSchedule(expr string) Option {
	return func(s *Sweeper) error {
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return fmt.Errorf("scheduler: parse sweep schedule %q: %w", expr, err)
		}
		s.schedule = sched
		return nil
	}
}

// WithCleanupRateLimit bounds how many terminal jobs the cleanup pass
// deletes per second, keeping a large backlog from saturating the store.
func WithCleanupRateLimit(perSecond float64) Option {
	return func(s *Sweeper) error {
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		return nil
	}
}

// NewSweeper creates a Sweeper from the given config and collaborators.
func NewSweeper(
	jobs job.Store,
	checkpoints *checkpoint.Manager,
	publisher Publisher,
	cfg jobcore.Config,
	opts ...Option,
) (*Sweeper, error) {
	s := &Sweeper{
		jobs:        jobs,
		checkpoints: checkpoints,
		publisher:   publisher,
		logger:      slog.Default(),
		cfg:         cfg,
	}
	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, err
		}
	}
	s.metrics.JobCounts = make(map[job.State]int64)
	return s, nil
}

// Start launches the sweep loop. Idempotent: starting a running sweeper
// is a no-op.
func (s *Sweeper) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.loop(s.stopCh)

	s.logger.Info("sweeper started",
		slog.Duration("interval", s.cfg.SweepInterval),
	)
	return nil
}

// Stop signals the loop to exit and waits for it. Idempotent: stopping
// a stopped sweeper is a no-op.
func (s *Sweeper) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("sweeper stopped")
	return nil
}

// Metrics returns a snapshot of sweep activity.
func (s *Sweeper) Metrics() Metrics {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()

	snap := s.metrics
	snap.JobCounts = make(map[job.State]int64, len(s.metrics.JobCounts))
	for k, v := range s.metrics.JobCounts {
		snap.JobCounts[k] = v
	}
	return snap
}

func (s *Sweeper) loop(stopCh chan struct{}) {
	defer s.wg.Done()

	for {
		var wait time.Duration
		if s.schedule != nil {
			wait = time.Until(s.schedule.Next(time.Now()))
		} else {
			wait = s.cfg.SweepInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
			s.Tick(context.Background())
		}
	}
}

// Tick runs one audit: cleanup, hang recovery, and soft-stall flagging.
// Exported so supervisors can force a sweep outside the timer.
func (s *Sweeper) Tick(ctx context.Context) {
	var lastErr string

	for _, pass := range []struct {
		name string
		fn   func(context.Context) error
	}{
		{"cleanup", s.cleanupStaleJobs},
		{"recovery", s.recoverHungJobs},
		{"timeouts", s.checkJobTimeouts},
	} {
		if err := s.runPass(ctx, pass.name, pass.fn); err != nil {
			lastErr = fmt.Sprintf("%s: %v", pass.name, err)
		}
	}

	counts := map[job.State]int64{}
	if stats, err := s.jobs.JobStats(ctx); err == nil {
		counts = stats.ByState
	} else {
		s.logger.Warn("sweep stats error", slog.String("error", err.Error()))
	}

	s.metricsMu.Lock()
	s.metrics.LastRun = time.Now().UTC()
	s.metrics.LastError = lastErr
	s.metrics.JobCounts = counts
	s.metricsMu.Unlock()
}

// runPass isolates a pass: a panic or error is logged and reported, and
// the remaining passes still run.
func (s *Sweeper) runPass(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pass panicked: %v", r)
		}
		if err != nil {
			s.logger.Error("sweep pass failed",
				slog.String("pass", name),
				slog.String("error", err.Error()),
			)
		}
	}()
	return fn(ctx)
}

// cleanupStaleJobs archives and deletes terminal jobs whose last
// activity is older than the retention age.
func (s *Sweeper) cleanupStaleJobs(ctx context.Context) error {
	all, err := s.jobs.ListJobs(ctx, job.ListOpts{})
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-s.cfg.StaleJobMaxAge)
	var cleaned int64
	for _, j := range all {
		if !job.IsTerminal(j.State) || !j.LastActivity.Before(cutoff) {
			continue
		}
		if s.limiter != nil {
			if waitErr := s.limiter.Wait(ctx); waitErr != nil {
				return waitErr
			}
		}

		jobID := j.ID.String()

		// Preserve forensics before the record goes.
		if cp, loadErr := s.checkpoints.Load(ctx, jobID); loadErr == nil && cp != nil {
			if archErr := s.checkpoints.Archive(ctx, cp); archErr != nil {
				s.logger.Warn("cleanup archive failed",
					slog.String("job_id", jobID),
					slog.String("error", archErr.Error()),
				)
			}
			if delErr := s.checkpoints.Delete(ctx, jobID); delErr != nil {
				s.logger.Warn("cleanup checkpoint delete failed",
					slog.String("job_id", jobID),
					slog.String("error", delErr.Error()),
				)
			}
		}

		if delErr := s.jobs.DeleteJob(ctx, jobID); delErr != nil {
			// Another sweeper got there first.
			if errors.Is(delErr, jobcore.ErrJobNotFound) {
				continue
			}
			s.logger.Error("cleanup delete failed",
				slog.String("job_id", jobID),
				slog.String("error", delErr.Error()),
			)
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		s.logger.Info("cleaned up stale jobs", slog.Int64("count", cleaned))
	}
	s.metricsMu.Lock()
	s.metrics.CleanupCount += cleaned
	s.metricsMu.Unlock()
	return nil
}

// recoverHungJobs force-fails active jobs whose worker stopped
// heartbeating. Never retried automatically: a human or client must
// restart.
func (s *Sweeper) recoverHungJobs(ctx context.Context) error {
	stale, err := s.jobs.FindStaleRunning(ctx, s.cfg.ActiveJobTimeout)
	if err != nil {
		return err
	}

	mins := int(s.cfg.ActiveJobTimeout.Minutes())
	var recovered int64
	for _, j := range stale {
		jobID := j.ID.String()

		failed, forceErr := s.jobs.ForceSetState(ctx, jobID, job.StateFailed)
		if forceErr != nil {
			if errors.Is(forceErr, jobcore.ErrJobNotFound) {
				continue
			}
			s.logger.Error("hung job force-fail failed",
				slog.String("job_id", jobID),
				slog.String("error", forceErr.Error()),
			)
			continue
		}

		failed.Error = fmt.Sprintf("Job hung: no activity for %d minutes", mins)
		if updErr := s.jobs.UpdateJob(ctx, failed); updErr != nil {
			s.logger.Error("hung job error update failed",
				slog.String("job_id", jobID),
				slog.String("error", updErr.Error()),
			)
			continue
		}

		if pubErr := s.publisher.Publish(ctx, event.TypeJobFailed, failed, nil); pubErr != nil {
			s.logger.Warn("hung job event publish failed",
				slog.String("job_id", jobID),
				slog.String("error", pubErr.Error()),
			)
		}

		s.logger.Warn("recovered hung job",
			slog.String("job_id", jobID),
			slog.Time("last_activity", j.LastActivity),
		)
		recovered++
	}

	s.metricsMu.Lock()
	s.metrics.RecoveryCount += recovered
	s.metricsMu.Unlock()
	return nil
}

// checkJobTimeouts annotates active jobs idle past the soft threshold.
// No state change and no LastActivity bump: the annotation must not
// reset the clock it reports on.
func (s *Sweeper) checkJobTimeouts(ctx context.Context) error {
	all, err := s.jobs.ListJobs(ctx, job.ListOpts{})
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-s.cfg.SoftStallThreshold)
	var flagged int64
	for _, j := range all {
		if !job.IsActive(j.State) || !j.LastActivity.Before(cutoff) {
			continue
		}
		if strings.HasSuffix(j.Step, stalledSuffix) {
			continue
		}

		j.Step += stalledSuffix
		if updErr := s.jobs.UpdateJob(ctx, j); updErr != nil {
			if errors.Is(updErr, jobcore.ErrJobNotFound) {
				continue
			}
			s.logger.Error("stall annotation failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", updErr.Error()),
			)
			continue
		}
		flagged++
	}

	s.metricsMu.Lock()
	s.metrics.TimeoutCount += flagged
	s.metricsMu.Unlock()
	return nil
}
