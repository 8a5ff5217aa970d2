// Package memory provides a fully in-memory implementation of
// store.Store. Safe for concurrent access. Intended for unit testing,
// development, and deployments that accept losing state on restart.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/omnibrowser/jobcore"
	"github.com/omnibrowser/jobcore/checkpoint"
	"github.com/omnibrowser/jobcore/event"
	"github.com/omnibrowser/jobcore/job"
)

// Compile-time interface checks. The composite store.Store cannot be
// referenced here without an import cycle, so each subsystem is checked.
var (
	_ job.Store        = (*Store)(nil)
	_ checkpoint.Store = (*Store)(nil)
	_ event.Sequencer  = (*Store)(nil)
)

// ckptEntry pairs a checkpoint with its lazy expiry deadline.
type ckptEntry struct {
	cp        *checkpoint.Checkpoint
	expiresAt time.Time
}

// Store is a volatile in-process implementation of the full backend
// contract.
type Store struct {
	mu sync.RWMutex

	jobs        map[string]*job.Job
	checkpoints map[string]ckptEntry // key: jobID
	archives    map[string]ckptEntry // key: jobID:sequence
	seqs        map[string]uint64    // key: jobID
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:        make(map[string]*job.Job),
		checkpoints: make(map[string]ckptEntry),
		archives:    make(map[string]ckptEntry),
		seqs:        make(map[string]uint64),
	}
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job store
// ──────────────────────────────────────────────────

// CreateJob persists a new job.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return jobcore.ErrJobAlreadyExists
	}
	m.jobs[key] = j.Clone()
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, jobcore.ErrJobNotFound
	}
	return j.Clone(), nil
}

// UpdateJob persists changes to an existing job. LastActivity is left as
// the caller set it; only heartbeats and progress updates advance it.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return jobcore.ErrJobNotFound
	}
	cp := j.Clone()
	cp.Touch()
	m.jobs[key] = cp
	return nil
}

// DeleteJob removes a job by ID.
func (m *Store) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return jobcore.ErrJobNotFound
	}
	delete(m.jobs, jobID)
	return nil
}

// ListJobs returns jobs matching the given options, oldest first.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if opts.UserID != "" && j.UserID != opts.UserID {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		result = append(result, j.Clone())
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// SetProgress records progress for a running job.
func (m *Store) SetProgress(_ context.Context, jobID string, progress int, step string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, jobcore.ErrJobNotFound
	}
	if j.State != job.StateRunning {
		return nil, fmt.Errorf("jobcore/memory: progress for %s job %s: %w",
			j.State, jobID, jobcore.ErrInvalidTransition)
	}
	if progress < 0 || progress > 99 {
		return nil, fmt.Errorf("jobcore/memory: progress %d for job %s: %w",
			progress, jobID, jobcore.ErrProgressOutOfRange)
	}
	if progress < j.Progress {
		return nil, fmt.Errorf("jobcore/memory: progress %d < %d for job %s: %w",
			progress, j.Progress, jobID, jobcore.ErrProgressRegression)
	}

	j.Progress = progress
	j.Step = step
	j.TouchActivity()
	j.Touch()
	return j.Clone(), nil
}

// SetState moves the job to a new state, enforcing the legality table.
func (m *Store) SetState(_ context.Context, jobID string, to job.State) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, jobcore.ErrJobNotFound
	}

	next, err := job.Transition(j, to)
	if err != nil {
		return nil, err
	}
	m.jobs[jobID] = next
	return next.Clone(), nil
}

// ForceSetState moves the job to a new state bypassing the legality
// table. Privileged; see job.Store.
func (m *Store) ForceSetState(_ context.Context, jobID string, to job.State) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, jobcore.ErrJobNotFound
	}

	next := job.Force(j, to)
	m.jobs[jobID] = next
	return next.Clone(), nil
}

// SetCheckpointData attaches inline checkpoint data to the job record.
func (m *Store) SetCheckpointData(_ context.Context, jobID string, data json.RawMessage) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, jobcore.ErrJobNotFound
	}
	j.CheckpointData = append(json.RawMessage(nil), data...)
	j.TouchActivity()
	j.Touch()
	return j.Clone(), nil
}

// ClearCheckpointData discards inline checkpoint data.
func (m *Store) ClearCheckpointData(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return jobcore.ErrJobNotFound
	}
	j.CheckpointData = nil
	j.Touch()
	return nil
}

// SetError transitions the job to failed and records the message.
func (m *Store) SetError(_ context.Context, jobID string, msg string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, jobcore.ErrJobNotFound
	}

	next, err := job.Transition(j, job.StateFailed)
	if err != nil {
		return nil, err
	}
	next.Error = msg
	m.jobs[jobID] = next
	return next.Clone(), nil
}

// SetResult transitions the job to completed and records the result.
func (m *Store) SetResult(_ context.Context, jobID string, result json.RawMessage) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, jobcore.ErrJobNotFound
	}

	next, err := job.Transition(j, job.StateCompleted)
	if err != nil {
		return nil, err
	}
	next.Result = append(json.RawMessage(nil), result...)
	next.Progress = 100
	next.CheckpointData = nil
	m.jobs[jobID] = next
	return next.Clone(), nil
}

// CancelJob transitions the job to cancelled and clears inline
// checkpoint data: restart is from scratch, so the recovery copy goes.
func (m *Store) CancelJob(_ context.Context, jobID string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, jobcore.ErrJobNotFound
	}

	next, err := job.Transition(j, job.StateCancelled)
	if err != nil {
		return nil, err
	}
	next.CheckpointData = nil
	m.jobs[jobID] = next
	return next.Clone(), nil
}

// HeartbeatJob refreshes LastActivity.
func (m *Store) HeartbeatJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return jobcore.ErrJobNotFound
	}
	j.TouchActivity()
	j.Touch()
	return nil
}

// FindStaleRunning returns active jobs whose LastActivity is older than
// the threshold.
func (m *Store) FindStaleRunning(_ context.Context, threshold time.Duration) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var stale []*job.Job
	for _, j := range m.jobs {
		if !job.IsActive(j.State) {
			continue
		}
		if j.LastActivity.Before(cutoff) {
			stale = append(stale, j.Clone())
		}
	}
	return stale, nil
}

// JobStats aggregates counts by state and average completed duration.
func (m *Store) JobStats(_ context.Context) (*job.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &job.Stats{ByState: make(map[job.State]int64)}
	var totalDur time.Duration
	var completed int64

	for _, j := range m.jobs {
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

// ──────────────────────────────────────────────────
// Checkpoint store
// ──────────────────────────────────────────────────

// archiveKey builds the composite map key for an archived checkpoint.
func archiveKey(jobID string, seq uint64) string {
	return jobID + ":" + strconv.FormatUint(seq, 10)
}

// SaveCheckpoint upserts the current checkpoint for its job.
func (m *Store) SaveCheckpoint(_ context.Context, cp *checkpoint.Checkpoint, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *cp
	m.checkpoints[cp.JobID] = ckptEntry{
		cp:        &c,
		expiresAt: time.Now().UTC().Add(ttl),
	}
	return nil
}

// LoadCheckpoint returns the current checkpoint, or nil if absent or
// expired. Expiry is lazy: the entry is dropped on first read past its
// deadline.
func (m *Store) LoadCheckpoint(_ context.Context, jobID string) (*checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.checkpoints[jobID]
	if !ok {
		return nil, nil
	}
	if time.Now().UTC().After(e.expiresAt) {
		delete(m.checkpoints, jobID)
		return nil, nil
	}
	c := *e.cp
	return &c, nil
}

// DeleteCheckpoint removes the current checkpoint. Absent is a no-op.
func (m *Store) DeleteCheckpoint(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.checkpoints, jobID)
	return nil
}

// ArchiveCheckpoint writes an immutable copy keyed by (jobID, sequence).
func (m *Store) ArchiveCheckpoint(_ context.Context, cp *checkpoint.Checkpoint, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *cp
	m.archives[archiveKey(cp.JobID, cp.Sequence)] = ckptEntry{
		cp:        &c,
		expiresAt: time.Now().UTC().Add(ttl),
	}
	return nil
}

// ListCheckpoints enumerates all unexpired current checkpoints.
func (m *Store) ListCheckpoints(_ context.Context) ([]*checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	result := make([]*checkpoint.Checkpoint, 0, len(m.checkpoints))
	for key, e := range m.checkpoints {
		if now.After(e.expiresAt) {
			delete(m.checkpoints, key)
			continue
		}
		c := *e.cp
		result = append(result, &c)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].Timestamp.Before(result[k].Timestamp)
	})
	return result, nil
}

// ──────────────────────────────────────────────────
// Event sequencer
// ──────────────────────────────────────────────────

// NextSequence atomically increments and returns the counter for a job.
func (m *Store) NextSequence(_ context.Context, jobID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seqs[jobID]++
	return m.seqs[jobID], nil
}

// LastSequence returns the most recently issued sequence, or zero.
func (m *Store) LastSequence(_ context.Context, jobID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.seqs[jobID], nil
}
