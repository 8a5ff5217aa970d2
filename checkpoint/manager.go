package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Manager applies TTL policy and sequencing on top of a Store.
type Manager struct {
	store  Store
	logger *slog.Logger

	checkpointTTL time.Duration
	archiveTTL    time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithCheckpointTTL overrides the TTL for current checkpoint copies.
func WithCheckpointTTL(d time.Duration) Option {
	return func(m *Manager) { m.checkpointTTL = d }
}

// WithArchiveTTL overrides the TTL for archived copies.
func WithArchiveTTL(d time.Duration) Option {
	return func(m *Manager) { m.archiveTTL = d }
}

// NewManager creates a Manager with the default TTL policy: 7 days for
// the current copy, 30 days for archives.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		logger:        slog.Default(),
		checkpointTTL: 7 * 24 * time.Hour,
		archiveTTL:    30 * 24 * time.Hour,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Save upserts the checkpoint as the current copy for its job, assigning
// the next sequence number, and archives an immutable copy. Archive
// failures are logged and swallowed so they never block the primary save.
func (m *Manager) Save(ctx context.Context, cp *Checkpoint) (*Checkpoint, error) {
	if cp.JobID == "" {
		return nil, fmt.Errorf("checkpoint: save: empty job id")
	}

	prev, err := m.store.LoadCheckpoint(ctx, cp.JobID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load previous: %w", err)
	}

	saved := *cp
	saved.Sequence = 1
	if prev != nil {
		saved.Sequence = prev.Sequence + 1
	}
	if saved.Timestamp.IsZero() {
		saved.Timestamp = time.Now().UTC()
	}

	if err := m.store.SaveCheckpoint(ctx, &saved, m.checkpointTTL); err != nil {
		return nil, fmt.Errorf("checkpoint: save: %w", err)
	}

	if archErr := m.store.ArchiveCheckpoint(ctx, &saved, m.archiveTTL); archErr != nil {
		m.logger.Warn("checkpoint archive failed",
			slog.String("job_id", saved.JobID),
			slog.Uint64("sequence", saved.Sequence),
			slog.String("error", archErr.Error()),
		)
	}

	return &saved, nil
}

// Archive writes an immutable copy of the checkpoint under the archive
// TTL without touching the current copy. Used by the cleanup sweep to
// preserve forensics before a job record is deleted.
func (m *Manager) Archive(ctx context.Context, cp *Checkpoint) error {
	if err := m.store.ArchiveCheckpoint(ctx, cp, m.archiveTTL); err != nil {
		return fmt.Errorf("checkpoint: archive: %w", err)
	}
	return nil
}

// Load returns the current checkpoint for a job, or nil if absent or
// expired.
func (m *Manager) Load(ctx context.Context, jobID string) (*Checkpoint, error) {
	return m.store.LoadCheckpoint(ctx, jobID)
}

// Delete removes the current checkpoint. Called after a successful
// resume or on cancel. Archives are untouched.
func (m *Manager) Delete(ctx context.Context, jobID string) error {
	return m.store.DeleteCheckpoint(ctx, jobID)
}

// ResumableJobs enumerates all current checkpoints and returns those
// owned by the given user. O(n) over checkpoint keys.
func (m *Manager) ResumableJobs(ctx context.Context, userID string) ([]*Checkpoint, error) {
	all, err := m.store.ListCheckpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}

	var owned []*Checkpoint
	for _, cp := range all {
		if cp.UserID == userID {
			owned = append(owned, cp)
		}
	}
	return owned, nil
}
