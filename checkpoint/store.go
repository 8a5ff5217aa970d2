package checkpoint

import (
	"context"
	"time"
)

// Store defines the persistence contract for checkpoints. Implementations
// honor the TTLs passed by the Manager; the memory store expires lazily,
// the Redis store delegates to per-key TTLs.
type Store interface {
	// SaveCheckpoint upserts the current checkpoint for its job.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint, ttl time.Duration) error

	// LoadCheckpoint returns the current checkpoint for a job, or
	// (nil, nil) if absent or expired.
	LoadCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error)

	// DeleteCheckpoint removes the current checkpoint for a job.
	// Deleting an absent checkpoint is a no-op.
	DeleteCheckpoint(ctx context.Context, jobID string) error

	// ArchiveCheckpoint writes an immutable copy keyed by
	// (jobID, sequence).
	ArchiveCheckpoint(ctx context.Context, cp *Checkpoint, ttl time.Duration) error

	// ListCheckpoints enumerates all current checkpoints. A full scan:
	// acceptable at prototype scale, needs a per-user index beyond a few
	// thousand entries.
	ListCheckpoints(ctx context.Context) ([]*Checkpoint, error)
}
