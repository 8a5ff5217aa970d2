package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/omnibrowser/jobcore/checkpoint"
)

// SaveCheckpoint upserts the current checkpoint as a msgpack blob with
// the given TTL and records the job ID in the enumeration set.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint, ttl time.Duration) error {
	data, err := msgpack.Marshal(cp)
	if err != nil {
		return fmt.Errorf("jobcore/redis: marshal checkpoint: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, checkpointKey(cp.JobID), data, ttl)
	pipe.SAdd(ctx, checkpointIDsKey, cp.JobID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobcore/redis: save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the current checkpoint, or nil if the key is
// absent or its TTL expired.
func (s *Store) LoadCheckpoint(ctx context.Context, jobID string) (*checkpoint.Checkpoint, error) {
	data, err := s.client.Get(ctx, checkpointKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobcore/redis: load checkpoint: %w", err)
	}

	var cp checkpoint.Checkpoint
	if err := msgpack.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("jobcore/redis: unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// DeleteCheckpoint removes the current checkpoint. Absent is a no-op.
func (s *Store) DeleteCheckpoint(ctx context.Context, jobID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, checkpointKey(jobID))
	pipe.SRem(ctx, checkpointIDsKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobcore/redis: delete checkpoint: %w", err)
	}
	return nil
}

// ArchiveCheckpoint writes an immutable copy keyed by (jobID, sequence).
// Archives are never enumerated, only fetched for forensics, so they
// live outside the enumeration set and expire silently.
func (s *Store) ArchiveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint, ttl time.Duration) error {
	data, err := msgpack.Marshal(cp)
	if err != nil {
		return fmt.Errorf("jobcore/redis: marshal archive: %w", err)
	}

	if err := s.client.Set(ctx, archiveKey(cp.JobID, cp.Sequence), data, ttl).Err(); err != nil {
		return fmt.Errorf("jobcore/redis: archive checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints enumerates all current checkpoints. Expired keys leave
// stale set members behind; they are skipped and pruned here.
func (s *Store) ListCheckpoints(ctx context.Context) ([]*checkpoint.Checkpoint, error) {
	ids, err := s.client.SMembers(ctx, checkpointIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("jobcore/redis: list checkpoints smembers: %w", err)
	}

	result := make([]*checkpoint.Checkpoint, 0, len(ids))
	for _, jID := range ids {
		cp, loadErr := s.LoadCheckpoint(ctx, jID)
		if loadErr != nil {
			return nil, loadErr
		}
		if cp == nil {
			// TTL expired since the last save; prune the member.
			s.client.SRem(ctx, checkpointIDsKey, jID)
			continue
		}
		result = append(result, cp)
	}
	return result, nil
}
