package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// NextSequence atomically increments and returns the per-job event
// counter. INCR on a fresh key yields 1, so sequences start at 1.
func (s *Store) NextSequence(ctx context.Context, jobID string) (uint64, error) {
	n, err := s.client.Incr(ctx, seqKey(jobID)).Result()
	if err != nil {
		return 0, fmt.Errorf("jobcore/redis: next sequence: %w", err)
	}
	return uint64(n), nil
}

// LastSequence returns the most recently issued sequence, or zero if the
// counter was never incremented.
func (s *Store) LastSequence(ctx context.Context, jobID string) (uint64, error) {
	n, err := s.client.Get(ctx, seqKey(jobID)).Uint64()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("jobcore/redis: last sequence: %w", err)
	}
	return n, nil
}
