package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/omnibrowser/jobcore"
	"github.com/omnibrowser/jobcore/id"
	"github.com/omnibrowser/jobcore/job"
)

// CreateJob stores the job as a Hash with the configured TTL and adds it
// to the enumeration set.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("jobcore/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return jobcore.ErrJobAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.Expire(ctx, key, s.jobTTL)
	pipe.SAdd(ctx, jobIDsKey, jID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobcore/redis: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID))
}

// UpdateJob persists changes to an existing job and refreshes the
// record's TTL.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	key := jobKey(j.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("jobcore/redis: update exists: %w", err)
	}
	if exists == 0 {
		return jobcore.ErrJobNotFound
	}

	cp := j.Clone()
	cp.Touch()
	return s.writeJob(ctx, cp)
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	key := jobKey(jobID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("jobcore/redis: delete exists: %w", err)
	}
	if exists == 0 {
		return jobcore.ErrJobNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.Del(ctx, seqKey(jobID))
	pipe.SRem(ctx, jobIDsKey, jobID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobcore/redis: delete job: %w", err)
	}
	return nil
}

// ListJobs returns jobs matching the given options, oldest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("jobcore/redis: list smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // expired record, stale set member
		}
		if opts.UserID != "" && j.UserID != opts.UserID {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		jobs = append(jobs, j)
	}

	sortJobsByCreatedAt(jobs)

	if opts.Limit > 0 && len(jobs) > opts.Limit {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// SetProgress records progress for a running job.
func (s *Store) SetProgress(ctx context.Context, jobID string, progress int, step string) (*job.Job, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.State != job.StateRunning {
		return nil, fmt.Errorf("jobcore/redis: progress for %s job %s: %w",
			j.State, jobID, jobcore.ErrInvalidTransition)
	}
	if progress < 0 || progress > 99 {
		return nil, fmt.Errorf("jobcore/redis: progress %d for job %s: %w",
			progress, jobID, jobcore.ErrProgressOutOfRange)
	}
	if progress < j.Progress {
		return nil, fmt.Errorf("jobcore/redis: progress %d < %d for job %s: %w",
			progress, j.Progress, jobID, jobcore.ErrProgressRegression)
	}

	j.Progress = progress
	j.Step = step
	j.TouchActivity()
	j.Touch()
	if err := s.writeJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// SetState moves the job to a new state, enforcing the legality table.
func (s *Store) SetState(ctx context.Context, jobID string, to job.State) (*job.Job, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	next, err := job.Transition(j, to)
	if err != nil {
		return nil, err
	}
	if err := s.writeJob(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// ForceSetState moves the job to a new state bypassing the legality
// table. Privileged; see job.Store.
func (s *Store) ForceSetState(ctx context.Context, jobID string, to job.State) (*job.Job, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	next := job.Force(j, to)
	if err := s.writeJob(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// SetCheckpointData attaches inline checkpoint data to the job record.
func (s *Store) SetCheckpointData(ctx context.Context, jobID string, data json.RawMessage) (*job.Job, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	j.CheckpointData = data
	j.TouchActivity()
	j.Touch()
	if err := s.writeJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// ClearCheckpointData discards inline checkpoint data.
func (s *Store) ClearCheckpointData(ctx context.Context, jobID string) error {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	j.CheckpointData = nil
	j.Touch()
	return s.writeJob(ctx, j)
}

// SetError transitions the job to failed and records the message.
func (s *Store) SetError(ctx context.Context, jobID string, msg string) (*job.Job, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	next, err := job.Transition(j, job.StateFailed)
	if err != nil {
		return nil, err
	}
	next.Error = msg
	if err := s.writeJob(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// SetResult transitions the job to completed and records the result.
func (s *Store) SetResult(ctx context.Context, jobID string, result json.RawMessage) (*job.Job, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	next, err := job.Transition(j, job.StateCompleted)
	if err != nil {
		return nil, err
	}
	next.Result = result
	next.Progress = 100
	next.CheckpointData = nil
	if err := s.writeJob(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// CancelJob transitions the job to cancelled and clears inline
// checkpoint data.
func (s *Store) CancelJob(ctx context.Context, jobID string) (*job.Job, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	next, err := job.Transition(j, job.StateCancelled)
	if err != nil {
		return nil, err
	}
	next.CheckpointData = nil
	if err := s.writeJob(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// HeartbeatJob refreshes LastActivity.
func (s *Store) HeartbeatJob(ctx context.Context, jobID string) error {
	key := jobKey(jobID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("jobcore/redis: heartbeat exists: %w", err)
	}
	if exists == 0 {
		return jobcore.ErrJobNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "last_activity", now, "updated_at", now)
	pipe.Expire(ctx, key, s.jobTTL)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobcore/redis: heartbeat job: %w", err)
	}
	return nil
}

// FindStaleRunning returns active jobs whose LastActivity is older than
// the threshold.
func (s *Store) FindStaleRunning(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("jobcore/redis: stale smembers: %w", err)
	}

	cutoff := time.Now().UTC().Add(-threshold)
	var stale []*job.Job
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if !job.IsActive(j.State) {
			continue
		}
		if j.LastActivity.Before(cutoff) {
			stale = append(stale, j)
		}
	}
	return stale, nil
}

// JobStats aggregates counts by state and average completed duration.
func (s *Store) JobStats(ctx context.Context) (*job.Stats, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("jobcore/redis: stats smembers: %w", err)
	}

	stats := &job.Stats{ByState: make(map[job.State]int64)}
	var totalDur time.Duration
	var completed int64

	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
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

// ── helpers ──

// writeJob persists the full record and refreshes its TTL. Fields that
// went empty must be removed from the hash, not merely skipped.
func (s *Store) writeJob(ctx context.Context, j *job.Job) error {
	key := jobKey(j.ID.String())
	fields := jobToMap(j)

	var gone []string
	for _, f := range optionalFields {
		if _, ok := fields[f]; !ok {
			gone = append(gone, f)
		}
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if len(gone) > 0 {
		pipe.HDel(ctx, key, gone...)
	}
	pipe.Expire(ctx, key, s.jobTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobcore/redis: write job: %w", err)
	}
	return nil
}

// optionalFields are hash fields that may be cleared by a write.
var optionalFields = []string{
	"checkpoint_data", "error", "result",
	"started_at", "completed_at", "failed_at",
}

func jobToMap(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":            j.ID.String(),
		"user_id":       j.UserID,
		"type":          string(j.Type),
		"query":         j.Query,
		"state":         string(j.State),
		"progress":      strconv.Itoa(j.Progress),
		"step":          j.Step,
		"attempts":      strconv.Itoa(j.Attempts),
		"created_at":    j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":    j.UpdatedAt.Format(time.RFC3339Nano),
		"last_activity": j.LastActivity.Format(time.RFC3339Nano),
	}
	if len(j.CheckpointData) > 0 {
		m["checkpoint_data"] = string(j.CheckpointData)
	}
	if j.Error != "" {
		m["error"] = j.Error
	}
	if len(j.Result) > 0 {
		m["result"] = string(j.Result)
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	if j.FailedAt != nil {
		m["failed_at"] = j.FailedAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, jobcore.ErrJobNotFound
		}
		return nil, fmt.Errorf("jobcore/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, jobcore.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("jobcore/redis: parse job id: %w", err)
	}

	progress, _ := strconv.Atoi(m["progress"]) //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"]) //nolint:errcheck // best-effort parse from trusted Redis data

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])       //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])       //nolint:errcheck // best-effort parse from trusted Redis data
	lastActivity, _ := time.Parse(time.RFC3339Nano, m["last_activity"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: jobcore.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:           jID,
		UserID:       m["user_id"],
		Type:         job.Type(m["type"]),
		Query:        m["query"],
		State:        job.State(m["state"]),
		Progress:     progress,
		Step:         m["step"],
		Attempts:     attempts,
		Error:        m["error"],
		LastActivity: lastActivity,
	}

	if v := m["checkpoint_data"]; v != "" {
		j.CheckpointData = json.RawMessage(v)
	}
	if v := m["result"]; v != "" {
		j.Result = json.RawMessage(v)
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.CompletedAt = &t
	}
	if v := m["failed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.FailedAt = &t
	}
	return j, nil
}

func sortJobsByCreatedAt(jobs []*job.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
}
