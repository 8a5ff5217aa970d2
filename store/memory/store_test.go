package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/omnibrowser/jobcore"
	"github.com/omnibrowser/jobcore/checkpoint"
	"github.com/omnibrowser/jobcore/job"
)

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Job store tests
// ──────────────────────────────────────────────────

func newTestJob(userID string, state job.State) *job.Job {
	j := job.New(userID, job.TypeResearch, "test query")
	j.State = state
	return j
}

func TestJobCreateAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newTestJob("user-1", job.StateCreated)

	tests := []struct {
		name    string
		fn      func() error
		wantErr error
	}{
		{
			name:    "create new job",
			fn:      func() error { return s.CreateJob(ctx, j) },
			wantErr: nil,
		},
		{
			name:    "create duplicate job",
			fn:      func() error { return s.CreateJob(ctx, j) },
			wantErr: jobcore.ErrJobAlreadyExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}

	got, err := s.GetJob(ctx, j.ID.String())
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Query != j.Query {
		t.Fatalf("got query %q, want %q", got.Query, j.Query)
	}

	// Get non-existent.
	_, err = s.GetJob(ctx, "job_missing")
	if !errors.Is(err, jobcore.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobGetReturnsCopy(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newTestJob("user-1", job.StateCreated)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetJob(ctx, j.ID.String())
	got.Query = "mutated"

	again, _ := s.GetJob(ctx, j.ID.String())
	if again.Query != "test query" {
		t.Fatalf("stored job mutated through returned copy: query = %q", again.Query)
	}
}

func TestJobUpdateAndDelete(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newTestJob("user-1", job.StateCreated)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	j.Step = "analyzing"
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetJob(ctx, j.ID.String())
	if got.Step != "analyzing" {
		t.Fatalf("step = %q, want %q", got.Step, "analyzing")
	}

	if err := s.DeleteJob(ctx, j.ID.String()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetJob(ctx, j.ID.String()); !errors.Is(err, jobcore.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound after delete, got %v", err)
	}

	// Update and delete non-existent.
	missing := newTestJob("user-1", job.StateCreated)
	if err := s.UpdateJob(ctx, missing); !errors.Is(err, jobcore.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if err := s.DeleteJob(ctx, missing.ID.String()); !errors.Is(err, jobcore.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobList(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j1 := newTestJob("alice", job.StateCreated)
	j2 := newTestJob("alice", job.StateRunning)
	j3 := newTestJob("bob", job.StateRunning)

	for _, j := range []*job.Job{j1, j2, j3} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name      string
		opts      job.ListOpts
		wantCount int
	}{
		{"all", job.ListOpts{}, 3},
		{"by user", job.ListOpts{UserID: "alice"}, 2},
		{"by state", job.ListOpts{State: job.StateRunning}, 2},
		{"by user and state", job.ListOpts{UserID: "alice", State: job.StateRunning}, 1},
		{"with limit", job.ListOpts{Limit: 1}, 1},
		{"no match", job.ListOpts{UserID: "carol"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := s.ListJobs(ctx, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(jobs) != tt.wantCount {
				t.Fatalf("got %d, want %d", len(jobs), tt.wantCount)
			}
		})
	}
}

func TestSetProgress(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newTestJob("user-1", job.StateRunning)
	j.Progress = 40
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	created := newTestJob("user-1", job.StateCreated)
	if err := s.CreateJob(ctx, created); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		jobID    string
		progress int
		wantErr  error
	}{
		{"advance", j.ID.String(), 50, nil},
		{"same value", j.ID.String(), 50, nil},
		{"regression", j.ID.String(), 30, jobcore.ErrProgressRegression},
		{"too high", j.ID.String(), 100, jobcore.ErrProgressOutOfRange},
		{"negative", j.ID.String(), -1, jobcore.ErrProgressOutOfRange},
		{"not running", created.ID.String(), 10, jobcore.ErrInvalidTransition},
		{"missing job", "job_missing", 10, jobcore.ErrJobNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.SetProgress(ctx, tt.jobID, tt.progress, "step")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}

	got, _ := s.GetJob(ctx, j.ID.String())
	if got.Progress != 50 {
		t.Fatalf("progress = %d, want 50", got.Progress)
	}
}

func TestSetProgressAdvancesActivity(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newTestJob("user-1", job.StateRunning)
	j.LastActivity = time.Now().UTC().Add(-time.Hour)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	got, err := s.SetProgress(ctx, j.ID.String(), 10, "working")
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastActivity.After(j.LastActivity) {
		t.Fatal("SetProgress did not advance LastActivity")
	}
}

func TestSetStateAndForce(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newTestJob("user-1", job.StateCreated)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	// Legal transition.
	got, err := s.SetState(ctx, j.ID.String(), job.StateRunning)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateRunning {
		t.Fatalf("state = %q, want %q", got.State, job.StateRunning)
	}
	if got.StartedAt == nil {
		t.Fatal("StartedAt not stamped on first run")
	}

	// Illegal transition leaves the job unchanged.
	_, err = s.SetState(ctx, j.ID.String(), job.StateCreated)
	if !errors.Is(err, jobcore.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, _ = s.GetJob(ctx, j.ID.String())
	if got.State != job.StateRunning {
		t.Fatalf("state after illegal transition = %q, want %q", got.State, job.StateRunning)
	}

	// Force bypasses the table.
	got, err = s.ForceSetState(ctx, j.ID.String(), job.StateCreated)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateCreated {
		t.Fatalf("forced state = %q, want %q", got.State, job.StateCreated)
	}
}

func TestSetResult(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newTestJob("user-1", job.StateRunning)
	j.CheckpointData = json.RawMessage(`{"partial":true}`)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	got, err := s.SetResult(ctx, j.ID.String(), json.RawMessage(`{"answer":42}`))
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateCompleted {
		t.Fatalf("state = %q, want %q", got.State, job.StateCompleted)
	}
	if got.Progress != 100 {
		t.Fatalf("progress = %d, want 100", got.Progress)
	}
	if got.HasCheckpoint() {
		t.Fatal("checkpoint data should be cleared on completion")
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not stamped")
	}
}

func TestSetError(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newTestJob("user-1", job.StateRunning)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	got, err := s.SetError(ctx, j.ID.String(), "upstream timeout")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateFailed {
		t.Fatalf("state = %q, want %q", got.State, job.StateFailed)
	}
	if got.Error != "upstream timeout" {
		t.Fatalf("error = %q, want %q", got.Error, "upstream timeout")
	}
	if got.FailedAt == nil {
		t.Fatal("FailedAt not stamped")
	}

	// Failing a created job is illegal.
	fresh := newTestJob("user-1", job.StateCreated)
	if err := s.CreateJob(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetError(ctx, fresh.ID.String(), "boom"); !errors.Is(err, jobcore.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelClearsCheckpointData(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newTestJob("user-1", job.StateRunning)
	j.CheckpointData = json.RawMessage(`{"partial":true}`)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	got, err := s.CancelJob(ctx, j.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateCancelled {
		t.Fatalf("state = %q, want %q", got.State, job.StateCancelled)
	}
	if got.HasCheckpoint() {
		t.Fatal("checkpoint data should be cleared on cancel")
	}

	// Cancelled is a dead end.
	if _, err := s.CancelJob(ctx, j.ID.String()); !errors.Is(err, jobcore.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestHeartbeatAndFindStaleRunning(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	stale := newTestJob("user-1", job.StateRunning)
	stale.LastActivity = time.Now().UTC().Add(-time.Minute)
	stalePaused := newTestJob("user-1", job.StatePaused)
	stalePaused.LastActivity = time.Now().UTC().Add(-time.Minute)
	fresh := newTestJob("user-1", job.StateRunning)
	terminal := newTestJob("user-1", job.StateFailed)
	terminal.LastActivity = time.Now().UTC().Add(-time.Hour)

	for _, j := range []*job.Job{stale, stalePaused, fresh, terminal} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	// Running and paused count; terminal never does.
	found, err := s.FindStaleRunning(ctx, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("got %d stale jobs, want 2", len(found))
	}

	// A heartbeat rescues the running one.
	if err := s.HeartbeatJob(ctx, stale.ID.String()); err != nil {
		t.Fatal(err)
	}
	found, _ = s.FindStaleRunning(ctx, 30*time.Second)
	if len(found) != 1 {
		t.Fatalf("got %d stale jobs after heartbeat, want 1", len(found))
	}

	// Heartbeat non-existent.
	if err := s.HeartbeatJob(ctx, "job_missing"); !errors.Is(err, jobcore.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobStats(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	started := time.Now().UTC().Add(-10 * time.Second)
	completedAt := started.Add(4 * time.Second)

	done := newTestJob("user-1", job.StateCompleted)
	done.StartedAt = &started
	done.CompletedAt = &completedAt
	running := newTestJob("user-1", job.StateRunning)
	failed := newTestJob("user-2", job.StateFailed)

	for _, j := range []*job.Job{done, running, failed} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.JobStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 {
		t.Fatalf("total = %d, want 3", stats.Total)
	}
	if stats.ByState[job.StateRunning] != 1 || stats.ByState[job.StateFailed] != 1 {
		t.Fatalf("unexpected state counts: %v", stats.ByState)
	}
	if stats.AvgDuration != 4*time.Second {
		t.Fatalf("avg duration = %v, want 4s", stats.AvgDuration)
	}
}

// ──────────────────────────────────────────────────
// Checkpoint store tests
// ──────────────────────────────────────────────────

func newTestCheckpoint(jobID string, seq uint64) *checkpoint.Checkpoint {
	return &checkpoint.Checkpoint{
		JobID:         jobID,
		UserID:        "user-1",
		Sequence:      seq,
		Timestamp:     time.Now().UTC(),
		Step:          "collecting",
		Progress:      25,
		PartialOutput: json.RawMessage(`{"rows":10}`),
	}
}

func TestCheckpointSaveLoadDelete(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	cp := newTestCheckpoint("job-a", 1)
	if err := s.SaveCheckpoint(ctx, cp, time.Hour); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadCheckpoint(ctx, "job-a")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Sequence != 1 {
		t.Fatalf("loaded checkpoint = %+v, want sequence 1", got)
	}

	// Missing checkpoint is nil, nil.
	got, err = s.LoadCheckpoint(ctx, "job-missing")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing checkpoint, got %+v", got)
	}

	// Delete, then delete again: absent is a no-op.
	if err := s.DeleteCheckpoint(ctx, "job-a"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteCheckpoint(ctx, "job-a"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.LoadCheckpoint(ctx, "job-a")
	if got != nil {
		t.Fatal("checkpoint should be gone after delete")
	}
}

func TestCheckpointExpiry(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	cp := newTestCheckpoint("job-exp", 1)
	if err := s.SaveCheckpoint(ctx, cp, -time.Second); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadCheckpoint(ctx, "job-exp")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("expired checkpoint should load as nil")
	}
}

func TestCheckpointArchiveAndList(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	cp1 := newTestCheckpoint("job-a", 1)
	cp2 := newTestCheckpoint("job-b", 3)
	expired := newTestCheckpoint("job-c", 1)

	if err := s.SaveCheckpoint(ctx, cp1, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCheckpoint(ctx, cp2, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCheckpoint(ctx, expired, -time.Second); err != nil {
		t.Fatal(err)
	}

	// Archives do not show up in the current listing.
	if err := s.ArchiveCheckpoint(ctx, cp1, time.Hour); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListCheckpoints(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d checkpoints, want 2 (expired excluded)", len(list))
	}
}

// ──────────────────────────────────────────────────
// Sequencer tests
// ──────────────────────────────────────────────────

func TestSequencer(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	last, err := s.LastSequence(ctx, "job-a")
	if err != nil {
		t.Fatal(err)
	}
	if last != 0 {
		t.Fatalf("initial last sequence = %d, want 0", last)
	}

	for want := uint64(1); want <= 3; want++ {
		got, err := s.NextSequence(ctx, "job-a")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("sequence = %d, want %d", got, want)
		}
	}

	// Counters are per job.
	got, err := s.NextSequence(ctx, "job-b")
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Fatalf("other job sequence = %d, want 1", got)
	}

	last, _ = s.LastSequence(ctx, "job-a")
	if last != 3 {
		t.Fatalf("last sequence = %d, want 3", last)
	}
}
