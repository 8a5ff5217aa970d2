package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/omnibrowser/jobcore"
	"github.com/omnibrowser/jobcore/checkpoint"
	"github.com/omnibrowser/jobcore/engine"
	"github.com/omnibrowser/jobcore/job"
	"github.com/omnibrowser/jobcore/store/memory"
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.New(engine.WithStore(memory.New()))
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()
	if _, err := engine.New(); !errors.Is(err, jobcore.ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	eng := newEngine(t)
	ctx := context.Background()

	for range 2 {
		if err := eng.Start(ctx); err != nil {
			t.Fatal(err)
		}
	}
	for range 2 {
		if err := eng.Stop(ctx); err != nil {
			t.Fatal(err)
		}
	}
}

// TestPauseCheckpointResume walks the whole worker-yield cycle through
// the wired engine: an unclaimed job cannot pause, a running one can,
// and resume hands the checkpointed job back for re-claiming.
func TestPauseCheckpointResume(t *testing.T) {
	t.Parallel()
	eng := newEngine(t)
	ctx := context.Background()
	repo := eng.Repository()

	j, err := repo.CreateResearchJob(ctx, "alice", "yield farming risks")
	if err != nil {
		t.Fatal(err)
	}
	jobID := j.ID.String()

	events, cancel := eng.Events().Subscribe(jobID)
	defer cancel()

	// A job no worker has claimed cannot pause.
	if _, err := repo.Pause(ctx, jobID); !errors.Is(err, jobcore.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if _, err := repo.Claim(ctx, jobID); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.UpdateProgress(ctx, jobID, 40, "cross-referencing"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Checkpoint(ctx, jobID, &checkpoint.Checkpoint{
		PartialOutput: json.RawMessage(`{"sources":12}`),
	}); err != nil {
		t.Fatal(err)
	}

	paused, err := repo.Pause(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if paused.State != job.StatePaused {
		t.Fatalf("state = %q, want %q", paused.State, job.StatePaused)
	}

	resumed, err := repo.Resume(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.State != job.StateCreated {
		t.Fatalf("state = %q, want %q", resumed.State, job.StateCreated)
	}

	// The checkpoint waits for whichever worker re-claims.
	cp, err := eng.Checkpoints().Load(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if cp == nil || string(cp.PartialOutput) != `{"sources":12}` {
		t.Fatalf("checkpoint after resume = %+v", cp)
	}
	if _, err := repo.Claim(ctx, jobID); err != nil {
		t.Fatal(err)
	}

	// Events arrived gap-free in mutation order.
	drained := len(events)
	var lastSeq uint64
	for i := 0; i < drained; i++ {
		evt := <-events
		if evt.Sequence != lastSeq+1 {
			t.Fatalf("sequence %d after %d, want gap-free ordering", evt.Sequence, lastSeq)
		}
		lastSeq = evt.Sequence
	}
	if lastSeq == 0 {
		t.Fatal("no events observed")
	}
}

// TestRecoveryThroughEngine exercises the direct recovery handler on the
// same wiring the repository uses.
func TestRecoveryThroughEngine(t *testing.T) {
	t.Parallel()
	eng := newEngine(t)
	ctx := context.Background()
	repo := eng.Repository()

	j, err := repo.CreateTradeJob(ctx, "bob", "rebalance")
	if err != nil {
		t.Fatal(err)
	}
	jobID := j.ID.String()
	if _, err := repo.Claim(ctx, jobID); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.MarkFailed(ctx, jobID, "venue offline"); err != nil {
		t.Fatal(err)
	}

	opts, err := eng.Recovery().RecoveryOptions(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if !opts.CanRestart || opts.CanResume {
		t.Fatalf("options = %+v, want restart only", opts)
	}

	res, err := eng.Recovery().RestartJob(ctx, jobID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Job.State != job.StateCreated || res.Job.Attempts != 1 {
		t.Fatalf("restarted job = %+v", res.Job)
	}
}
