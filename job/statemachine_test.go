package job_test

import (
	"errors"
	"testing"

	"github.com/omnibrowser/jobcore"
	"github.com/omnibrowser/jobcore/job"
)

var allStates = []job.State{
	job.StateCreated,
	job.StateRunning,
	job.StatePaused,
	job.StateCompleted,
	job.StateFailed,
	job.StateCancelled,
}

// legal mirrors the transition table; everything else must be rejected.
var legal = map[job.State][]job.State{
	job.StateCreated:   {job.StateRunning, job.StateCancelled},
	job.StateRunning:   {job.StatePaused, job.StateCompleted, job.StateFailed, job.StateCancelled},
	job.StatePaused:    {job.StateRunning, job.StateCancelled},
	job.StateCompleted: {job.StateCancelled},
	job.StateFailed:    {job.StateRunning, job.StateCancelled},
	job.StateCancelled: {},
}

func isLegal(from, to job.State) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

func TestCanTransition_FullTable(t *testing.T) {
	for _, from := range allStates {
		for _, to := range allStates {
			got := job.CanTransition(from, to)
			if got != isLegal(from, to) {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, !got)
			}
		}
	}
}

func TestTransition_IllegalLeavesJobUnchanged(t *testing.T) {
	for _, from := range allStates {
		for _, to := range allStates {
			if isLegal(from, to) {
				continue
			}
			j := job.New("user-1", job.TypeResearch, "q")
			j.State = from
			before := *j

			res, err := job.Transition(j, to)
			if err == nil {
				t.Fatalf("Transition(%s, %s): expected error", from, to)
			}
			if !errors.Is(err, jobcore.ErrInvalidTransition) {
				t.Errorf("Transition(%s, %s): error %v does not match sentinel", from, to, err)
			}
			var ite *job.InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Fatalf("Transition(%s, %s): error %T is not *InvalidTransitionError", from, to, err)
			}
			if ite.From != from || ite.To != to {
				t.Errorf("error carries %s -> %s, want %s -> %s", ite.From, ite.To, from, to)
			}
			if res != nil {
				t.Error("expected nil job on illegal transition")
			}
			if j.State != before.State {
				t.Error("input job mutated on failed transition")
			}
		}
	}
}

func TestTransition_StampsStartedAtOnce(t *testing.T) {
	j := job.New("user-1", job.TypeResearch, "q")

	running, err := job.Transition(j, job.StateRunning)
	if err != nil {
		t.Fatalf("created -> running: %v", err)
	}
	if running.StartedAt == nil {
		t.Fatal("StartedAt not stamped on first entry to running")
	}
	first := *running.StartedAt

	paused, err := job.Transition(running, job.StatePaused)
	if err != nil {
		t.Fatalf("running -> paused: %v", err)
	}
	resumed, err := job.Transition(paused, job.StateRunning)
	if err != nil {
		t.Fatalf("paused -> running: %v", err)
	}
	if resumed.StartedAt == nil || !resumed.StartedAt.Equal(first) {
		t.Error("StartedAt changed on re-entry to running")
	}
}

func TestTransition_TerminalStamps(t *testing.T) {
	j := job.New("user-1", job.TypeTrade, "q")
	running, _ := job.Transition(j, job.StateRunning)

	done, err := job.Transition(running, job.StateCompleted)
	if err != nil {
		t.Fatalf("running -> completed: %v", err)
	}
	if done.CompletedAt == nil {
		t.Error("CompletedAt not stamped")
	}

	failed, err := job.Transition(running, job.StateFailed)
	if err != nil {
		t.Fatalf("running -> failed: %v", err)
	}
	if failed.FailedAt == nil {
		t.Error("FailedAt not stamped")
	}
}

func TestTransition_RefreshesLastActivity(t *testing.T) {
	j := job.New("user-1", job.TypeAnalysis, "q")
	before := j.LastActivity

	running, err := job.Transition(j, job.StateRunning)
	if err != nil {
		t.Fatalf("created -> running: %v", err)
	}
	if running.LastActivity.Before(before) {
		t.Error("LastActivity moved backwards")
	}
}

func TestTransition_DirectRetryFromFailed(t *testing.T) {
	j := job.New("user-1", job.TypeResearch, "q")
	running, _ := job.Transition(j, job.StateRunning)
	failed, _ := job.Transition(running, job.StateFailed)

	retried, err := job.Transition(failed, job.StateRunning)
	if err != nil {
		t.Fatalf("failed -> running (direct retry): %v", err)
	}
	if retried.State != job.StateRunning {
		t.Errorf("State = %s, want running", retried.State)
	}
}

func TestIsTerminal(t *testing.T) {
	want := map[job.State]bool{
		job.StateCreated:   false,
		job.StateRunning:   false,
		job.StatePaused:    false,
		job.StateCompleted: true,
		job.StateFailed:    true,
		job.StateCancelled: true,
	}
	for s, terminal := range want {
		if job.IsTerminal(s) != terminal {
			t.Errorf("IsTerminal(%s) = %v, want %v", s, !terminal, terminal)
		}
	}
}

func TestIsActive(t *testing.T) {
	for _, s := range allStates {
		want := s == job.StateRunning || s == job.StatePaused
		if job.IsActive(s) != want {
			t.Errorf("IsActive(%s) = %v, want %v", s, !want, want)
		}
	}
}

func TestForce_BypassesTable(t *testing.T) {
	j := job.New("user-1", job.TypeResearch, "q")
	j.State = job.StateCancelled

	forced := job.Force(j, job.StateCreated)
	if forced.State != job.StateCreated {
		t.Errorf("State = %s, want created", forced.State)
	}
	if j.State != job.StateCancelled {
		t.Error("Force mutated the input job")
	}
}
