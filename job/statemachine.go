package job

import (
	"fmt"

	"github.com/omnibrowser/jobcore"
)

// transitions is the authoritative table of legal state changes.
//
// completed -> cancelled exists for audit trails only; the repository
// rejects cancelling terminal jobs at its boundary, so only privileged
// callers ever exercise it.
var transitions = map[State][]State{
	StateCreated:   {StateRunning, StateCancelled},
	StateRunning:   {StatePaused, StateCompleted, StateFailed, StateCancelled},
	StatePaused:    {StateRunning, StateCancelled},
	StateCompleted: {StateCancelled},
	StateFailed:    {StateRunning, StateCancelled},
	StateCancelled: {},
}

// InvalidTransitionError reports an illegal from→to pair. It satisfies
// errors.Is(err, jobcore.ErrInvalidTransition).
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("jobcore: invalid state transition %s -> %s", e.From, e.To)
}

// Is makes the error match the package-level sentinel.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == jobcore.ErrInvalidTransition
}

// CanTransition reports whether from→to is in the legality table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a state has no outgoing transitions a worker
// would follow. Restart is a resubmission, not a transition, so failed
// and cancelled count as terminal here even though failed -> running is
// legal for direct retry.
func IsTerminal(s State) bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// IsActive reports whether a worker is (nominally) holding the job.
func IsActive(s State) bool {
	return s == StateRunning || s == StatePaused
}

// Transition returns a copy of the job moved to the target state, with
// timestamp side effects applied. The input job is never mutated; on an
// illegal transition the returned job is nil and the error is an
// *InvalidTransitionError.
//
// Side effects on success: StartedAt is stamped the first time the job
// enters running, CompletedAt on completed, FailedAt on failed, and
// LastActivity is always refreshed.
func Transition(j *Job, to State) (*Job, error) {
	if !CanTransition(j.State, to) {
		return nil, &InvalidTransitionError{From: j.State, To: to}
	}
	return Force(j, to), nil
}

// Force applies the same timestamp side effects as Transition without
// consulting the legality table. Privileged: recovery and the hung-job
// sweep are the only sanctioned callers. Returns a copy.
func Force(j *Job, to State) *Job {
	cp := j.Clone()
	cp.State = to
	cp.TouchActivity()
	cp.Touch()

	now := cp.LastActivity
	switch to {
	case StateRunning:
		if cp.StartedAt == nil {
			cp.StartedAt = &now
		}
	case StateCompleted:
		cp.CompletedAt = &now
	case StateFailed:
		cp.FailedAt = &now
	}
	return cp
}
