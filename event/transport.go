package event

import "context"

// Transport carries marshalled events to external observers. The store
// package provides a Redis pub/sub implementation; Nop is for
// deployments without a transport. Both share one contract so the
// registry never null-checks at call sites.
type Transport interface {
	// Publish sends data on the named channel. Errors indicate the
	// transport is degraded; the registry logs and continues.
	Publish(ctx context.Context, channel string, data []byte) error
}

// Nop is a Transport that discards everything.
type Nop struct{}

// Publish discards the event.
func (Nop) Publish(_ context.Context, _ string, _ []byte) error { return nil }

// Sequencer hands out per-job sequence numbers. Implementations must be
// atomic: under single-publisher load sequences start at 1 and increase
// by exactly one.
type Sequencer interface {
	// NextSequence atomically increments and returns the counter for a
	// job.
	NextSequence(ctx context.Context, jobID string) (uint64, error)

	// LastSequence returns the most recently issued sequence for a job,
	// or zero if none was ever issued.
	LastSequence(ctx context.Context, jobID string) (uint64, error)
}
