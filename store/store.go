// Package store defines the composite persistence interface a backend
// implements to serve the whole engine. Each subsystem (job, checkpoint,
// event) declares its own contract; a single backend satisfies all of
// them so the repository, scheduler, and recovery handler stay
// storage-agnostic.
package store

import (
	"context"

	"github.com/omnibrowser/jobcore/checkpoint"
	"github.com/omnibrowser/jobcore/event"
	"github.com/omnibrowser/jobcore/job"
)

// Store is the full backend contract. store/memory and store/redis are
// the two shipped implementations; they are interchangeable.
type Store interface {
	job.Store
	checkpoint.Store
	event.Sequencer

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
