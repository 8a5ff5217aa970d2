// Package jobcore provides the lifecycle engine for long-running
// asynchronous work: research runs, LLM calls, document jobs. It enforces
// a strict state machine for every job, persists checkpoints so execution
// can resume after a pause or a crash, and runs a background sweep that
// detects jobs whose worker died mid-flight.
//
// jobcore is a library, not a service. Import it, configure a store, and
// drive jobs through the repository façade:
//
//	eng, err := engine.New(
//	    engine.WithStore(memory.New()),
//	    engine.WithLogger(logger),
//	)
//
// # Architecture
//
// Each subsystem (job, checkpoint, event) defines its own store interface;
// a single backend implements all of them. Two interchangeable backends
// ship with the module: a volatile in-process map (store/memory) and a
// durable Redis layout with per-key TTLs (store/redis). Task executors
// talk only to repository.Repository; the scheduler audits the store on
// its own timer; recovery.Handler serves explicit resume/restart requests.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package jobcore
