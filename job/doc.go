// Package job defines the Job entity, its lifecycle state machine, and
// the persistence contract every backend must satisfy.
//
// The state machine is the source of truth for legal transitions. Stores
// enforce it in SetState; the one sanctioned bypass is ForceSetState,
// reserved for recovery paths and reviewed callers.
package job
