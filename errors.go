package jobcore

import "errors"

var (
	// Store errors.
	ErrNoStore = errors.New("jobcore: no store configured")

	// Not found errors.
	ErrJobNotFound = errors.New("jobcore: job not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("jobcore: job already exists")

	// State errors. job.InvalidTransitionError wraps ErrInvalidTransition
	// with the offending from/to pair; recovery.PreconditionError wraps
	// ErrRecoveryPrecondition with the failed business rule.
	ErrInvalidTransition    = errors.New("jobcore: invalid state transition")
	ErrRecoveryPrecondition = errors.New("jobcore: recovery precondition not met")
	ErrProgressOutOfRange   = errors.New("jobcore: progress out of range")
	ErrProgressRegression   = errors.New("jobcore: progress regression")
)
