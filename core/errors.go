package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the compaction subsystem. Callers classify
// failures with errors.Is; only genuinely unexpected failures count against
// the per-kind failure metrics.
var (
	// ErrNoSuitableVersion means the policy found no candidate rowsets worth
	// merging. This is the normal idle outcome, never a failure.
	ErrNoSuitableVersion = errors.New("no suitable version to compact")

	// ErrVersionConflict means a rowset swap found the version history changed
	// underneath it. The history is left untouched.
	ErrVersionConflict = errors.New("version history changed concurrently")

	// ErrTabletNotFound is returned for operations addressing an unknown tablet.
	ErrTabletNotFound = errors.New("tablet not found")

	// ErrAlreadyRunning means a compaction of the same kind already holds the
	// tablet's lock. Contention, not failure.
	ErrAlreadyRunning = errors.New("compaction already running on tablet")

	// ErrNotSupported marks an operation the target tablet cannot perform,
	// e.g. a remote fetch on a tablet without replica peers.
	ErrNotSupported = errors.New("operation not supported")

	// ErrMemoryLimitExceeded means the admission controller refused a merge
	// because process memory pressure is above the configured ratio. The
	// task is skipped benignly and retried on a later cycle.
	ErrMemoryLimitExceeded = errors.New("merge admission denied: memory limit exceeded")

	// ErrEngineClosed is returned by operations submitted after shutdown began.
	ErrEngineClosed = errors.New("engine is closed")
)

// ValidationError is a custom error type for validation failures.
type ValidationError struct {
	Message string
	Field   string // e.g., "tablet_id", "compact_type"
	Value   string // The invalid value
}

type UnsupportedTypeError struct {
	Message string
}

func (e *UnsupportedTypeError) Error() string {
	return e.Message
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("validation error for %s '%s': %s", e.Field, e.Value, e.Message)
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var validationError *ValidationError
	// Use errors.As to check if the error (or any error in its chain) is a ValidationError.
	return errors.As(err, &validationError)
}

func IsUnsupportedError(err error) bool {
	var unsupportedError *UnsupportedTypeError
	return errors.As(err, &unsupportedError) || errors.Is(err, ErrNotSupported)
}

// IsBenign reports whether err is an expected no-op outcome rather than a
// real failure. Benign errors are logged at low verbosity and never
// increment failure counters.
func IsBenign(err error) bool {
	return errors.Is(err, ErrNoSuitableVersion) || errors.Is(err, ErrMemoryLimitExceeded)
}
