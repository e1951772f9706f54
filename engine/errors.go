/*
errors.go - Centralized error taxonomy for the accounting engine

PURPOSE:
  All error types in one place. Nothing in this taxonomy is user-fatal:
  the worst failure mode anywhere in the engine is a missed increment,
  which the periodic self-heal re-arm recovers.

ERROR CATEGORIES:
  1. Envelope rejections - stale generation, duplicate delivery
  2. Re-arm failures - the external scheduling call itself failed
  3. Store failures - persistence temporarily unreachable
  4. Configuration - unknown or disabled targets

SEE ALSO:
  - validator.go: produces rejection verdicts (not errors) for envelopes
  - coordinator.go: maps verdicts and failures onto this taxonomy
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrStaleGeneration marks an envelope from a superseded tracking
	// epoch. Recovered silently: logged and dropped.
	ErrStaleGeneration = errors.New("stale generation")

	// ErrDuplicateDelivery marks an at-least-once redelivery of an
	// envelope already processed. Recovered silently.
	ErrDuplicateDelivery = errors.New("duplicate delivery")

	// ErrSchedulingFailure marks a failed re-arm call to the external
	// notifier. The ledger is never rolled back on this error: it was
	// correctly applied before the re-arm attempt.
	ErrSchedulingFailure = errors.New("scheduling failure")

	// ErrStoreUnavailable marks a temporarily unreachable persistence
	// layer. The envelope is not consumed and stays eligible for
	// redelivery or the next wake-up.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidTarget marks an envelope referencing an unknown or
	// disabled target. Dropped, surfaced only in diagnostics.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrNotFound is the store-level miss for ledgers, thresholds,
	// targets and sessions.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// SchedulingError carries the context of a failed arm or disarm call.
type SchedulingError struct {
	TargetID   TargetID
	Generation int64
	Threshold  int64
	Err        error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("re-arm failed for %s (generation %d, threshold %ds): %v",
		e.TargetID, e.Generation, e.Threshold, e.Err)
}

func (e *SchedulingError) Unwrap() error { return ErrSchedulingFailure }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRecoverable reports whether the engine handled the condition itself
// and no caller action is required.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrStaleGeneration) ||
		errors.Is(err, ErrDuplicateDelivery) ||
		errors.Is(err, ErrInvalidTarget)
}

// IsRetryable reports whether the operation may succeed if repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSchedulingFailure) ||
		errors.Is(err, ErrStoreUnavailable)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
