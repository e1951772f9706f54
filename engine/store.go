/*
store.go - Persistence interface for ledgers, thresholds and sessions

PURPOSE:
  The one surface both the long-lived accounting process and the
  short-lived notifier reaction context share. It is assumed durable and
  crash-safe, but NOT transactional across targets: every method touches
  exactly one target's state, and the single-flight guard in the
  coordinator serializes the multi-step pipeline per target.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite store
  - engine/store:  in-memory store for tests and development

SEE ALSO:
  - ledger.go: uses GetLedger/PutLedger
  - sessions.go: uses LatestSession/AppendOrExtendSession
  - scheduler.go: uses GetThreshold/PutThreshold
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Durable state shared across execution contexts
// =============================================================================

type Store interface {
	// GetLedger returns the ledger entry for a target, or ErrNotFound.
	GetLedger(ctx context.Context, id TargetID) (UsageLedgerEntry, error)
	PutLedger(ctx context.Context, entry UsageLedgerEntry) error

	// GetThreshold returns the armed threshold state, or ErrNotFound.
	GetThreshold(ctx context.Context, id TargetID) (ThresholdState, error)
	PutThreshold(ctx context.Context, state ThresholdState) error

	// GetTarget returns the monitored target, or ErrNotFound.
	GetTarget(ctx context.Context, id TargetID) (MonitoredTarget, error)
	PutTarget(ctx context.Context, target MonitoredTarget) error
	ListTargets(ctx context.Context) ([]MonitoredTarget, error)

	// LatestSession returns the most recently ended session for a
	// target, or ErrNotFound when none exists.
	LatestSession(ctx context.Context, id TargetID) (UsageSessionRecord, error)

	// AppendOrExtendSession upserts by SessionID: a new ID inserts, an
	// existing ID overwrites the record in place.
	AppendOrExtendSession(ctx context.Context, rec UsageSessionRecord) error

	// SessionsOverlapping returns all sessions for a target whose span
	// intersects [from, to), ordered by SessionStart.
	SessionsOverlapping(ctx context.Context, id TargetID, from, to time.Time) ([]UsageSessionRecord, error)

	// UnsyncedSessions returns every record the sync layer still has to
	// upload, across all targets.
	UnsyncedSessions(ctx context.Context) ([]UsageSessionRecord, error)
	MarkSynced(ctx context.Context, id SessionID) error
}

// =============================================================================
// THRESHOLD NOTIFIER - The external facility the scheduler re-arms
// =============================================================================

// ThresholdNotifier is the consumed interface to the OS threshold-crossing
// facility. Arm configures it to fire once cumulative usage for the target
// reaches thresholdSeconds; it then goes silent until armed again. The
// facility may fire immediately after Arm when the new threshold is
// already satisfied by prior cumulative usage; the validator absorbs those
// phantom deliveries.
type ThresholdNotifier interface {
	Arm(ctx context.Context, id TargetID, thresholdSeconds int64, generation int64) error
	Disarm(ctx context.Context, id TargetID) error
}
