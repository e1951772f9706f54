/*
Package engine is the usage accounting engine.

PURPOSE:
  Converts the coarse threshold-crossing signal delivered by an external
  notifier facility into accurate, monotonic, duplicate-proof usage totals
  and reward points. The notifier fires once when cumulative usage reaches
  a configured limit and then goes silent until re-armed; the engine keeps
  re-arming it so tracking appears continuous.

KEY CONCEPTS IN THIS FILE (types.go):
  - MonitoredTarget: one trackable application and its reward rate
  - ThresholdState: the limit the notifier is currently armed at, plus
    the generation counter that identifies the current tracking epoch
  - UsageLedgerEntry: the authoritative per-target counters
  - UsageSessionRecord: an aggregated, persisted span of continuous use
  - NotificationEnvelope: one raw threshold-crossing delivery

DESIGN PRINCIPLES:
  1. The ledger is the single source of truth for "today"; every other
     view (UI, sync) reads from it, never re-derives it.
  2. The notifier's own cumulative counter is a trigger, never data:
     thresholds are always computed from the engine's own ledger.
  3. Notifications are at-least-once and unordered; the generation and
     sequence checks in the validator are the idempotency boundary.

SEE ALSO:
  - validator.go: accept/reject decisions for envelopes
  - ledger.go: counter mutation and day rollover
  - scheduler.go: threshold computation and re-arming
  - coordinator.go: pipeline orchestration and state machine
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// TargetID is the stable logical identifier of a monitored application.
// It is never the raw opaque OS token: that token is unstable across
// process boundaries and is mapped to a TargetID exactly once, upstream.
type TargetID string

// SessionID identifies one persisted usage session record.
type SessionID string

// =============================================================================
// MONITORED TARGET - One trackable application
// =============================================================================

type Category string

const (
	CategoryLearning Category = "learning"
	CategoryReward   Category = "reward"
)

// MonitoredTarget is created when a guardian assigns an app to a category.
// Targets are never deleted; disabling preserves all recorded history.
type MonitoredTarget struct {
	ID              TargetID
	Category        Category
	PointsPerMinute int
	// Multiplier is applied to whole-minute points and floored. The
	// default of 1 leaves the base rate untouched. Like PointsPerMinute,
	// changing it never recomputes points on closed sessions.
	Multiplier decimal.Decimal
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EffectiveMultiplier treats the zero value as 1 so that targets stored
// before a multiplier was ever configured behave identically.
func (t MonitoredTarget) EffectiveMultiplier() decimal.Decimal {
	if t.Multiplier.IsZero() {
		return decimal.NewFromInt(1)
	}
	return t.Multiplier
}

// =============================================================================
// THRESHOLD STATE - What the external notifier is armed at
// =============================================================================

// ThresholdState records, per target, the cumulative value the external
// notifier is currently armed to fire at and the generation of that arm.
//
// INVARIANTS:
//   - Generation increases by exactly 1 on every re-arm.
//   - CurrentThresholdSeconds is non-decreasing within a generation
//     lineage: a fresh generation may reset the notifier's internal
//     counter, but the engine's threshold always continues from the last
//     known ledger total, never from zero, once any usage exists today.
type ThresholdState struct {
	TargetID                TargetID
	CurrentThresholdSeconds int64
	Generation              int64
	IncrementSeconds        int64
	ArmedAt                 time.Time
}

// DefaultIncrementSeconds is the threshold step when a target has no
// configured increment.
const DefaultIncrementSeconds int64 = 60

// =============================================================================
// USAGE LEDGER ENTRY - Authoritative per-target counters
// =============================================================================

// UsageLedgerEntry holds the counters all UI and sync consumers must read
// from. TodaySeconds is monotonically non-decreasing within a calendar day
// and resets to zero exactly once when LastResetDate falls behind today,
// atomically with TodayPoints. TotalSecondsLifetime never decreases.
type UsageLedgerEntry struct {
	TargetID              TargetID
	TotalSecondsLifetime  int64
	TodaySeconds          int64
	TodayPoints           int64
	LastResetDate         LocalDate
	LastAppliedGeneration int64
	LastUpdatedAt         time.Time
}

// rolledOver returns the entry as it should read on the given day: counters
// zeroed if the entry was last touched on an earlier day. It does not
// persist anything; the reset is written on the first mutation of the day.
func (e UsageLedgerEntry) rolledOver(today LocalDate) UsageLedgerEntry {
	if e.LastResetDate.Before(today) {
		e.TodaySeconds = 0
		e.TodayPoints = 0
		e.LastResetDate = today
	}
	return e
}

// Snapshot is the immutable read view handed to UI consumers.
type Snapshot struct {
	TargetID             TargetID  `json:"target_id"`
	TodaySeconds         int64     `json:"today_seconds"`
	TotalSecondsLifetime int64     `json:"total_seconds_lifetime"`
	TodayPoints          int64     `json:"today_points"`
	AsOf                 time.Time `json:"as_of"`
}

// =============================================================================
// USAGE SESSION RECORD - Aggregated span of continuous use
// =============================================================================

// UsageSessionRecord is the persisted, syncable unit. The session
// aggregator exclusively creates and mutates records; the sync layer only
// reads them and flips Synced. A record becomes immutable once a newer
// session exists for the same target.
type UsageSessionRecord struct {
	SessionID    SessionID
	TargetID     TargetID
	SessionStart time.Time
	SessionEnd   time.Time
	TotalSeconds int64
	EarnedPoints int64
	Category     Category
	Synced       bool
}

// =============================================================================
// NOTIFICATION ENVELOPE - One raw threshold-crossing delivery
// =============================================================================

// NotificationEnvelope is ephemeral: it exists to compute a delta and is
// then discarded. ReportedCumulativeSeconds is the notifier's view of
// cumulative usage; it is compared against the ledger, never stored.
// SequenceNumber is strictly increasing per delivery channel (one channel
// per target) and is process-local to the delivering side.
type NotificationEnvelope struct {
	TargetID                  TargetID `json:"target_id"`
	Generation                int64    `json:"generation"`
	ReportedCumulativeSeconds int64    `json:"reported_cumulative_seconds"`
	SequenceNumber            uint64   `json:"sequence_number"`
}
