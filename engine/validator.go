/*
validator.go - Accept/reject decisions for notification envelopes

PURPOSE:
  The single chokepoint that keeps at-least-once, unordered, possibly
  phantom notifier callbacks from double-counting usage. Acceptance is
  keyed on generation AND sequence number, never on trusting the callback:
  a notifier that fires instantly after re-arming (because the new
  threshold was already satisfied) is recognized here and its duplicate
  delta is rejected or clamped to zero.

ALGORITHM:
  1. Envelope generation behind the armed generation -> RejectStale.
     Generations ahead of the armed one (possible when a crash restored
     older threshold state) are also stale; the next re-arm resyncs.
  2. Sequence number not strictly above the last one seen on the
     target's channel -> RejectDuplicate.
  3. Otherwise delta = reportedCumulative - ledger.todaySeconds, clamped
     to [0, reportedCumulative]. The lower clamp defends against the
     notifier's internal counter resetting below what the ledger already
     recorded.

SEE ALSO:
  - scheduler.go: owns the generation grace cache consulted for
    diagnostics (stale-known vs stale-unknown)
  - coordinator.go: runs the validator inside the single-flight pipeline
*/
package engine

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/keeptime/reward-engine/metrics"
)

// =============================================================================
// VERDICT
// =============================================================================

type VerdictKind int

const (
	VerdictAccept VerdictKind = iota
	VerdictRejectStale
	VerdictRejectDuplicate
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictAccept:
		return "accept"
	case VerdictRejectStale:
		return "reject_stale"
	case VerdictRejectDuplicate:
		return "reject_duplicate"
	default:
		return "unknown"
	}
}

// Verdict is the validator's decision for one envelope. DeltaSeconds is
// meaningful only when Kind is VerdictAccept; a zero delta is still an
// accept (the phantom case) and drives a re-arm without a ledger change.
type Verdict struct {
	Kind         VerdictKind
	DeltaSeconds int64
}

// =============================================================================
// GENERATION TRACKER - Classification support for superseded epochs
// =============================================================================

// GenerationTracker answers whether a generation was recently issued for a
// target. Superseded-but-remembered generations classify as ordinary
// stale traffic; generations the engine has no memory of are counted
// separately because they indicate dropped state or a misbehaving notifier.
type GenerationTracker interface {
	KnownGeneration(id TargetID, generation int64) bool
}

// =============================================================================
// VALIDATOR
// =============================================================================

// Validator holds the last sequence number seen per delivery channel (one
// channel per target). The map is process-local and starts empty on
// restart; that is safe because the first post-restart re-arm bumps the
// generation, and the generation check alone rejects pre-restart traffic.
type Validator struct {
	generations GenerationTracker
	logger      zerolog.Logger

	mu      sync.Mutex
	lastSeq map[TargetID]uint64
}

func NewValidator(generations GenerationTracker, logger zerolog.Logger) *Validator {
	return &Validator{
		generations: generations,
		logger:      logger.With().Str("component", "validator").Logger(),
		lastSeq:     make(map[TargetID]uint64),
	}
}

// Validate decides accept/reject for one envelope against the current
// threshold state and the ledger view for today (already rolled over by
// the caller). It records the envelope's sequence number for every
// verdict, so a redelivery of a rejected envelope is still a duplicate.
func (v *Validator) Validate(env NotificationEnvelope, threshold ThresholdState, ledger UsageLedgerEntry) Verdict {
	v.mu.Lock()
	defer v.mu.Unlock()

	if env.Generation != threshold.Generation {
		known := v.generations != nil && v.generations.KnownGeneration(env.TargetID, env.Generation)
		v.logger.Debug().
			Str("target", string(env.TargetID)).
			Int64("envelope_generation", env.Generation).
			Int64("armed_generation", threshold.Generation).
			Bool("known_generation", known).
			Msg("Rejecting envelope from superseded epoch")
		if known {
			metrics.EnvelopesRejected.WithLabelValues(string(env.TargetID), "stale").Inc()
		} else {
			metrics.EnvelopesRejected.WithLabelValues(string(env.TargetID), "stale_unknown").Inc()
		}
		v.rememberSeq(env)
		return Verdict{Kind: VerdictRejectStale}
	}

	if last, ok := v.lastSeq[env.TargetID]; ok && env.SequenceNumber <= last {
		v.logger.Debug().
			Str("target", string(env.TargetID)).
			Uint64("sequence", env.SequenceNumber).
			Uint64("last_seen", last).
			Msg("Rejecting redelivered envelope")
		metrics.EnvelopesRejected.WithLabelValues(string(env.TargetID), "duplicate").Inc()
		return Verdict{Kind: VerdictRejectDuplicate}
	}
	v.rememberSeq(env)

	delta := env.ReportedCumulativeSeconds - ledger.TodaySeconds
	if delta < 0 {
		// The notifier's counter reset below the ledger. Trust the ledger.
		delta = 0
	}
	if delta > env.ReportedCumulativeSeconds {
		delta = env.ReportedCumulativeSeconds
	}

	if delta == 0 {
		metrics.PhantomDeltas.WithLabelValues(string(env.TargetID)).Inc()
	}
	metrics.EnvelopesAccepted.WithLabelValues(string(env.TargetID)).Inc()
	return Verdict{Kind: VerdictAccept, DeltaSeconds: delta}
}

func (v *Validator) rememberSeq(env NotificationEnvelope) {
	if env.SequenceNumber > v.lastSeq[env.TargetID] {
		v.lastSeq[env.TargetID] = env.SequenceNumber
	}
}

// Forget drops sequence tracking for a target. Called when monitoring is
// stopped; a later re-enable starts a fresh channel.
func (v *Validator) Forget(id TargetID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.lastSeq, id)
}
