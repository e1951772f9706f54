/*
ledger.go - Authoritative per-target usage counters

PURPOSE:
  Applies accepted deltas atomically with day rollover and exposes the
  immutable snapshot every UI and sync consumer must read from. No other
  component may derive "today's usage" from a different aggregate (for
  example by summing raw session records): divergent derivations are the
  documented root cause of cross-view inconsistency in systems like this.

ROLLOVER:
  Lazy, on first touch of a new day: todaySeconds and todayPoints reset
  to zero and lastResetDate advances, then the delta applies. There is no
  background timer requirement; reads present the rolled-over view
  without persisting it.

SEE ALSO:
  - rewards.go: points derivation used on every mutation
  - validator.go: produces the deltas applied here
*/
package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/keeptime/reward-engine/metrics"
)

// Ledger owns UsageLedgerEntry mutation. All writes go through Apply so
// the monotonicity and rollover invariants hold in one place.
type Ledger struct {
	store  Store
	clock  Clock
	logger zerolog.Logger
}

func NewLedger(store Store, clock Clock, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		clock:  clock,
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

// Current returns the entry as it reads right now: loaded (or zero-valued
// for a never-tracked target) and rolled over to today without persisting.
func (l *Ledger) Current(ctx context.Context, id TargetID) (UsageLedgerEntry, error) {
	entry, err := l.store.GetLedger(ctx, id)
	if err != nil {
		if !IsNotFound(err) {
			return UsageLedgerEntry{}, fmt.Errorf("%w: loading ledger for %s: %v", ErrStoreUnavailable, id, err)
		}
		entry = UsageLedgerEntry{TargetID: id}
	}
	return entry.rolledOver(DateOf(l.clock.Now())), nil
}

// Apply adds an accepted delta to the counters, resetting first when the
// calendar day changed since the last mutation. TodayPoints is re-derived
// from the running total, never incremented, so repeated recomputation is
// idempotent. A zero delta still persists the rollover and generation.
func (l *Ledger) Apply(ctx context.Context, target MonitoredTarget, deltaSeconds int64, generation int64) (UsageLedgerEntry, error) {
	if deltaSeconds < 0 {
		return UsageLedgerEntry{}, fmt.Errorf("negative delta %d for %s", deltaSeconds, target.ID)
	}

	entry, err := l.store.GetLedger(ctx, target.ID)
	if err != nil {
		if !IsNotFound(err) {
			return UsageLedgerEntry{}, fmt.Errorf("%w: loading ledger for %s: %v", ErrStoreUnavailable, target.ID, err)
		}
		entry = UsageLedgerEntry{TargetID: target.ID}
	}

	today := DateOf(l.clock.Now())
	if entry.LastResetDate.Before(today) {
		if !entry.LastResetDate.IsZero() {
			l.logger.Info().
				Str("target", string(target.ID)).
				Str("from", entry.LastResetDate.String()).
				Str("to", today.String()).
				Int64("carried_lifetime", entry.TotalSecondsLifetime).
				Msg("Day rollover")
			metrics.DayRollovers.Inc()
		}
		entry.TodaySeconds = 0
		entry.TodayPoints = 0
		entry.LastResetDate = today
	}

	entry.TodaySeconds += deltaSeconds
	entry.TotalSecondsLifetime += deltaSeconds
	entry.TodayPoints = PointsForTarget(entry.TodaySeconds, target)
	entry.LastAppliedGeneration = generation
	entry.LastUpdatedAt = l.clock.Now()

	if err := l.store.PutLedger(ctx, entry); err != nil {
		return UsageLedgerEntry{}, fmt.Errorf("%w: persisting ledger for %s: %v", ErrStoreUnavailable, target.ID, err)
	}

	metrics.SecondsRecorded.WithLabelValues(string(target.ID)).Add(float64(deltaSeconds))
	return entry, nil
}

// Snapshot is the read API for UI consumers: today's counters after a
// non-persisting rollover, plus the lifetime total.
func (l *Ledger) Snapshot(ctx context.Context, id TargetID) (Snapshot, error) {
	entry, err := l.Current(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		TargetID:             id,
		TodaySeconds:         entry.TodaySeconds,
		TotalSecondsLifetime: entry.TotalSecondsLifetime,
		TodayPoints:          entry.TodayPoints,
		AsOf:                 l.clock.Now(),
	}, nil
}
