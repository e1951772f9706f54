/*
sessions.go - Session aggregation for bounded storage growth

PURPOSE:
  One persisted record per continuous-use episode instead of one per
  threshold increment. An accepted delta either extends the most recent
  session for the target (when its end is still inside the aggregation
  window) or opens a new one. With a 60-second increment and the default
  300-second window this cuts record volume by roughly an order of
  magnitude on typical usage.

OWNERSHIP:
  The aggregator exclusively creates and mutates session records. The
  sync layer only reads them and flips Synced; every mutation here clears
  the flag so the record is re-uploaded.

SEE ALSO:
  - rewards.go: session points are re-derived from the session total on
    every extension, never accumulated
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keeptime/reward-engine/metrics"
)

// DefaultAggregationWindow bounds how long after a session's end a new
// delta still extends it.
const DefaultAggregationWindow = 300 * time.Second

type Aggregator struct {
	store  Store
	clock  Clock
	window time.Duration
	logger zerolog.Logger
}

func NewAggregator(store Store, clock Clock, window time.Duration, logger zerolog.Logger) *Aggregator {
	if window <= 0 {
		window = DefaultAggregationWindow
	}
	return &Aggregator{
		store:  store,
		clock:  clock,
		window: window,
		logger: logger.With().Str("component", "aggregator").Logger(),
	}
}

// Record folds an accepted delta into the target's session history:
// extend the open session when its end is within the aggregation window
// of now, otherwise start a new one beginning delta seconds ago. Zero
// deltas are ignored; they carry no usage span.
//
// Sessions never span midnight: a session that ended on an earlier
// calendar day is closed regardless of the window, so today's ledger
// counters and the sum of today's sessions stay in agreement across the
// rollover.
func (a *Aggregator) Record(ctx context.Context, target MonitoredTarget, deltaSeconds int64) (UsageSessionRecord, error) {
	if deltaSeconds <= 0 {
		return UsageSessionRecord{}, nil
	}

	now := a.clock.Now()

	rec, err := a.store.LatestSession(ctx, target.ID)
	switch {
	case err == nil && now.Sub(rec.SessionEnd) <= a.window && DateOf(rec.SessionEnd).Equal(DateOf(now)):
		rec.SessionEnd = now
		rec.TotalSeconds += deltaSeconds
		rec.EarnedPoints = PointsForTarget(rec.TotalSeconds, target)
		rec.Synced = false

		if err := a.store.AppendOrExtendSession(ctx, rec); err != nil {
			return UsageSessionRecord{}, fmt.Errorf("%w: extending session %s: %v", ErrStoreUnavailable, rec.SessionID, err)
		}
		metrics.SessionsExtended.WithLabelValues(string(target.ID)).Inc()
		a.logger.Debug().
			Str("target", string(target.ID)).
			Str("session", string(rec.SessionID)).
			Int64("total_seconds", rec.TotalSeconds).
			Msg("Extended session")
		return rec, nil

	case err != nil && !IsNotFound(err):
		return UsageSessionRecord{}, fmt.Errorf("%w: loading latest session for %s: %v", ErrStoreUnavailable, target.ID, err)
	}

	rec = UsageSessionRecord{
		SessionID:    SessionID(uuid.NewString()),
		TargetID:     target.ID,
		SessionStart: now.Add(-time.Duration(deltaSeconds) * time.Second),
		SessionEnd:   now,
		TotalSeconds: deltaSeconds,
		EarnedPoints: PointsForTarget(deltaSeconds, target),
		Category:     target.Category,
		Synced:       false,
	}

	if err := a.store.AppendOrExtendSession(ctx, rec); err != nil {
		return UsageSessionRecord{}, fmt.Errorf("%w: creating session for %s: %v", ErrStoreUnavailable, target.ID, err)
	}
	metrics.SessionsStarted.WithLabelValues(string(target.ID)).Inc()
	a.logger.Info().
		Str("target", string(target.ID)).
		Str("session", string(rec.SessionID)).
		Time("start", rec.SessionStart).
		Msg("Started session")
	return rec, nil
}
