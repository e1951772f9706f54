/*
scheduler.go - Threshold computation and notifier re-arming

PURPOSE:
  Decides the next cumulative value to arm the external notifier at and
  assigns each arm its generation. The next threshold is always derived
  from the engine's own ledger (todaySeconds + incrementSeconds), never
  from a value the notifier itself reported: feeding the notifier's
  cumulative counter back into itself is how phantom feedback loops
  start.

ORDERING:
  The new (threshold, generation) pair persists BEFORE the arm command is
  issued. If the process dies between the two, the worst case is an armed
  notifier whose generation the store already knows about; the reverse
  order could accept a notification against a generation that was never
  recorded.

GRACE CACHE:
  Superseded generations are remembered in a bounded LRU for a short
  period so in-flight notifications from the epoch just replaced classify
  as stale rather than unknown.

SEE ALSO:
  - coordinator.go: triggers re-arms after accepts, on resume, and on the
    periodic self-heal sweep
*/
package engine

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const (
	// DefaultGenerationGrace is how long a superseded generation stays
	// classifiable as stale rather than unknown.
	DefaultGenerationGrace = 10 * time.Minute

	// generationCacheSize bounds the grace cache. A target produces one
	// superseded generation per re-arm, so this covers hours of traffic
	// across a realistic target set.
	generationCacheSize = 1024
)

type graceKey struct {
	Target     TargetID
	Generation int64
}

type Scheduler struct {
	store            Store
	notifier         ThresholdNotifier
	clock            Clock
	incrementSeconds int64
	grace            time.Duration
	recent           *lru.Cache[graceKey, time.Time]
	logger           zerolog.Logger
}

func NewScheduler(store Store, notifier ThresholdNotifier, clock Clock, incrementSeconds int64, logger zerolog.Logger) *Scheduler {
	if incrementSeconds <= 0 {
		incrementSeconds = DefaultIncrementSeconds
	}
	recent, _ := lru.New[graceKey, time.Time](generationCacheSize)
	return &Scheduler{
		store:            store,
		notifier:         notifier,
		clock:            clock,
		incrementSeconds: incrementSeconds,
		grace:            DefaultGenerationGrace,
		recent:           recent,
		logger:           logger.With().Str("component", "scheduler").Logger(),
	}
}

// Rearm computes the next threshold from the ledger view, bumps the
// generation, persists the pair, and only then issues the arm command.
// The returned state is the one persisted even when the arm call failed;
// the caller retries the arm without re-persisting.
func (s *Scheduler) Rearm(ctx context.Context, id TargetID, ledger UsageLedgerEntry) (ThresholdState, error) {
	prev, err := s.store.GetThreshold(ctx, id)
	if err != nil && !IsNotFound(err) {
		return ThresholdState{}, fmt.Errorf("%w: loading threshold for %s: %v", ErrStoreUnavailable, id, err)
	}

	next := ThresholdState{
		TargetID:                id,
		CurrentThresholdSeconds: ledger.TodaySeconds + s.incrementSeconds,
		Generation:              prev.Generation + 1,
		IncrementSeconds:        s.incrementSeconds,
		ArmedAt:                 s.clock.Now(),
	}

	if err := s.store.PutThreshold(ctx, next); err != nil {
		return ThresholdState{}, fmt.Errorf("%w: persisting threshold for %s: %v", ErrStoreUnavailable, id, err)
	}

	if prev.Generation > 0 {
		s.recent.Add(graceKey{Target: id, Generation: prev.Generation}, s.clock.Now())
	}

	if err := s.Arm(ctx, next); err != nil {
		return next, err
	}
	return next, nil
}

// Arm issues the arm command for an already-persisted threshold state.
// Split from Rearm so retries do not mint new generations.
func (s *Scheduler) Arm(ctx context.Context, state ThresholdState) error {
	if err := s.notifier.Arm(ctx, state.TargetID, state.CurrentThresholdSeconds, state.Generation); err != nil {
		return &SchedulingError{
			TargetID:   state.TargetID,
			Generation: state.Generation,
			Threshold:  state.CurrentThresholdSeconds,
			Err:        err,
		}
	}
	s.logger.Debug().
		Str("target", string(state.TargetID)).
		Int64("threshold_seconds", state.CurrentThresholdSeconds).
		Int64("generation", state.Generation).
		Msg("Armed notifier")
	return nil
}

// Disarm cancels the pending arm and drops generation tracking for the
// target, so in-flight notifications arriving afterwards are rejected.
func (s *Scheduler) Disarm(ctx context.Context, id TargetID) error {
	for _, k := range s.recent.Keys() {
		if k.Target == id {
			s.recent.Remove(k)
		}
	}
	if err := s.notifier.Disarm(ctx, id); err != nil {
		return &SchedulingError{TargetID: id, Err: err}
	}
	s.logger.Info().Str("target", string(id)).Msg("Disarmed notifier")
	return nil
}

// KnownGeneration implements GenerationTracker for the validator.
func (s *Scheduler) KnownGeneration(id TargetID, generation int64) bool {
	armedAt, ok := s.recent.Get(graceKey{Target: id, Generation: generation})
	if !ok {
		return false
	}
	return s.clock.Now().Sub(armedAt) <= s.grace
}
