/*
coordinator.go - Pipeline orchestration and per-target state machine

PURPOSE:
  Receives raw notification envelopes and drives the full cycle:
  validation -> ledger update -> session aggregation -> re-arm. The
  pipeline runs single-flight per target; two overlapping cycles for the
  same target could double-apply a delta or mint conflicting generations.

STATE MACHINE (per target):
  Idle -> Scheduling -> Armed -> Processing -> Scheduling -> ...
  Suspended is entered when the host is backgrounded and usage may keep
  accruing invisibly; Resume transitions Suspended -> Scheduling
  unconditionally, treated exactly like a delayed notification. Stopped
  (guardian disable) is the only terminal state; re-enabling starts a
  fresh generation lineage on top of the preserved ledger.

ORDERING GUARANTEE:
  The ledger is updated synchronously BEFORE the possibly slow, possibly
  failing re-arm call, so UI snapshots advance immediately and a failed
  re-arm never rolls anything back.

SELF-HEAL:
  A periodic background sweep re-arms every active target as a safety net
  against silently dropped notifications. It is the system's steady-state
  heartbeat and is intentionally unbounded.

SEE ALSO:
  - validator.go, ledger.go, sessions.go, scheduler.go
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/retry"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/keeptime/reward-engine/metrics"
)

// =============================================================================
// STATES
// =============================================================================

type State int

const (
	StateIdle State = iota
	StateScheduling
	StateArmed
	StateProcessing
	StateSuspended
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduling:
		return "scheduling"
	case StateArmed:
		return "armed"
	case StateProcessing:
		return "processing"
	case StateSuspended:
		return "suspended"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// targetGuard is the single-flight lock plus state for one target.
type targetGuard struct {
	mu    sync.Mutex
	state State
}

// =============================================================================
// COORDINATOR
// =============================================================================

const (
	// DefaultSelfHealInterval paces the periodic re-arm safety net.
	DefaultSelfHealInterval = 15 * time.Minute

	// rearmRetryFloor/Ceil bound the in-cycle backoff on a failed arm
	// call. After maxRearmAttempts the cycle gives up and leaves the
	// target for the self-heal sweep.
	rearmRetryFloor  = 250 * time.Millisecond
	rearmRetryCeil   = 5 * time.Second
	maxRearmAttempts = 4
)

type Coordinator struct {
	store      Store
	ledger     *Ledger
	aggregator *Aggregator
	scheduler  *Scheduler
	validator  *Validator
	clock      Clock
	logger     zerolog.Logger

	selfHealInterval time.Duration
	ticker           *time.Ticker
	stop             chan struct{}
	wg               sync.WaitGroup
	startMu          sync.Mutex

	guardsMu sync.Mutex
	guards   map[TargetID]*targetGuard
}

// Options tunes the engine; zero values fall back to defaults.
type Options struct {
	IncrementSeconds  int64
	AggregationWindow time.Duration
	SelfHealInterval  time.Duration
}

// NewCoordinator wires the full engine around a store and a notifier.
func NewCoordinator(store Store, notifier ThresholdNotifier, clock Clock, opts Options, logger zerolog.Logger) *Coordinator {
	if clock == nil {
		clock = SystemClock{}
	}
	if opts.SelfHealInterval <= 0 {
		opts.SelfHealInterval = DefaultSelfHealInterval
	}

	scheduler := NewScheduler(store, notifier, clock, opts.IncrementSeconds, logger)
	c := &Coordinator{
		store:            store,
		ledger:           NewLedger(store, clock, logger),
		aggregator:       NewAggregator(store, clock, opts.AggregationWindow, logger),
		scheduler:        scheduler,
		validator:        NewValidator(scheduler, logger),
		clock:            clock,
		logger:           logger.With().Str("component", "coordinator").Logger(),
		selfHealInterval: opts.SelfHealInterval,
		stop:             make(chan struct{}),
		guards:           make(map[TargetID]*targetGuard),
	}
	return c
}

func (c *Coordinator) guard(id TargetID) *targetGuard {
	c.guardsMu.Lock()
	defer c.guardsMu.Unlock()
	g, ok := c.guards[id]
	if !ok {
		g = &targetGuard{state: StateIdle}
		c.guards[id] = g
	}
	return g
}

// TargetState reports the state machine position for a target.
func (c *Coordinator) TargetState(id TargetID) State {
	g := c.guard(id)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// =============================================================================
// NOTIFICATION PIPELINE
// =============================================================================

// HandleNotification is the inbound entry point for one threshold-crossing
// delivery. Rejections return their sentinel error so callers can log or
// count them; every rejection is recovered and fatal to nothing.
func (c *Coordinator) HandleNotification(ctx context.Context, env NotificationEnvelope) error {
	g := c.guard(env.TargetID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateStopped {
		metrics.InvalidTargetEnvelopes.Inc()
		return fmt.Errorf("%w: %s is stopped", ErrInvalidTarget, env.TargetID)
	}

	target, err := c.store.GetTarget(ctx, env.TargetID)
	if err != nil {
		if IsNotFound(err) {
			metrics.InvalidTargetEnvelopes.Inc()
			return fmt.Errorf("%w: %s", ErrInvalidTarget, env.TargetID)
		}
		return fmt.Errorf("%w: loading target %s: %v", ErrStoreUnavailable, env.TargetID, err)
	}
	if !target.Enabled {
		metrics.InvalidTargetEnvelopes.Inc()
		return fmt.Errorf("%w: %s is disabled", ErrInvalidTarget, env.TargetID)
	}

	threshold, err := c.store.GetThreshold(ctx, env.TargetID)
	if err != nil {
		if !IsNotFound(err) {
			return fmt.Errorf("%w: loading threshold for %s: %v", ErrStoreUnavailable, env.TargetID, err)
		}
		// No generation lineage exists yet, so no envelope can be
		// current; accepting against the zero value would let a forged
		// generation-0 envelope through.
		metrics.EnvelopesRejected.WithLabelValues(string(env.TargetID), "unarmed").Inc()
		return fmt.Errorf("%w: no armed threshold for %s", ErrStaleGeneration, env.TargetID)
	}

	ledgerView, err := c.ledger.Current(ctx, env.TargetID)
	if err != nil {
		return err
	}

	verdict := c.validator.Validate(env, threshold, ledgerView)
	switch verdict.Kind {
	case VerdictRejectStale:
		return fmt.Errorf("%w: envelope generation %d, armed %d for %s",
			ErrStaleGeneration, env.Generation, threshold.Generation, env.TargetID)
	case VerdictRejectDuplicate:
		return fmt.Errorf("%w: sequence %d for %s",
			ErrDuplicateDelivery, env.SequenceNumber, env.TargetID)
	}

	g.state = StateProcessing

	// Ledger first: the snapshot must advance before the re-arm call,
	// and a zero delta still persists rollover and generation.
	entry, err := c.ledger.Apply(ctx, target, verdict.DeltaSeconds, env.Generation)
	if err != nil {
		g.state = StateIdle
		return err
	}

	if verdict.DeltaSeconds > 0 {
		if _, err := c.aggregator.Record(ctx, target, verdict.DeltaSeconds); err != nil {
			// The ledger already holds the truth; a session write failure
			// costs sync granularity, not correctness.
			c.logger.Error().Err(err).Str("target", string(env.TargetID)).Msg("Session aggregation failed")
		}
	}

	g.state = StateScheduling
	if err := c.rearm(ctx, env.TargetID, entry); err != nil {
		c.logger.Error().Err(err).Str("target", string(env.TargetID)).Msg("Re-arm failed, deferring to self-heal")
		return nil
	}
	g.state = StateArmed
	return nil
}

// rearm mints one new generation and retries only the arm command with
// backoff, so repeated attempts never produce conflicting generations.
func (c *Coordinator) rearm(ctx context.Context, id TargetID, entry UsageLedgerEntry) error {
	state, err := c.scheduler.Rearm(ctx, id, entry)
	if err == nil {
		metrics.Rearms.WithLabelValues(string(id), "ok").Inc()
		return nil
	}
	if !errors.Is(err, ErrSchedulingFailure) {
		metrics.Rearms.WithLabelValues(string(id), "error").Inc()
		return err
	}

	r := retry.New(rearmRetryFloor, rearmRetryCeil)
	for attempt := 1; attempt < maxRearmAttempts && r.Wait(ctx); attempt++ {
		if err = c.scheduler.Arm(ctx, state); err == nil {
			metrics.Rearms.WithLabelValues(string(id), "ok").Inc()
			return nil
		}
	}
	metrics.Rearms.WithLabelValues(string(id), "failed").Inc()
	return err
}

// =============================================================================
// LIFECYCLE - Suspend / Resume / self-heal
// =============================================================================

// Suspend marks every active target: the host is backgrounded and usage
// may continue accruing at the OS level without deliveries reaching us.
func (c *Coordinator) Suspend() {
	c.guardsMu.Lock()
	guards := make([]*targetGuard, 0, len(c.guards))
	for _, g := range c.guards {
		guards = append(guards, g)
	}
	c.guardsMu.Unlock()

	for _, g := range guards {
		g.mu.Lock()
		if g.state != StateStopped {
			g.state = StateSuspended
		}
		g.mu.Unlock()
	}
	c.logger.Info().Msg("Suspended")
}

// Resume re-arms every enabled target unconditionally. A resume is
// indistinguishable from a long-delayed notification: the ledger holds
// the last known truth and a fresh threshold is armed on top of it.
func (c *Coordinator) Resume(ctx context.Context) error {
	targets, err := c.store.ListTargets(ctx)
	if err != nil {
		return fmt.Errorf("%w: listing targets: %v", ErrStoreUnavailable, err)
	}

	var firstErr error
	for _, target := range targets {
		if !target.Enabled {
			continue
		}
		if err := c.RearmTarget(ctx, target.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.logger.Info().Int("targets", len(targets)).Msg("Resumed")
	return firstErr
}

// RearmTarget runs one proactive re-arm cycle for a target under its
// single-flight guard, without an envelope.
func (c *Coordinator) RearmTarget(ctx context.Context, id TargetID) error {
	g := c.guard(id)
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateStopped {
		return nil
	}

	entry, err := c.ledger.Current(ctx, id)
	if err != nil {
		return err
	}

	g.state = StateScheduling
	if err := c.rearm(ctx, id, entry); err != nil {
		return err
	}
	g.state = StateArmed
	return nil
}

// Start launches the periodic self-heal sweep. Safe to call once.
func (c *Coordinator) Start(ctx context.Context) {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.ticker = time.NewTicker(c.selfHealInterval)
	c.wg.Add(1)
	go c.run(ctx)
	c.logger.Info().Dur("interval", c.selfHealInterval).Msg("Self-heal sweep started")
}

// Close stops the self-heal sweep and waits for it to exit.
func (c *Coordinator) Close() {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if c.ticker != nil {
		c.ticker.Stop()
		close(c.stop)
		c.wg.Wait()
		c.ticker = nil
		c.logger.Info().Msg("Self-heal sweep stopped")
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	// Sweep immediately on start: process launch doubles as a resume.
	c.selfHeal(ctx)

	for {
		select {
		case <-c.ticker.C:
			c.selfHeal(ctx)
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// selfHeal re-arms every enabled, non-stopped target. Dropped wake-ups
// and failed arm calls all converge back to armed here.
func (c *Coordinator) selfHeal(ctx context.Context) {
	targets, err := c.store.ListTargets(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Self-heal: listing targets failed")
		return
	}

	healed := 0
	for _, target := range targets {
		if !target.Enabled {
			continue
		}
		if err := c.RearmTarget(ctx, target.ID); err != nil {
			c.logger.Error().Err(err).Str("target", string(target.ID)).Msg("Self-heal: re-arm failed")
			continue
		}
		healed++
	}
	metrics.SelfHealRuns.Inc()
	if healed > 0 {
		c.logger.Debug().Int("targets", healed).Msg("Self-heal sweep complete")
	}
}

// =============================================================================
// GUARDIAN CONFIGURATION
// =============================================================================

// SetTarget creates or updates a monitored target. Rate changes affect
// only future reward calculations; points already persisted on closed
// sessions are never recomputed. Disabling cancels the pending arm and
// parks the target in Stopped; re-enabling starts a fresh generation
// lineage on the preserved ledger, never resetting any counter.
func (c *Coordinator) SetTarget(ctx context.Context, id TargetID, category Category, pointsPerMinute int, multiplier decimal.Decimal, enabled bool) (MonitoredTarget, error) {
	if pointsPerMinute < 0 {
		return MonitoredTarget{}, fmt.Errorf("points per minute must be non-negative, got %d", pointsPerMinute)
	}

	now := c.clock.Now()
	target, err := c.store.GetTarget(ctx, id)
	if err != nil {
		if !IsNotFound(err) {
			return MonitoredTarget{}, fmt.Errorf("%w: loading target %s: %v", ErrStoreUnavailable, id, err)
		}
		target = MonitoredTarget{ID: id, CreatedAt: now}
	}

	target.Category = category
	target.PointsPerMinute = pointsPerMinute
	target.Multiplier = multiplier
	target.Enabled = enabled
	target.UpdatedAt = now

	if err := c.store.PutTarget(ctx, target); err != nil {
		return MonitoredTarget{}, fmt.Errorf("%w: persisting target %s: %v", ErrStoreUnavailable, id, err)
	}

	if !enabled {
		return target, c.stopTarget(ctx, id)
	}

	g := c.guard(id)
	g.mu.Lock()
	if g.state == StateStopped {
		g.state = StateIdle
	}
	g.mu.Unlock()

	if err := c.RearmTarget(ctx, id); err != nil {
		c.logger.Error().Err(err).Str("target", string(id)).Msg("Initial arm failed, deferring to self-heal")
	}
	return target, nil
}

func (c *Coordinator) stopTarget(ctx context.Context, id TargetID) error {
	g := c.guard(id)
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = StateStopped
	c.validator.Forget(id)

	if err := c.scheduler.Disarm(ctx, id); err != nil {
		c.logger.Error().Err(err).Str("target", string(id)).Msg("Disarm failed")
		return err
	}
	c.logger.Info().Str("target", string(id)).Msg("Monitoring stopped")
	return nil
}

// =============================================================================
// READ API
// =============================================================================

// Snapshot returns the single-source-of-truth counters for a target.
func (c *Coordinator) Snapshot(ctx context.Context, id TargetID) (Snapshot, error) {
	return c.ledger.Snapshot(ctx, id)
}

// Targets lists all configured targets.
func (c *Coordinator) Targets(ctx context.Context) ([]MonitoredTarget, error) {
	return c.store.ListTargets(ctx)
}

// UnsyncedSessions returns the records the sync layer still has to upload.
func (c *Coordinator) UnsyncedSessions(ctx context.Context) ([]UsageSessionRecord, error) {
	return c.store.UnsyncedSessions(ctx)
}

// MarkSynced flips the synced flag after a successful upload.
func (c *Coordinator) MarkSynced(ctx context.Context, id SessionID) error {
	return c.store.MarkSynced(ctx, id)
}
