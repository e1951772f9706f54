package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keeptime/reward-engine/engine"
	"github.com/keeptime/reward-engine/engine/store"
)

func TestScheduler_FirstRearmStartsGenerationOne(t *testing.T) {
	// GIVEN: A target with no threshold state yet
	// WHEN: A re-arm runs against an empty ledger
	// THEN: Threshold = increment, generation 1, arm issued with both

	mem := store.NewMemory()
	notifier := &fakeNotifier{}
	clock := newFakeClock(day(2026, 3, 10))
	sched := engine.NewScheduler(mem, notifier, clock, 60, testLogger())

	state, err := sched.Rearm(context.Background(), "app", engine.UsageLedgerEntry{TargetID: "app"})
	require.NoError(t, err)

	assert.Equal(t, int64(60), state.CurrentThresholdSeconds)
	assert.Equal(t, int64(1), state.Generation)
	require.Len(t, notifier.armCalls(), 1)
	assert.Equal(t, armCall{Target: "app", Threshold: 60, Generation: 1}, notifier.lastArm())
}

func TestScheduler_NextThresholdDerivesFromLedger(t *testing.T) {
	// The armed value is todaySeconds + increment. The notifier's own
	// reported cumulative never feeds into it.

	mem := store.NewMemory()
	notifier := &fakeNotifier{}
	sched := engine.NewScheduler(mem, notifier, newFakeClock(day(2026, 3, 10)), 60, testLogger())

	_, err := sched.Rearm(context.Background(), "app", engine.UsageLedgerEntry{TargetID: "app", TodaySeconds: 240})
	require.NoError(t, err)

	assert.Equal(t, int64(300), notifier.lastArm().Threshold)
}

func TestScheduler_ThresholdPersistedBeforeArm(t *testing.T) {
	// GIVEN: A notifier that fails the arm command
	// WHEN: Re-arm runs
	// THEN: The new (threshold, generation) pair is already in the store,
	//       and the returned state lets the caller retry just the arm

	mem := store.NewMemory()
	notifier := &fakeNotifier{failArms: 1}
	sched := engine.NewScheduler(mem, notifier, newFakeClock(day(2026, 3, 10)), 60, testLogger())

	state, err := sched.Rearm(context.Background(), "app", engine.UsageLedgerEntry{TargetID: "app", TodaySeconds: 120})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrSchedulingFailure)

	stored, getErr := mem.GetThreshold(context.Background(), "app")
	require.NoError(t, getErr)
	assert.Equal(t, int64(180), stored.CurrentThresholdSeconds)
	assert.Equal(t, int64(1), stored.Generation)
	assert.Equal(t, stored.Generation, state.Generation)

	// Retrying the arm alone succeeds and mints no new generation.
	require.NoError(t, sched.Arm(context.Background(), state))
	assert.Equal(t, int64(1), notifier.lastArm().Generation)
}

func TestScheduler_GenerationsAreStrictlyIncreasing(t *testing.T) {
	mem := store.NewMemory()
	notifier := &fakeNotifier{}
	sched := engine.NewScheduler(mem, notifier, newFakeClock(day(2026, 3, 10)), 60, testLogger())

	ledger := engine.UsageLedgerEntry{TargetID: "app"}
	for want := int64(1); want <= 4; want++ {
		state, err := sched.Rearm(context.Background(), "app", ledger)
		require.NoError(t, err)
		assert.Equal(t, want, state.Generation)
	}
}

func TestScheduler_SupersededGenerationStaysKnownDuringGrace(t *testing.T) {
	// GIVEN: Generation 1 superseded by generation 2
	// THEN: Gen 1 classifies as known until the grace period lapses;
	//       gen 2 is current, not "recently superseded"

	mem := store.NewMemory()
	notifier := &fakeNotifier{}
	clock := newFakeClock(day(2026, 3, 10))
	sched := engine.NewScheduler(mem, notifier, clock, 60, testLogger())

	ledger := engine.UsageLedgerEntry{TargetID: "app"}
	_, err := sched.Rearm(context.Background(), "app", ledger)
	require.NoError(t, err)
	_, err = sched.Rearm(context.Background(), "app", ledger)
	require.NoError(t, err)

	assert.True(t, sched.KnownGeneration("app", 1))
	assert.False(t, sched.KnownGeneration("app", 2), "current generation is not in the grace cache")

	clock.Advance(engine.DefaultGenerationGrace + time.Second)
	assert.False(t, sched.KnownGeneration("app", 1))
}

func TestScheduler_DisarmDropsGraceEntriesAndCancels(t *testing.T) {
	mem := store.NewMemory()
	notifier := &fakeNotifier{}
	sched := engine.NewScheduler(mem, notifier, newFakeClock(day(2026, 3, 10)), 60, testLogger())

	ledger := engine.UsageLedgerEntry{TargetID: "app"}
	_, err := sched.Rearm(context.Background(), "app", ledger)
	require.NoError(t, err)
	_, err = sched.Rearm(context.Background(), "app", ledger)
	require.NoError(t, err)
	require.True(t, sched.KnownGeneration("app", 1))

	require.NoError(t, sched.Disarm(context.Background(), "app"))

	assert.False(t, sched.KnownGeneration("app", 1))
	assert.Equal(t, []engine.TargetID{"app"}, notifier.disarms)
}

func TestScheduler_ZeroIncrementFallsBackToDefault(t *testing.T) {
	mem := store.NewMemory()
	notifier := &fakeNotifier{}
	sched := engine.NewScheduler(mem, notifier, newFakeClock(day(2026, 3, 10)), 0, testLogger())

	state, err := sched.Rearm(context.Background(), "app", engine.UsageLedgerEntry{TargetID: "app"})
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultIncrementSeconds, state.IncrementSeconds)
	assert.Equal(t, engine.DefaultIncrementSeconds, state.CurrentThresholdSeconds)
}
