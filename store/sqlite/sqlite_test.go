package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keeptime/reward-engine/engine"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func ts(h, m, s int) time.Time {
	return time.Date(2026, 3, 10, h, m, s, 0, time.UTC)
}

// seedTarget satisfies the foreign keys on ledgers and sessions.
func seedTarget(t *testing.T, store *Store, id engine.TargetID) {
	t.Helper()
	require.NoError(t, store.PutTarget(context.Background(), engine.MonitoredTarget{
		ID: id, Category: engine.CategoryLearning, PointsPerMinute: 10,
		Enabled: true, CreatedAt: ts(8, 0, 0), UpdatedAt: ts(8, 0, 0),
	}))
}

func TestStore_TargetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	target := engine.MonitoredTarget{
		ID:              "app",
		Category:        engine.CategoryLearning,
		PointsPerMinute: 10,
		Multiplier:      decimal.RequireFromString("1.5"),
		Enabled:         true,
		CreatedAt:       ts(9, 0, 0),
		UpdatedAt:       ts(9, 0, 0),
	}
	require.NoError(t, store.PutTarget(ctx, target))

	got, err := store.GetTarget(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, target.ID, got.ID)
	assert.Equal(t, target.Category, got.Category)
	assert.Equal(t, target.PointsPerMinute, got.PointsPerMinute)
	assert.True(t, target.Multiplier.Equal(got.Multiplier))
	assert.True(t, got.Enabled)
	assert.True(t, target.CreatedAt.Equal(got.CreatedAt))
}

func TestStore_GetTargetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetTarget(context.Background(), "missing")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestStore_PutTargetUpsertPreservesCreatedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	original := engine.MonitoredTarget{
		ID: "app", Category: engine.CategoryLearning, PointsPerMinute: 10,
		Enabled: true, CreatedAt: ts(9, 0, 0), UpdatedAt: ts(9, 0, 0),
	}
	require.NoError(t, store.PutTarget(ctx, original))

	updated := original
	updated.PointsPerMinute = 20
	updated.Enabled = false
	updated.UpdatedAt = ts(10, 0, 0)
	require.NoError(t, store.PutTarget(ctx, updated))

	got, err := store.GetTarget(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, 20, got.PointsPerMinute)
	assert.False(t, got.Enabled)
	assert.True(t, original.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, updated.UpdatedAt.Equal(got.UpdatedAt))
}

func TestStore_ListTargetsOrderedByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []engine.TargetID{"zebra", "alpha", "mid"} {
		require.NoError(t, store.PutTarget(ctx, engine.MonitoredTarget{
			ID: id, Category: engine.CategoryReward, Enabled: true,
			CreatedAt: ts(9, 0, 0), UpdatedAt: ts(9, 0, 0),
		}))
	}

	targets, err := store.ListTargets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 3)
	assert.Equal(t, engine.TargetID("alpha"), targets[0].ID)
	assert.Equal(t, engine.TargetID("mid"), targets[1].ID)
	assert.Equal(t, engine.TargetID("zebra"), targets[2].ID)
}

func TestStore_LedgerRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedTarget(t, store, "app")

	entry := engine.UsageLedgerEntry{
		TargetID:              "app",
		TotalSecondsLifetime:  3600,
		TodaySeconds:          300,
		TodayPoints:           50,
		LastResetDate:         engine.LocalDate{Year: 2026, Month: 3, Day: 10},
		LastAppliedGeneration: 7,
		LastUpdatedAt:         ts(12, 0, 0),
	}
	require.NoError(t, store.PutLedger(ctx, entry))

	got, err := store.GetLedger(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, entry.TotalSecondsLifetime, got.TotalSecondsLifetime)
	assert.Equal(t, entry.TodaySeconds, got.TodaySeconds)
	assert.Equal(t, entry.TodayPoints, got.TodayPoints)
	assert.Equal(t, entry.LastResetDate, got.LastResetDate)
	assert.Equal(t, entry.LastAppliedGeneration, got.LastAppliedGeneration)
	assert.True(t, entry.LastUpdatedAt.Equal(got.LastUpdatedAt))
}

func TestStore_LedgerUpsertOverwritesCounters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedTarget(t, store, "app")

	first := engine.UsageLedgerEntry{
		TargetID: "app", TodaySeconds: 60, TotalSecondsLifetime: 60,
		LastResetDate: engine.LocalDate{Year: 2026, Month: 3, Day: 10},
		LastUpdatedAt: ts(12, 0, 0),
	}
	require.NoError(t, store.PutLedger(ctx, first))

	second := first
	second.TodaySeconds = 120
	second.TotalSecondsLifetime = 120
	second.TodayPoints = 20
	require.NoError(t, store.PutLedger(ctx, second))

	got, err := store.GetLedger(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, int64(120), got.TodaySeconds)
	assert.Equal(t, int64(20), got.TodayPoints)
}

func TestStore_GetLedgerNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetLedger(context.Background(), "missing")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestStore_ThresholdRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedTarget(t, store, "app")

	state := engine.ThresholdState{
		TargetID:                "app",
		CurrentThresholdSeconds: 360,
		Generation:              6,
		IncrementSeconds:        60,
		ArmedAt:                 ts(12, 5, 0),
	}
	require.NoError(t, store.PutThreshold(ctx, state))

	got, err := store.GetThreshold(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, state.CurrentThresholdSeconds, got.CurrentThresholdSeconds)
	assert.Equal(t, state.Generation, got.Generation)
	assert.Equal(t, state.IncrementSeconds, got.IncrementSeconds)
	assert.True(t, state.ArmedAt.Equal(got.ArmedAt))

	state.Generation = 7
	state.CurrentThresholdSeconds = 420
	require.NoError(t, store.PutThreshold(ctx, state))

	got, err = store.GetThreshold(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Generation)
}

func TestStore_SessionUpsertByID(t *testing.T) {
	// The aggregator extends a session by writing the same session_id
	// with a later end and larger totals.

	store := newTestStore(t)
	ctx := context.Background()
	seedTarget(t, store, "app")

	rec := engine.UsageSessionRecord{
		SessionID:    "sess-1",
		TargetID:     "app",
		SessionStart: ts(12, 0, 0),
		SessionEnd:   ts(12, 1, 0),
		TotalSeconds: 60,
		EarnedPoints: 10,
		Category:     engine.CategoryLearning,
	}
	require.NoError(t, store.AppendOrExtendSession(ctx, rec))

	rec.SessionEnd = ts(12, 2, 0)
	rec.TotalSeconds = 120
	rec.EarnedPoints = 20
	require.NoError(t, store.AppendOrExtendSession(ctx, rec))

	got, err := store.LatestSession(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, engine.SessionID("sess-1"), got.SessionID)
	assert.Equal(t, int64(120), got.TotalSeconds)
	assert.Equal(t, int64(20), got.EarnedPoints)
	assert.True(t, rec.SessionStart.Equal(got.SessionStart))
	assert.True(t, rec.SessionEnd.Equal(got.SessionEnd))
}

func TestStore_LatestSessionPicksMostRecentEnd(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedTarget(t, store, "app")

	old := engine.UsageSessionRecord{
		SessionID: "sess-old", TargetID: "app",
		SessionStart: ts(9, 0, 0), SessionEnd: ts(9, 10, 0),
		TotalSeconds: 600, Category: engine.CategoryLearning,
	}
	recent := engine.UsageSessionRecord{
		SessionID: "sess-new", TargetID: "app",
		SessionStart: ts(12, 0, 0), SessionEnd: ts(12, 1, 0),
		TotalSeconds: 60, Category: engine.CategoryLearning,
	}
	require.NoError(t, store.AppendOrExtendSession(ctx, old))
	require.NoError(t, store.AppendOrExtendSession(ctx, recent))

	got, err := store.LatestSession(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, engine.SessionID("sess-new"), got.SessionID)

	_, err = store.LatestSession(ctx, "other")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestStore_SessionsOverlappingWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedTarget(t, store, "app")

	morning := engine.UsageSessionRecord{
		SessionID: "sess-morning", TargetID: "app",
		SessionStart: ts(9, 0, 0), SessionEnd: ts(9, 10, 0),
		TotalSeconds: 600, Category: engine.CategoryLearning,
	}
	noon := engine.UsageSessionRecord{
		SessionID: "sess-noon", TargetID: "app",
		SessionStart: ts(12, 0, 0), SessionEnd: ts(12, 5, 0),
		TotalSeconds: 300, Category: engine.CategoryLearning,
	}
	require.NoError(t, store.AppendOrExtendSession(ctx, morning))
	require.NoError(t, store.AppendOrExtendSession(ctx, noon))

	// Window covering only the noon session.
	got, err := store.SessionsOverlapping(ctx, "app", ts(11, 0, 0), ts(13, 0, 0))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, engine.SessionID("sess-noon"), got[0].SessionID)

	// Window covering the whole day, ordered by start.
	got, err = store.SessionsOverlapping(ctx, "app", ts(0, 0, 0), ts(23, 59, 59))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, engine.SessionID("sess-morning"), got[0].SessionID)
}

func TestStore_UnsyncedAndMarkSynced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedTarget(t, store, "app")

	a := engine.UsageSessionRecord{
		SessionID: "sess-a", TargetID: "app",
		SessionStart: ts(9, 0, 0), SessionEnd: ts(9, 5, 0),
		TotalSeconds: 300, Category: engine.CategoryLearning,
	}
	b := engine.UsageSessionRecord{
		SessionID: "sess-b", TargetID: "app",
		SessionStart: ts(10, 0, 0), SessionEnd: ts(10, 5, 0),
		TotalSeconds: 300, Category: engine.CategoryLearning,
	}
	require.NoError(t, store.AppendOrExtendSession(ctx, a))
	require.NoError(t, store.AppendOrExtendSession(ctx, b))

	unsynced, err := store.UnsyncedSessions(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 2)

	require.NoError(t, store.MarkSynced(ctx, "sess-a"))

	unsynced, err = store.UnsyncedSessions(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, engine.SessionID("sess-b"), unsynced[0].SessionID)

	assert.ErrorIs(t, store.MarkSynced(ctx, "sess-missing"), engine.ErrNotFound)
}

func TestStore_CorruptRowsSurfaceErrors(t *testing.T) {
	// Corrupt timestamps and multipliers must fail the read, not decay
	// into zero values.

	store := newTestStore(t)
	ctx := context.Background()
	seedTarget(t, store, "app")

	require.NoError(t, store.PutLedger(ctx, engine.UsageLedgerEntry{
		TargetID: "app", TodaySeconds: 60, TotalSecondsLifetime: 60,
		LastResetDate: engine.LocalDate{Year: 2026, Month: 3, Day: 10},
		LastUpdatedAt: ts(12, 0, 0),
	}))
	require.NoError(t, store.PutThreshold(ctx, engine.ThresholdState{
		TargetID: "app", CurrentThresholdSeconds: 120, Generation: 1,
		IncrementSeconds: 60, ArmedAt: ts(12, 0, 0),
	}))

	_, err := store.db.Exec(`UPDATE targets SET multiplier = 'banana' WHERE id = 'app'`)
	require.NoError(t, err)
	_, err = store.GetTarget(ctx, "app")
	assert.ErrorContains(t, err, "corrupt multiplier")

	_, err = store.db.Exec(`UPDATE usage_ledgers SET last_updated_at = 'yesterday-ish' WHERE target_id = 'app'`)
	require.NoError(t, err)
	_, err = store.GetLedger(ctx, "app")
	assert.ErrorContains(t, err, "corrupt timestamp")

	_, err = store.db.Exec(`UPDATE threshold_states SET armed_at = '???' WHERE target_id = 'app'`)
	require.NoError(t, err)
	_, err = store.GetThreshold(ctx, "app")
	assert.ErrorContains(t, err, "corrupt timestamp")
}

func TestStore_ZeroMultiplierStoredAsIdentity(t *testing.T) {
	// A target written with the zero-value multiplier reads back as 1;
	// the effective rate never silently becomes zero.

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutTarget(ctx, engine.MonitoredTarget{
		ID: "app", Category: engine.CategoryLearning, PointsPerMinute: 10,
		Enabled: true, CreatedAt: ts(9, 0, 0), UpdatedAt: ts(9, 0, 0),
	}))

	got, err := store.GetTarget(ctx, "app")
	require.NoError(t, err)
	assert.True(t, got.Multiplier.Equal(decimal.NewFromInt(1)))
}
