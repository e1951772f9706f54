package engine

import "github.com/shopspring/decimal"

// =============================================================================
// REWARD CALCULATOR - Pure points derivation
// =============================================================================

// Points converts recorded seconds into reward points. Whole-minute
// flooring is intentional: partial minutes never award partial points.
// Because the result is always re-derived from a running total rather
// than accumulated incrementally, recomputation is idempotent no matter
// how many times a session record is mutated.
func Points(seconds int64, pointsPerMinute int) int64 {
	if seconds < 0 || pointsPerMinute < 0 {
		return 0
	}
	return (seconds / 60) * int64(pointsPerMinute)
}

// PointsForTarget applies the target's rate and multiplier. The multiplier
// scales the whole-minute base and the result floors to integer points, so
// a multiplier of 1 reproduces Points exactly.
func PointsForTarget(seconds int64, target MonitoredTarget) int64 {
	base := Points(seconds, target.PointsPerMinute)
	mult := target.EffectiveMultiplier()
	if mult.Equal(decimal.NewFromInt(1)) {
		return base
	}
	return decimal.NewFromInt(base).Mul(mult).Floor().IntPart()
}
