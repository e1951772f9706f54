package engine_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/keeptime/reward-engine/engine"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fakeClock is a settable Clock so rollover and aggregation windows can
// be exercised without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// fakeNotifier records arm/disarm commands and can be made to fail a
// number of arm calls in a row.
type armCall struct {
	Target     engine.TargetID
	Threshold  int64
	Generation int64
}

type fakeNotifier struct {
	mu       sync.Mutex
	arms     []armCall
	disarms  []engine.TargetID
	failArms int
}

func (n *fakeNotifier) Arm(_ context.Context, id engine.TargetID, threshold int64, generation int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failArms > 0 {
		n.failArms--
		return errors.New("threshold facility busy")
	}
	n.arms = append(n.arms, armCall{Target: id, Threshold: threshold, Generation: generation})
	return nil
}

func (n *fakeNotifier) Disarm(_ context.Context, id engine.TargetID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disarms = append(n.disarms, id)
	return nil
}

func (n *fakeNotifier) armCalls() []armCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]armCall, len(n.arms))
	copy(out, n.arms)
	return out
}

func (n *fakeNotifier) lastArm() armCall {
	calls := n.armCalls()
	if len(calls) == 0 {
		return armCall{}
	}
	return calls[len(calls)-1]
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

// day returns noon on the given date; noon keeps same-day arithmetic
// away from midnight in both directions.
func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

func mult(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}
