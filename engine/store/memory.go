// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/keeptime/reward-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu         sync.RWMutex
	ledgers    map[engine.TargetID]engine.UsageLedgerEntry
	thresholds map[engine.TargetID]engine.ThresholdState
	targets    map[engine.TargetID]engine.MonitoredTarget
	sessions   map[engine.SessionID]engine.UsageSessionRecord
}

func NewMemory() *Memory {
	return &Memory{
		ledgers:    make(map[engine.TargetID]engine.UsageLedgerEntry),
		thresholds: make(map[engine.TargetID]engine.ThresholdState),
		targets:    make(map[engine.TargetID]engine.MonitoredTarget),
		sessions:   make(map[engine.SessionID]engine.UsageSessionRecord),
	}
}

func (m *Memory) GetLedger(_ context.Context, id engine.TargetID) (engine.UsageLedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.ledgers[id]
	if !ok {
		return engine.UsageLedgerEntry{}, engine.ErrNotFound
	}
	return entry, nil
}

func (m *Memory) PutLedger(_ context.Context, entry engine.UsageLedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledgers[entry.TargetID] = entry
	return nil
}

func (m *Memory) GetThreshold(_ context.Context, id engine.TargetID) (engine.ThresholdState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.thresholds[id]
	if !ok {
		return engine.ThresholdState{}, engine.ErrNotFound
	}
	return state, nil
}

func (m *Memory) PutThreshold(_ context.Context, state engine.ThresholdState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds[state.TargetID] = state
	return nil
}

func (m *Memory) GetTarget(_ context.Context, id engine.TargetID) (engine.MonitoredTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	target, ok := m.targets[id]
	if !ok {
		return engine.MonitoredTarget{}, engine.ErrNotFound
	}
	return target, nil
}

func (m *Memory) PutTarget(_ context.Context, target engine.MonitoredTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[target.ID] = target
	return nil
}

func (m *Memory) ListTargets(_ context.Context) ([]engine.MonitoredTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	targets := make([]engine.MonitoredTarget, 0, len(m.targets))
	for _, t := range m.targets {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	return targets, nil
}

func (m *Memory) LatestSession(_ context.Context, id engine.TargetID) (engine.UsageSessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest engine.UsageSessionRecord
	found := false
	for _, rec := range m.sessions {
		if rec.TargetID != id {
			continue
		}
		if !found || rec.SessionEnd.After(latest.SessionEnd) {
			latest = rec
			found = true
		}
	}
	if !found {
		return engine.UsageSessionRecord{}, engine.ErrNotFound
	}
	return latest, nil
}

func (m *Memory) AppendOrExtendSession(_ context.Context, rec engine.UsageSessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.SessionID] = rec
	return nil
}

func (m *Memory) SessionsOverlapping(_ context.Context, id engine.TargetID, from, to time.Time) ([]engine.UsageSessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []engine.UsageSessionRecord
	for _, rec := range m.sessions {
		if rec.TargetID != id {
			continue
		}
		if rec.SessionEnd.Before(from) || !rec.SessionStart.Before(to) {
			continue
		}
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SessionStart.Before(result[j].SessionStart) })
	return result, nil
}

func (m *Memory) UnsyncedSessions(_ context.Context) ([]engine.UsageSessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []engine.UsageSessionRecord
	for _, rec := range m.sessions {
		if !rec.Synced {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SessionStart.Before(result[j].SessionStart) })
	return result, nil
}

func (m *Memory) MarkSynced(_ context.Context, id engine.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return engine.ErrNotFound
	}
	rec.Synced = true
	m.sessions[id] = rec
	return nil
}
