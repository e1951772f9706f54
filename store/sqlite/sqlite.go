/*
Package sqlite provides the SQLite-backed implementation of engine.Store.

PURPOSE:
  The durable half of the engine's split-brain model: the long-lived
  accounting process and the short-lived notifier reaction context share
  no memory and coordinate exclusively through this store plus a
  best-effort wake-up signal. Every method is crash-safe for a single
  target; nothing is transactional across targets, matching the
  engine's contract.

KEY TABLES:
  targets:          Monitored application configuration (never deleted)
  usage_ledgers:    Authoritative per-target counters, one row per target
  threshold_states: The armed threshold + generation, one row per target
  usage_sessions:   Aggregated session records for the sync layer

WAL MODE:
  Opened with WAL so the reader-heavy UI path never blocks the writer.

CONCURRENCY:
  sync.RWMutex on top of the single connection. The coordinator already
  serializes writes per target; the mutex only guards the connection.

SEE ALSO:
  - engine/store.go: interface definition
  - engine/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/keeptime/reward-engine/engine"
)

// Store implements engine.Store on SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a store backed by the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS targets (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		points_per_minute INTEGER NOT NULL DEFAULT 0,
		multiplier TEXT NOT NULL DEFAULT '1',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage_ledgers (
		target_id TEXT PRIMARY KEY REFERENCES targets(id),
		total_seconds_lifetime INTEGER NOT NULL DEFAULT 0,
		today_seconds INTEGER NOT NULL DEFAULT 0,
		today_points INTEGER NOT NULL DEFAULT 0,
		last_reset_date TEXT NOT NULL,
		last_applied_generation INTEGER NOT NULL DEFAULT 0,
		last_updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS threshold_states (
		target_id TEXT PRIMARY KEY REFERENCES targets(id),
		current_threshold_seconds INTEGER NOT NULL,
		generation INTEGER NOT NULL,
		increment_seconds INTEGER NOT NULL,
		armed_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage_sessions (
		session_id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL REFERENCES targets(id),
		session_start TEXT NOT NULL,
		session_end TEXT NOT NULL,
		total_seconds INTEGER NOT NULL,
		earned_points INTEGER NOT NULL,
		category TEXT NOT NULL,
		synced BOOLEAN NOT NULL DEFAULT FALSE
	);

	-- Latest-session lookup (hot path: one query per accepted delta)
	CREATE INDEX IF NOT EXISTS idx_sessions_target_end
		ON usage_sessions(target_id, session_end DESC);

	-- Sync layer scan
	CREATE INDEX IF NOT EXISTS idx_sessions_unsynced
		ON usage_sessions(synced) WHERE synced = FALSE;

	-- Cross-view consistency queries
	CREATE INDEX IF NOT EXISTS idx_sessions_target_start
		ON usage_sessions(target_id, session_start);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGERS
// =============================================================================

func (s *Store) GetLedger(ctx context.Context, id engine.TargetID) (engine.UsageLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		entry     engine.UsageLedgerEntry
		resetDate string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT target_id, total_seconds_lifetime, today_seconds, today_points,
		       last_reset_date, last_applied_generation, last_updated_at
		FROM usage_ledgers WHERE target_id = ?`, id,
	).Scan(&entry.TargetID, &entry.TotalSecondsLifetime, &entry.TodaySeconds,
		&entry.TodayPoints, &resetDate, &entry.LastAppliedGeneration, &updatedAt)
	if err == sql.ErrNoRows {
		return engine.UsageLedgerEntry{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.UsageLedgerEntry{}, fmt.Errorf("failed to load ledger: %w", err)
	}

	entry.LastResetDate, err = engine.ParseLocalDate(resetDate)
	if err != nil {
		return engine.UsageLedgerEntry{}, fmt.Errorf("corrupt reset date %q: %w", resetDate, err)
	}
	entry.LastUpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return engine.UsageLedgerEntry{}, err
	}
	return entry, nil
}

func (s *Store) PutLedger(ctx context.Context, entry engine.UsageLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_ledgers
		(target_id, total_seconds_lifetime, today_seconds, today_points,
		 last_reset_date, last_applied_generation, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(target_id) DO UPDATE SET
			total_seconds_lifetime = excluded.total_seconds_lifetime,
			today_seconds = excluded.today_seconds,
			today_points = excluded.today_points,
			last_reset_date = excluded.last_reset_date,
			last_applied_generation = excluded.last_applied_generation,
			last_updated_at = excluded.last_updated_at`,
		entry.TargetID, entry.TotalSecondsLifetime, entry.TodaySeconds, entry.TodayPoints,
		entry.LastResetDate.String(), entry.LastAppliedGeneration, formatTime(entry.LastUpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to persist ledger: %w", err)
	}
	return nil
}

// =============================================================================
// THRESHOLD STATES
// =============================================================================

func (s *Store) GetThreshold(ctx context.Context, id engine.TargetID) (engine.ThresholdState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		state   engine.ThresholdState
		armedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT target_id, current_threshold_seconds, generation, increment_seconds, armed_at
		FROM threshold_states WHERE target_id = ?`, id,
	).Scan(&state.TargetID, &state.CurrentThresholdSeconds, &state.Generation,
		&state.IncrementSeconds, &armedAt)
	if err == sql.ErrNoRows {
		return engine.ThresholdState{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.ThresholdState{}, fmt.Errorf("failed to load threshold state: %w", err)
	}
	state.ArmedAt, err = parseTime(armedAt)
	if err != nil {
		return engine.ThresholdState{}, err
	}
	return state, nil
}

func (s *Store) PutThreshold(ctx context.Context, state engine.ThresholdState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threshold_states
		(target_id, current_threshold_seconds, generation, increment_seconds, armed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(target_id) DO UPDATE SET
			current_threshold_seconds = excluded.current_threshold_seconds,
			generation = excluded.generation,
			increment_seconds = excluded.increment_seconds,
			armed_at = excluded.armed_at`,
		state.TargetID, state.CurrentThresholdSeconds, state.Generation,
		state.IncrementSeconds, formatTime(state.ArmedAt))
	if err != nil {
		return fmt.Errorf("failed to persist threshold state: %w", err)
	}
	return nil
}

// =============================================================================
// TARGETS
// =============================================================================

func (s *Store) GetTarget(ctx context.Context, id engine.TargetID) (engine.MonitoredTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, category, points_per_minute, multiplier, enabled, created_at, updated_at
		FROM targets WHERE id = ?`, id)
	target, err := scanTarget(row)
	if err == sql.ErrNoRows {
		return engine.MonitoredTarget{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.MonitoredTarget{}, fmt.Errorf("failed to load target: %w", err)
	}
	return target, nil
}

func (s *Store) PutTarget(ctx context.Context, target engine.MonitoredTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO targets
		(id, category, points_per_minute, multiplier, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			points_per_minute = excluded.points_per_minute,
			multiplier = excluded.multiplier,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		target.ID, target.Category, target.PointsPerMinute,
		target.EffectiveMultiplier().String(), target.Enabled,
		formatTime(target.CreatedAt), formatTime(target.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to persist target: %w", err)
	}
	return nil
}

func (s *Store) ListTargets(ctx context.Context) ([]engine.MonitoredTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, points_per_minute, multiplier, enabled, created_at, updated_at
		FROM targets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer rows.Close()

	var targets []engine.MonitoredTarget
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		targets = append(targets, target)
	}
	return targets, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTarget(row scannable) (engine.MonitoredTarget, error) {
	var (
		target     engine.MonitoredTarget
		multiplier string
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&target.ID, &target.Category, &target.PointsPerMinute,
		&multiplier, &target.Enabled, &createdAt, &updatedAt)
	if err != nil {
		return target, err
	}
	target.Multiplier, err = decimal.NewFromString(multiplier)
	if err != nil {
		return target, fmt.Errorf("corrupt multiplier %q: %w", multiplier, err)
	}
	if target.CreatedAt, err = parseTime(createdAt); err != nil {
		return target, err
	}
	if target.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return target, err
	}
	return target, nil
}

// =============================================================================
// SESSIONS
// =============================================================================

func (s *Store) LatestSession(ctx context.Context, id engine.TargetID) (engine.UsageSessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, target_id, session_start, session_end,
		       total_seconds, earned_points, category, synced
		FROM usage_sessions WHERE target_id = ?
		ORDER BY session_end DESC LIMIT 1`, id)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return engine.UsageSessionRecord{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.UsageSessionRecord{}, fmt.Errorf("failed to load latest session: %w", err)
	}
	return rec, nil
}

func (s *Store) AppendOrExtendSession(ctx context.Context, rec engine.UsageSessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_sessions
		(session_id, target_id, session_start, session_end,
		 total_seconds, earned_points, category, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			session_end = excluded.session_end,
			total_seconds = excluded.total_seconds,
			earned_points = excluded.earned_points,
			synced = excluded.synced`,
		rec.SessionID, rec.TargetID, formatTime(rec.SessionStart), formatTime(rec.SessionEnd),
		rec.TotalSeconds, rec.EarnedPoints, rec.Category, rec.Synced)
	if err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

func (s *Store) SessionsOverlapping(ctx context.Context, id engine.TargetID, from, to time.Time) ([]engine.UsageSessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, target_id, session_start, session_end,
		       total_seconds, earned_points, category, synced
		FROM usage_sessions
		WHERE target_id = ? AND session_end >= ? AND session_start < ?
		ORDER BY session_start ASC`,
		id, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *Store) UnsyncedSessions(ctx context.Context) ([]engine.UsageSessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, target_id, session_start, session_end,
		       total_seconds, earned_points, category, synced
		FROM usage_sessions WHERE synced = FALSE
		ORDER BY session_start ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *Store) MarkSynced(ctx context.Context, id engine.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE usage_sessions SET synced = TRUE WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark session synced: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return engine.ErrNotFound
	}
	return nil
}

func collectSessions(rows *sql.Rows) ([]engine.UsageSessionRecord, error) {
	var result []engine.UsageSessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func scanSession(row scannable) (engine.UsageSessionRecord, error) {
	var (
		rec   engine.UsageSessionRecord
		start string
		end   string
	)
	err := row.Scan(&rec.SessionID, &rec.TargetID, &start, &end,
		&rec.TotalSeconds, &rec.EarnedPoints, &rec.Category, &rec.Synced)
	if err != nil {
		return rec, err
	}
	if rec.SessionStart, err = parseTime(start); err != nil {
		return rec, err
	}
	if rec.SessionEnd, err = parseTime(end); err != nil {
		return rec, err
	}
	return rec, nil
}

// =============================================================================
// TIME ENCODING
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}
