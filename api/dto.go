/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for the HTTP surface. These decouple the engine's
  domain types from the wire contract: field names can evolve without
  touching the engine, and guardian input is validated here before it
  reaches the coordinator.

SEE ALSO:
  - handlers.go: uses these types
*/
package api

import (
	"time"

	"github.com/keeptime/reward-engine/engine"
)

// TargetDTO represents a monitored target in API responses.
type TargetDTO struct {
	ID              string `json:"id"`
	Category        string `json:"category"`
	PointsPerMinute int    `json:"points_per_minute"`
	Multiplier      string `json:"multiplier"`
	Enabled         bool   `json:"enabled"`
	CreatedAt       string `json:"created_at,omitempty"`
	UpdatedAt       string `json:"updated_at,omitempty"`
}

// SetTargetRequest is the guardian configuration payload.
type SetTargetRequest struct {
	Category        string  `json:"category"`
	PointsPerMinute int     `json:"points_per_minute"`
	Multiplier      *string `json:"multiplier,omitempty"`
	Enabled         bool    `json:"enabled"`
}

// SessionDTO represents an aggregated usage session.
type SessionDTO struct {
	SessionID    string `json:"session_id"`
	TargetID     string `json:"target_id"`
	SessionStart string `json:"session_start"`
	SessionEnd   string `json:"session_end"`
	TotalSeconds int64  `json:"total_seconds"`
	EarnedPoints int64  `json:"earned_points"`
	Category     string `json:"category"`
	Synced       bool   `json:"synced"`
}

// NotificationRequest is the envelope posted by the notifier bridge. The
// body only suggests "check this": the validator decides what counts.
type NotificationRequest struct {
	TargetID                  string `json:"target_id"`
	Generation                int64  `json:"generation"`
	ReportedCumulativeSeconds int64  `json:"reported_cumulative_seconds"`
	SequenceNumber            uint64 `json:"sequence_number"`
}

func toTargetDTO(t engine.MonitoredTarget) TargetDTO {
	return TargetDTO{
		ID:              string(t.ID),
		Category:        string(t.Category),
		PointsPerMinute: t.PointsPerMinute,
		Multiplier:      t.EffectiveMultiplier().String(),
		Enabled:         t.Enabled,
		CreatedAt:       formatTime(t.CreatedAt),
		UpdatedAt:       formatTime(t.UpdatedAt),
	}
}

func toSessionDTO(rec engine.UsageSessionRecord) SessionDTO {
	return SessionDTO{
		SessionID:    string(rec.SessionID),
		TargetID:     string(rec.TargetID),
		SessionStart: formatTime(rec.SessionStart),
		SessionEnd:   formatTime(rec.SessionEnd),
		TotalSeconds: rec.TotalSeconds,
		EarnedPoints: rec.EarnedPoints,
		Category:     string(rec.Category),
		Synced:       rec.Synced,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
