/*
handlers.go - HTTP handlers over the accounting coordinator

PURPOSE:
  Three surfaces share this router:
  - Read API: snapshots and session export for UI and sync consumers.
    Snapshots are the single source of truth for "today"; this layer
    never derives usage from anything else.
  - Guardian configuration API: target assignment and rate changes.
  - Ingress: the notifier bridge posts envelopes and resume signals
    here. The post is the wake-up; the engine validates everything.

ERROR MAPPING:
  Recovered rejections (stale, duplicate, invalid target) return 200
  with a status body: from the bridge's perspective the delivery
  succeeded and must not be retried. Store unavailability returns 503 so
  the bridge redelivers later.

SEE ALSO:
  - server.go: routing and middleware
  - engine/coordinator.go: everything these handlers delegate to
*/
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/keeptime/reward-engine/engine"
)

type Handler struct {
	coordinator *engine.Coordinator
	logger      zerolog.Logger
}

func NewHandler(coordinator *engine.Coordinator, logger zerolog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// READ API
// =============================================================================

// GetSnapshot returns today's counters and the lifetime total for one
// target.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := engine.TargetID(chi.URLParam(r, "id"))

	snap, err := h.coordinator.Snapshot(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListTargets returns all configured targets.
func (h *Handler) ListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := h.coordinator.Targets(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	dtos := make([]TargetDTO, 0, len(targets))
	for _, t := range targets {
		dtos = append(dtos, toTargetDTO(t))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListUnsyncedSessions returns every session record the sync layer still
// has to upload.
func (h *Handler) ListUnsyncedSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.coordinator.UnsyncedSessions(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	dtos := make([]SessionDTO, 0, len(sessions))
	for _, rec := range sessions {
		dtos = append(dtos, toSessionDTO(rec))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// MarkSessionSynced flips the synced flag after a successful upload.
func (h *Handler) MarkSessionSynced(w http.ResponseWriter, r *http.Request) {
	id := engine.SessionID(chi.URLParam(r, "id"))

	if err := h.coordinator.MarkSynced(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// GUARDIAN CONFIGURATION API
// =============================================================================

// SetTarget creates or updates a monitored target assignment.
func (h *Handler) SetTarget(w http.ResponseWriter, r *http.Request) {
	id := engine.TargetID(chi.URLParam(r, "id"))

	var req SetTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	category := engine.Category(req.Category)
	if category != engine.CategoryLearning && category != engine.CategoryReward {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "category must be learning or reward"})
		return
	}
	if req.PointsPerMinute < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "points_per_minute must be non-negative"})
		return
	}

	multiplier := decimal.NewFromInt(1)
	if req.Multiplier != nil {
		var err error
		multiplier, err = decimal.NewFromString(*req.Multiplier)
		if err != nil || multiplier.IsNegative() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multiplier must be a non-negative decimal"})
			return
		}
	}

	target, err := h.coordinator.SetTarget(r.Context(), id, category, req.PointsPerMinute, multiplier, req.Enabled)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTargetDTO(target))
}

// =============================================================================
// INGRESS - Notifier bridge
// =============================================================================

// PostNotification accepts one threshold-crossing envelope. Recovered
// rejections report 200 so the bridge never retries them.
func (h *Handler) PostNotification(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	env := engine.NotificationEnvelope{
		TargetID:                  engine.TargetID(req.TargetID),
		Generation:                req.Generation,
		ReportedCumulativeSeconds: req.ReportedCumulativeSeconds,
		SequenceNumber:            req.SequenceNumber,
	}

	err := h.coordinator.HandleNotification(r.Context(), env)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
	case engine.IsRecoverable(err):
		h.logger.Debug().Err(err).Str("target", req.TargetID).Msg("Envelope dropped")
		writeJSON(w, http.StatusOK, map[string]string{"status": "dropped", "reason": err.Error()})
	default:
		h.writeError(w, err)
	}
}

// PostResume signals that the host process returned to the foreground;
// every enabled target is re-armed unconditionally.
func (h *Handler) PostResume(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.Resume(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case engine.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case engine.IsRetryable(err):
		// Store outages and failed arm commands are transient; 503 tells
		// the caller to redeliver later.
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		h.logger.Error().Err(err).Msg("Request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
