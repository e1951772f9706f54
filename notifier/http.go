// Package notifier contains ThresholdNotifier implementations. The HTTP
// notifier talks to the out-of-process bridge that owns the actual OS
// threshold facility; arm and disarm are plain JSON commands, and the
// bridge posts envelopes back to the engine's /api/notifications ingress.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/keeptime/reward-engine/engine"
)

type HTTPNotifier struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

func NewHTTP(baseURL string, logger zerolog.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With().Str("component", "notifier").Logger(),
	}
}

type armCommand struct {
	TargetID         string `json:"target_id"`
	ThresholdSeconds int64  `json:"threshold_seconds"`
	Generation       int64  `json:"generation"`
}

func (n *HTTPNotifier) Arm(ctx context.Context, id engine.TargetID, thresholdSeconds int64, generation int64) error {
	return n.post(ctx, "/arm", armCommand{
		TargetID:         string(id),
		ThresholdSeconds: thresholdSeconds,
		Generation:       generation,
	})
}

func (n *HTTPNotifier) Disarm(ctx context.Context, id engine.TargetID) error {
	return n.post(ctx, "/disarm", map[string]string{"target_id": string(id)})
}

func (n *HTTPNotifier) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s command: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge returned %d for %s", resp.StatusCode, path)
	}
	return nil
}

// Noop discards every command. Used when the daemon runs without a
// bridge (development, replaying recorded envelopes).
type Noop struct{}

func (Noop) Arm(context.Context, engine.TargetID, int64, int64) error { return nil }
func (Noop) Disarm(context.Context, engine.TargetID) error            { return nil }
