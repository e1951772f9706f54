// Package metrics exposes Prometheus instrumentation for the accounting
// engine. Counters are registered at init and served by StartServer.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Envelope metrics
	EnvelopesAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardtime_envelopes_accepted_total",
			Help: "Notification envelopes accepted by the validator",
		},
		[]string{"target"},
	)

	EnvelopesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardtime_envelopes_rejected_total",
			Help: "Notification envelopes rejected by the validator",
		},
		[]string{"target", "reason"},
	)

	PhantomDeltas = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardtime_phantom_deltas_total",
			Help: "Accepted envelopes whose delta clamped to zero (phantom re-fires)",
		},
		[]string{"target"},
	)

	InvalidTargetEnvelopes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rewardtime_invalid_target_envelopes_total",
			Help: "Envelopes referencing unknown or disabled targets",
		},
	)

	// Ledger metrics
	SecondsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardtime_seconds_recorded_total",
			Help: "Usage seconds applied to ledgers",
		},
		[]string{"target"},
	)

	DayRollovers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rewardtime_day_rollovers_total",
			Help: "Lazy day-rollover resets performed",
		},
	)

	// Session metrics
	SessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardtime_sessions_started_total",
			Help: "New usage session records created",
		},
		[]string{"target"},
	)

	SessionsExtended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardtime_sessions_extended_total",
			Help: "Existing usage session records extended in place",
		},
		[]string{"target"},
	)

	// Re-arm metrics
	Rearms = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardtime_rearms_total",
			Help: "Re-arm commands issued to the external notifier",
		},
		[]string{"target", "outcome"},
	)

	SelfHealRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rewardtime_selfheal_runs_total",
			Help: "Periodic self-heal sweeps completed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		EnvelopesAccepted,
		EnvelopesRejected,
		PhantomDeltas,
		InvalidTargetEnvelopes,
		SecondsRecorded,
		DayRollovers,
		SessionsStarted,
		SessionsExtended,
		Rearms,
		SelfHealRuns,
	)
}

// StartServer serves /metrics on the given port in a background goroutine.
func StartServer(port int, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Int("port", port).Msg("Metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return srv
}
