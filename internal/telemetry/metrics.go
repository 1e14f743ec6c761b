package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsStarted        = prometheus.NewCounter(prometheus.CounterOpts{Name: "dialer_runs_started_total", Help: "Dialer runs started"})
	RunsFinished       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dialer_runs_finished_total", Help: "Dialer runs reaching a terminal status"}, []string{"status"})
	LegsOriginated     = prometheus.NewCounter(prometheus.CounterOpts{Name: "dialer_legs_originated_total", Help: "Prospect legs placed with the provider"})
	OriginationErrors  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dialer_origination_errors_total", Help: "Synchronous origination failures"}, []string{"retryable"})
	LegsCompleted      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dialer_legs_completed_total", Help: "Legs moved to the completed list by final status"}, []string{"status"})
	BridgeFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "dialer_bridge_failures_total", Help: "Failed agent bridges"})
	EventsProcessed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dialer_provider_events_total", Help: "Provider events applied to a leg"}, []string{"type"})
	EventsDropped      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dialer_provider_events_dropped_total", Help: "Provider events with no matching active leg"}, []string{"reason"})
	DeltasDropped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "dialer_progress_deltas_dropped_total", Help: "Progress deltas dropped for slow subscribers or a full sink"})
	InFlightLegsGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dialer_inflight_legs", Help: "Prospect legs currently dialing or ringing"})
	ActiveRunsGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dialer_active_runs", Help: "Runs that are running or paused"})
	HistoryPersistence = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dialer_history_writes_total", Help: "History worker writes by target and outcome"}, []string{"target", "outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsStarted,
			RunsFinished,
			LegsOriginated,
			OriginationErrors,
			LegsCompleted,
			BridgeFailures,
			EventsProcessed,
			EventsDropped,
			DeltasDropped,
			InFlightLegsGauge,
			ActiveRunsGauge,
			HistoryPersistence,
		)
	})
	return promhttp.Handler()
}
