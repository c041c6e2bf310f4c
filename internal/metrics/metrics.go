// Package metrics holds the server's Prometheus collectors.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	synchronizerItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nebula_synchronizer_items_total",
		Help: "Log items emitted by synchronizers",
	}, []string{"type"})

	synchronizerFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nebula_synchronizer_fetch_duration_seconds",
		Help:    "Duration of synchronizer page reads",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	synchronizerSkippedFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nebula_synchronizer_skipped_fetches_total",
		Help: "Fetch calls that returned early because a fetch was already running",
	}, []string{"type"})

	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nebula_mutations_total",
		Help: "Client mutations processed, by type and status",
	}, []string{"type", "status"})

	realtimeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nebula_realtime_connections",
		Help: "Open synchronization sockets",
	})
)

// ObserveSynchronizerFetch returns a timer for one synchronizer page read.
func ObserveSynchronizerFetch(synchronizerType string) *prometheus.Timer {
	return prometheus.NewTimer(synchronizerFetchDuration.WithLabelValues(synchronizerType))
}

// AddSynchronizerItems counts items emitted by a synchronizer.
func AddSynchronizerItems(synchronizerType string, count int) {
	if count <= 0 {
		return
	}
	synchronizerItemsTotal.WithLabelValues(synchronizerType).Add(float64(count))
}

// IncSkippedFetch counts a fetch rejected by the non-reentrant guard.
func IncSkippedFetch(synchronizerType string) {
	synchronizerSkippedFetches.WithLabelValues(synchronizerType).Inc()
}

// IncMutation counts a mutation outcome.
func IncMutation(mutationType string, status int) {
	mutationsTotal.WithLabelValues(mutationType, strconv.Itoa(status)).Inc()
}

// ConnectionOpened tracks a new realtime socket.
func ConnectionOpened() {
	realtimeConnections.Inc()
}

// ConnectionClosed tracks a closed realtime socket.
func ConnectionClosed() {
	realtimeConnections.Dec()
}
