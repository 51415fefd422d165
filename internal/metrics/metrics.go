// Package metrics provides Prometheus metrics for the collaboration server and
// the relay worker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OpenRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grimoire_collab_open_rooms",
		Help: "Number of replicas currently held in memory",
	})
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grimoire_collab_connections",
		Help: "Number of open collaboration connections",
	})
	UpdatesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimoire_collab_updates_total",
		Help: "Replica updates merged, by origin",
	}, []string{"origin"})
	Stores = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimoire_collab_stores_total",
		Help: "Replica stores by result",
	}, []string{"result"})
	RelayJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimoire_relay_jobs_total",
		Help: "Relay jobs by outcome",
	}, []string{"outcome"})
	ReconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grimoire_reconcile_duration_seconds",
		Help:    "Duration of reference graph reconciliation in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	}, []string{"result"})
)

// ObserveStore counts one replica store.
func ObserveStore(err error) {
	Stores.WithLabelValues(result(err)).Inc()
}

// ObserveReconcile records one reconciliation.
func ObserveReconcile(d time.Duration, err error) {
	ReconcileDuration.WithLabelValues(result(err)).Observe(d.Seconds())
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
