package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IngestCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ingest_cycles_total", Help: "Ingestion cycles by outcome"},
		[]string{"outcome"},
	)
	SnapshotsWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "snapshots_written_total", Help: "Snapshots accepted by the store"},
	)
	StaleWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "stale_writes_total", Help: "Writes ignored for a non-advancing sequence"},
	)
	// Not labeled by symbol: the tracked universe is unbounded and label
	// cardinality would grow with it.
	SpikeAlertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "spike_alerts_total", Help: "Volume spike alerts emitted"},
	)
	DroppedDeliveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dropped_deliveries_total", Help: "Messages dropped on full subscriber buffers"},
	)
	ConnectedSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "connected_subscribers", Help: "Currently connected subscribers"},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		IngestCyclesTotal,
		SnapshotsWrittenTotal,
		StaleWritesTotal,
		SpikeAlertsTotal,
		DroppedDeliveriesTotal,
		ConnectedSubscribers,
	)
}

// Handler exposes the default registry, mounted on each service's mux.
func Handler() http.Handler {
	return promhttp.Handler()
}
