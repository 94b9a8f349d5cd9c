package ingestor

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Cycle outcomes used as the "result" label of ingestor_cycles_total.
const (
	resultEmpty       = "empty"
	resultOK          = "ok"
	resultFetchFailed = "fetch_failed"
	resultLoadFailed  = "load_failed"
)

// Metrics are the pipeline's Prometheus collectors.
type Metrics struct {
	cycles       *prometheus.CounterVec
	fetched      prometheus.Counter
	acked        prometheus.Counter
	ackFailures  prometheus.Counter
	refs         prometheus.Counter
	rows         prometheus.Counter
	loadDuration prometheus.Histogram
	state        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_cycles_total",
			Help: "Pipeline cycles by result (empty, ok, fetch_failed, load_failed).",
		}, []string{"result"}),
		fetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_messages_fetched_total",
			Help: "Queue messages received.",
		}),
		acked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_messages_acked_total",
			Help: "Queue messages deleted after a successful commit.",
		}),
		ackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_ack_failures_total",
			Help: "Queue messages that could not be deleted after every ack attempt.",
		}),
		refs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_object_refs_total",
			Help: "Object references handed to the loader.",
		}),
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_rows_loaded_total",
			Help: "Rows committed to the table.",
		}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestor_load_duration_seconds",
			Help:    "Duration of loader calls, successful or not.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_state",
			Help: "Current coordinator state (0 idle, 1 fetching, 2 loading, 3 acknowledging).",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for name, c := range map[string]prometheus.Collector{
		"cycles":        m.cycles,
		"fetched":       m.fetched,
		"acked":         m.acked,
		"ack failures":  m.ackFailures,
		"refs":          m.refs,
		"rows":          m.rows,
		"load duration": m.loadDuration,
		"state":         m.state,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register %s metric: %w", name, err)
		}
	}
	return m, nil
}

func newUnregisteredMetrics() *Metrics {
	m, _ := NewMetrics(nil)
	return m
}
