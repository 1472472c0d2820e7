package metrics

import (
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Counter names.
const (
	TxOpened        = "tx_opened"
	TxCommitted     = "tx_committed"
	TxAborted       = "tx_aborted"
	TxFailed        = "tx_failed"
	RequestsInline  = "requests_inline"
	RequestsQueued  = "requests_queued"
	RequestsDropped = "requests_dropped"
	ScanRuns        = "scan_runs"
	ScanRounds      = "scan_rounds"
	CursorMoves     = "cursor_moves"
	WALAppends      = "wal_appends"
	SQLPages        = "sql_pages"
)

// All counters live in one vector labelled by name so call sites keep the
// simple Inc(name) form.
var (
	registry = prometheus.NewRegistry()

	events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unidb",
		Name:      "events_total",
		Help:      "Count of transaction, request and cursor events by name.",
	}, []string{"name"})

	handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
)

func init() {
	registry.MustRegister(events)
}

// Inc increments a counter by 1.
func Inc(name string) {
	Add(name, 1)
}

// Add adds delta to a counter. Counters only grow; non-positive deltas are ignored.
func Add(name string, delta int64) {
	if delta <= 0 {
		return
	}
	events.WithLabelValues(name).Add(float64(delta))
}

// Get returns the current value of a counter.
func Get(name string) int64 {
	var m dto.Metric
	if err := events.WithLabelValues(name).Write(&m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

// Registry exposes the registry for callers that want to add collectors.
func Registry() *prometheus.Registry {
	return registry
}

// Handler serves all metrics in the Prometheus text format.
func Handler(w http.ResponseWriter, r *http.Request) {
	handler.ServeHTTP(w, r)
}

// WriteText writes every metric in the Prometheus text format.
func WriteText(w io.Writer) error {
	families, err := registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
