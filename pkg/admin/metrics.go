package admin

import (
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/go-analyze/bulk"
)

// HistogramBuckets defines the latency buckets (seconds) used when observing request durations.
var HistogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics is the capture proxy's counter and histogram container, rendered by HandleMetrics.
// It satisfies capture.Metrics.
type Metrics struct {
	sync.Mutex

	Requests       uint64 `json:"requests"`
	Captured       uint64 `json:"captured"`
	Completed      uint64 `json:"completed"`
	UpstreamErrors uint64 `json:"upstream_errors"`
	StorageErrors  uint64 `json:"storage_errors"`

	// Histograms: map outcome -> counts per bucket (non-cumulative)
	HistCounts map[string][]uint64 `json:"hist_counts"`
	HistSum    map[string]float64  `json:"hist_sum"`
	HistTotal  map[string]uint64   `json:"hist_total"`
}

// NewMetrics constructs a Metrics instance with initialized histogram maps.
func NewMetrics() *Metrics {
	return &Metrics{
		HistCounts: make(map[string][]uint64),
		HistSum:    make(map[string]float64),
		HistTotal:  make(map[string]uint64),
	}
}

func (m *Metrics) IncRequests()       { m.Lock(); m.Requests++; m.Unlock() }
func (m *Metrics) IncCaptured()       { m.Lock(); m.Captured++; m.Unlock() }
func (m *Metrics) IncCompleted()      { m.Lock(); m.Completed++; m.Unlock() }
func (m *Metrics) IncUpstreamErrors() { m.Lock(); m.UpstreamErrors++; m.Unlock() }
func (m *Metrics) IncStorageErrors()  { m.Lock(); m.StorageErrors++; m.Unlock() }

// ObserveDuration records a request duration (in seconds) under a named outcome.
// Durations beyond the last bucket only count toward +Inf.
func (m *Metrics) ObserveDuration(outcome string, seconds float64) {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.HistCounts[outcome]; !ok {
		m.HistCounts[outcome] = make([]uint64, len(HistogramBuckets))
	}
	m.HistSum[outcome] += seconds
	m.HistTotal[outcome]++
	for i, b := range HistogramBuckets {
		if seconds <= b {
			m.HistCounts[outcome][i]++
			return
		}
	}
}

// WritePrometheus writes counters, the indexed-records gauge and duration
// histograms in the Prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer, records int) {
	m.Lock()
	defer m.Unlock()

	counter := func(name, help string, v uint64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", name)
		_, _ = fmt.Fprintf(w, "%s %d\n\n", name, v)
	}
	counter("capture_requests_total", "Requests relayed by the proxy", m.Requests)
	counter("capture_recorded_total", "Requests persisted to storage", m.Captured)
	counter("capture_completed_total", "Responses persisted to storage", m.Completed)
	counter("capture_upstream_errors_total", "Errors contacting the upstream server", m.UpstreamErrors)
	counter("capture_storage_errors_total", "Errors persisting requests or responses", m.StorageErrors)

	_, _ = fmt.Fprintf(w, "# HELP capture_records Records in the storage index\n")
	_, _ = fmt.Fprintf(w, "# TYPE capture_records gauge\n")
	_, _ = fmt.Fprintf(w, "capture_records %d\n\n", records)

	_, _ = fmt.Fprintf(w, "# HELP capture_request_duration_seconds Request duration by capture outcome\n")
	_, _ = fmt.Fprintf(w, "# TYPE capture_request_duration_seconds histogram\n")
	outcomes := bulk.MapKeysSlice(m.HistCounts)
	slices.Sort(outcomes)
	for _, outcome := range outcomes {
		counts := m.HistCounts[outcome]
		var cum uint64
		for i, b := range HistogramBuckets {
			cum += counts[i]
			_, _ = fmt.Fprintf(w, "capture_request_duration_seconds_bucket{outcome=%q,le=\"%g\"} %d\n", outcome, b, cum)
		}
		total := m.HistTotal[outcome]
		_, _ = fmt.Fprintf(w, "capture_request_duration_seconds_bucket{outcome=%q,le=\"+Inf\"} %d\n", outcome, total)
		_, _ = fmt.Fprintf(w, "capture_request_duration_seconds_sum{outcome=%q} %g\n", outcome, m.HistSum[outcome])
		_, _ = fmt.Fprintf(w, "capture_request_duration_seconds_count{outcome=%q} %d\n\n", outcome, total)
	}
}
