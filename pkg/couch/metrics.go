package couch

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the client-side collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	requests  *prometheus.CounterVec
	bulkDocs  *prometheus.CounterVec
	conflicts prometheus.Counter
	rounds    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "couchfine",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Requests sent to the store, by method and status code.",
		}, []string{"method", "code"}),
		bulkDocs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "couchfine",
			Subsystem: "client",
			Name:      "bulk_documents_total",
			Help:      "Documents submitted through _bulk_docs, by outcome.",
		}, []string{"outcome"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "couchfine",
			Subsystem: "client",
			Name:      "conflicts_total",
			Help:      "Per-document conflicts met while syncing.",
		}),
		rounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "couchfine",
			Subsystem: "client",
			Name:      "sync_rounds",
			Help:      "Bulk rounds needed for a create-or-update sync to converge.",
			Buckets:   []float64{1, 2, 3, 4, 8, 16},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.bulkDocs, m.conflicts, m.rounds)
	}
	return m
}

func (m *Metrics) observeRequest(method string, code int) {
	if m == nil {
		return
	}
	m.requests.With(prometheus.Labels{"method": method, "code": strconv.Itoa(code)}).Inc()
}

func (m *Metrics) observeBulk(results []Result) {
	if m == nil {
		return
	}
	for _, r := range results {
		outcome := "ok"
		if !r.OK() {
			outcome = r.Error
		}
		m.bulkDocs.With(prometheus.Labels{"outcome": outcome}).Inc()
	}
}

func (m *Metrics) observeConflicts(n int) {
	if m == nil {
		return
	}
	m.conflicts.Add(float64(n))
}

func (m *Metrics) observeRounds(n int) {
	if m == nil {
		return
	}
	m.rounds.Observe(float64(n))
}
