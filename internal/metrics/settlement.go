package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	settlementQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gasavg",
		Subsystem: "settlement",
		Name:      "queries_total",
		Help:      "Count of settlement queries by source path.",
	}, []string{"path", "status"})

	settlementQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gasavg",
		Subsystem: "settlement",
		Name:      "query_duration_seconds",
		Help:      "Duration of settlement queries by source path.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"path", "status"})
)

// Settlement tracks settlement queries.
type Settlement struct{}

// NewSettlement constructs a Settlement recorder.
func NewSettlement() *Settlement {
	return &Settlement{}
}

// ObserveSettlement records a query outcome and duration.
func (Settlement) ObserveSettlement(path string, err error, started time.Time) {
	if path == "" {
		path = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	settlementQueriesTotal.WithLabelValues(path, status).Inc()
	settlementQueryDuration.WithLabelValues(path, status).Observe(time.Since(started).Seconds())
}
