package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gasavg/internal/aggregator"
)

var (
	ingestBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gasavg",
		Subsystem: "engine",
		Name:      "ingest_blocks_total",
		Help:      "Count of blocks handed to the engine by outcome.",
	}, []string{"chain", "outcome"})

	ingestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gasavg",
		Subsystem: "engine",
		Name:      "ingest_duration_seconds",
		Help:      "Duration of block ingestion including the store transaction.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"chain", "outcome"})
)

// Ingest tracks engine ingestion for one chain.
type Ingest struct {
	chain string
}

// NewIngest constructs an Ingest recorder.
func NewIngest(chain string) *Ingest {
	if chain == "" {
		chain = "unknown"
	}
	return &Ingest{chain: chain}
}

// ObserveIngest records one ingestion; failed ingestions are labelled "error".
func (m Ingest) ObserveIngest(outcome aggregator.Outcome, err error, started time.Time) {
	label := string(outcome)
	if err != nil || label == "" {
		label = "error"
	}
	ingestBlocksTotal.WithLabelValues(m.chain, label).Inc()
	ingestDuration.WithLabelValues(m.chain, label).Observe(time.Since(started).Seconds())
}

var _ aggregator.IngestMetrics = Ingest{}
