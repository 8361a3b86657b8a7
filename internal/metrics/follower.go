package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	followerHeadHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gasavg",
		Subsystem: "follower",
		Name:      "head_height",
		Help:      "Latest chain head reported by the RPC node.",
	}, []string{"chain"})

	followerCursorHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gasavg",
		Subsystem: "follower",
		Name:      "cursor_height",
		Help:      "Last height handed to the engine.",
	}, []string{"chain"})

	followerStepTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gasavg",
		Subsystem: "follower",
		Name:      "step_total",
		Help:      "Count of follower polling steps.",
	}, []string{"chain", "status"})

	followerStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gasavg",
		Subsystem: "follower",
		Name:      "step_duration_seconds",
		Help:      "Duration of follower polling steps.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"chain", "status"})

	followerStepHeights = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gasavg",
		Subsystem: "follower",
		Name:      "step_heights",
		Help:      "Number of sampled heights processed per step.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"chain"})
)

// Follower tracks the polling loop of one chain.
type Follower struct {
	chain string
}

// NewFollower constructs a Follower recorder.
func NewFollower(chain string) *Follower {
	if chain == "" {
		chain = "unknown"
	}
	return &Follower{chain: chain}
}

// ObserveHead records the node head and the follower cursor.
func (m Follower) ObserveHead(head, cursor uint64) {
	followerHeadHeight.WithLabelValues(m.chain).Set(float64(head))
	followerCursorHeight.WithLabelValues(m.chain).Set(float64(cursor))
}

// ObserveStep records one polling step.
func (m Follower) ObserveStep(err error, heights int, started time.Time) {
	status := "success"
	if err != nil {
		status = "error"
	}
	followerStepTotal.WithLabelValues(m.chain, status).Inc()
	followerStepDuration.WithLabelValues(m.chain, status).Observe(time.Since(started).Seconds())
	followerStepHeights.WithLabelValues(m.chain).Observe(float64(heights))
}
