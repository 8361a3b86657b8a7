package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"gasavg/internal/aggregator"
)

func delta(t *testing.T, collector prometheus.Collector, observe func()) float64 {
	t.Helper()

	before := testutil.ToFloat64(collector)
	observe()
	after := testutil.ToFloat64(collector)
	return after - before
}

func TestIngestRecords(t *testing.T) {
	m := NewIngest("")
	start := time.Now().Add(-time.Second)

	if inc := delta(t, ingestBlocksTotal.WithLabelValues("unknown", "applied"), func() {
		m.ObserveIngest(aggregator.OutcomeApplied, nil, start)
	}); inc != 1 {
		t.Fatalf("expected applied counter increment, got %v", inc)
	}

	if inc := delta(t, ingestBlocksTotal.WithLabelValues("unknown", "error"), func() {
		m.ObserveIngest("", errors.New("boom"), start)
	}); inc != 1 {
		t.Fatalf("expected error counter increment, got %v", inc)
	}

	m.ObserveIngest(aggregator.OutcomeSkippedCadence, nil, start)
}

func TestSettlementRecords(t *testing.T) {
	m := NewSettlement()
	start := time.Now().Add(-200 * time.Millisecond)

	if inc := delta(t, settlementQueriesTotal.WithLabelValues("remote_list", "error"), func() {
		m.ObserveSettlement("remote_list", errors.New("oops"), start)
	}); inc != 1 {
		t.Fatalf("expected settlement error increment, got %v", inc)
	}

	if inc := delta(t, settlementQueriesTotal.WithLabelValues("unknown", "success"), func() {
		m.ObserveSettlement("", nil, start)
	}); inc != 1 {
		t.Fatalf("expected settlement success increment, got %v", inc)
	}
}

func TestFollowerRecords(t *testing.T) {
	m := NewFollower("eth")

	m.ObserveHead(1200, 1050)
	if got := testutil.ToFloat64(followerHeadHeight.WithLabelValues("eth")); got != 1200 {
		t.Fatalf("expected head gauge 1200, got %v", got)
	}
	if got := testutil.ToFloat64(followerCursorHeight.WithLabelValues("eth")); got != 1050 {
		t.Fatalf("expected cursor gauge 1050, got %v", got)
	}

	if inc := delta(t, followerStepTotal.WithLabelValues("eth", "success"), func() {
		m.ObserveStep(nil, 3, time.Now())
	}); inc != 1 {
		t.Fatalf("expected step counter increment, got %v", inc)
	}
}
