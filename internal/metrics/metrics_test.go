package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register must tolerate existing collectors: %v", err)
	}
}

func TestObserveCycleNormalisesOutcome(t *testing.T) {
	before := testutil.ToFloat64(cyclesTotal.WithLabelValues(OutcomeSuccess))
	ObserveCycle(-time.Second, "bogus")
	if got := testutil.ToFloat64(cyclesTotal.WithLabelValues(OutcomeSuccess)); got != before+1 {
		t.Fatalf("expected unknown outcome to count as success, got %v", got-before)
	}

	staleBefore := testutil.ToFloat64(cyclesTotal.WithLabelValues(OutcomeStale))
	ObserveCycle(time.Millisecond, OutcomeStale)
	if got := testutil.ToFloat64(cyclesTotal.WithLabelValues(OutcomeStale)); got != staleBefore+1 {
		t.Fatalf("expected stale cycle to be counted")
	}
}

func TestHealthScoreLifecycle(t *testing.T) {
	SetHealthScore("checkout", 42.5)
	if got := testutil.ToFloat64(healthScore.WithLabelValues("checkout")); got != 42.5 {
		t.Fatalf("expected 42.5, got %v", got)
	}
	ForgetService("checkout")
	if n := testutil.CollectAndCount(healthScore); n != 0 {
		t.Fatalf("expected series to be removed, got %d", n)
	}
}

func TestOutOfOrderSamplesIgnoresNonPositive(t *testing.T) {
	before := testutil.ToFloat64(outOfOrderSamplesTotal)
	OutOfOrderSamples(0)
	OutOfOrderSamples(3)
	if got := testutil.ToFloat64(outOfOrderSamplesTotal); got != before+3 {
		t.Fatalf("expected +3, got %v", got-before)
	}
}
