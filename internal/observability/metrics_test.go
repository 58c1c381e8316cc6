package observability

import (
	"testing"
	"time"

	"github.com/KevinKickass/SorterBridge/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Released(types.ReleaseEventDispatched, 2)
	m.Released(types.ReleaseEventDispatched, 2)
	m.Released(types.ReleaseEventClassified, 2)
	if got := testutil.ToFloat64(m.releases.WithLabelValues("dispatched", "2")); got != 2 {
		t.Fatalf("expected 2 dispatches on channel 2, got %f", got)
	}

	m.CycleSkipped("read_failed")
	if got := testutil.ToFloat64(m.cyclesSkipped.WithLabelValues("read_failed")); got != 1 {
		t.Fatalf("expected 1 skipped cycle, got %f", got)
	}

	m.WriteFailed(4)
	if got := testutil.ToFloat64(m.writeFailures.WithLabelValues("4")); got != 1 {
		t.Fatalf("expected 1 write failure, got %f", got)
	}

	m.QueueDepth(1, 3)
	if got := testutil.ToFloat64(m.queueDepth.WithLabelValues("1")); got != 3 {
		t.Fatalf("expected queue depth 3, got %f", got)
	}

	m.StateChanged("RUNNING")
	m.StateChanged("SHUTTING_DOWN")
	if got := testutil.ToFloat64(m.state.WithLabelValues("RUNNING")); got != 0 {
		t.Fatalf("previous state must be cleared, got %f", got)
	}
	if got := testutil.ToFloat64(m.state.WithLabelValues("SHUTTING_DOWN")); got != 1 {
		t.Fatalf("expected current state 1, got %f", got)
	}

	m.CycleCompleted(12 * time.Millisecond)
	if samples := testutil.CollectAndCount(m.cycleDuration); samples != 1 {
		t.Fatalf("expected cycle histogram to record 1 sample, got %d", samples)
	}

	m.JournalWritten(5)
	m.JournalDropped()
	m.JournalFailed(2)
	if got := testutil.ToFloat64(m.journalWritten); got != 5 {
		t.Fatalf("expected 5 journal writes, got %f", got)
	}
	if got := testutil.ToFloat64(m.journalDropped); got != 1 {
		t.Fatalf("expected 1 journal drop, got %f", got)
	}
	if got := testutil.ToFloat64(m.journalFailed); got != 2 {
		t.Fatalf("expected 2 journal failures, got %f", got)
	}
}

func TestMetricsRegisterOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected duplicate registration to panic")
		}
	}()
	NewMetrics(reg)
}
