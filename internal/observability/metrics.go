package observability

import (
	"strconv"
	"time"

	"github.com/KevinKickass/SorterBridge/internal/types"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports poll loop and journal measurements to Prometheus.
type Metrics struct {
	cycleDuration  prometheus.Histogram
	cyclesSkipped  *prometheus.CounterVec
	writeFailures  *prometheus.CounterVec
	releases       *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	state          *prometheus.GaugeVec
	journalWritten prometheus.Counter
	journalDropped prometheus.Counter
	journalFailed  prometheus.Counter
}

var states = []string{"DISCONNECTED", "CONNECTING", "RUNNING", "SHUTTING_DOWN", "TERMINATED"}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sorter_cycle_duration_seconds",
			Help:    "Wall time of one read, classify, tick, write cycle.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		cyclesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sorter_cycles_skipped_total",
			Help: "Cycles skipped without tick or write, by reason.",
		}, []string{"reason"}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sorter_output_write_failures_total",
			Help: "Failed controller register writes per channel.",
		}, []string{"channel"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sorter_release_events_total",
			Help: "Classified, dispatched and rejected release entries per channel.",
		}, []string{"kind", "channel"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sorter_queue_length",
			Help: "Pending release entries per channel.",
		}, []string{"channel"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sorter_bridge_state",
			Help: "1 for the current bridge state, 0 otherwise.",
		}, []string{"state"}),
		journalWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sorter_journal_written_total",
			Help: "Release events committed to the journal.",
		}),
		journalDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sorter_journal_dropped_total",
			Help: "Release events dropped because the journal buffer was full.",
		}),
		journalFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sorter_journal_failed_total",
			Help: "Release events lost to failed journal inserts.",
		}),
	}

	reg.MustRegister(
		m.cycleDuration,
		m.cyclesSkipped,
		m.writeFailures,
		m.releases,
		m.queueDepth,
		m.state,
		m.journalWritten,
		m.journalDropped,
		m.journalFailed,
	)
	return m
}

func channelLabel(ch types.Channel) string {
	return strconv.Itoa(int(ch))
}

func (m *Metrics) CycleCompleted(d time.Duration) {
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) CycleSkipped(reason string) {
	m.cyclesSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) WriteFailed(ch types.Channel) {
	m.writeFailures.WithLabelValues(channelLabel(ch)).Inc()
}

func (m *Metrics) Released(kind types.ReleaseEventKind, ch types.Channel) {
	m.releases.WithLabelValues(string(kind), channelLabel(ch)).Inc()
}

func (m *Metrics) QueueDepth(ch types.Channel, depth int) {
	m.queueDepth.WithLabelValues(channelLabel(ch)).Set(float64(depth))
}

func (m *Metrics) StateChanged(state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) JournalWritten(n int) {
	m.journalWritten.Add(float64(n))
}

func (m *Metrics) JournalDropped() {
	m.journalDropped.Inc()
}

func (m *Metrics) JournalFailed(n int) {
	m.journalFailed.Add(float64(n))
}
