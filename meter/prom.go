package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/usagemeter"
)

// PromMeter exports session and store metrics to Prometheus.
type PromMeter struct {
	activeSessions  prometheus.Gauge
	sessionsStarted *prometheus.CounterVec
	sessionsEnded   *prometheus.CounterVec
	minutesBilled   *prometheus.CounterVec
	syncTotal       *prometheus.CounterVec
	syncDuration    *prometheus.HistogramVec
}

var _ usagemeter.Meter = (*PromMeter)(nil)

// NewPromMeter creates a PromMeter and registers its collectors with reg.
// It panics if registration fails, like prometheus.MustRegister.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	m := &PromMeter{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "usagemeter",
			Name:      "active_sessions",
			Help:      "Number of sessions currently running.",
		}),
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usagemeter",
			Name:      "sessions_started_total",
			Help:      "Sessions started, by plan.",
		}, []string{"plan"}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usagemeter",
			Name:      "sessions_ended_total",
			Help:      "Sessions ended, by plan and end reason.",
		}, []string{"plan", "reason"}),
		minutesBilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usagemeter",
			Name:      "minutes_billed_total",
			Help:      "Minutes committed to users' usage, by plan.",
		}, []string{"plan"}),
		syncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usagemeter",
			Name:      "store_writes_total",
			Help:      "Durable store writes, by kind, mode and result.",
		}, []string{"kind", "mode", "result"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "usagemeter",
			Name:      "store_write_duration_seconds",
			Help:      "Latency of durable store writes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "mode"}),
	}
	reg.MustRegister(
		m.activeSessions,
		m.sessionsStarted,
		m.sessionsEnded,
		m.minutesBilled,
		m.syncTotal,
		m.syncDuration,
	)
	return m
}

func (m *PromMeter) OnSession(e usagemeter.SessionEvent) {
	plan := string(e.Plan)
	switch e.Kind {
	case usagemeter.SessionStarted:
		m.activeSessions.Inc()
		m.sessionsStarted.WithLabelValues(plan).Inc()
	case usagemeter.SessionEnded:
		m.activeSessions.Dec()
		m.sessionsEnded.WithLabelValues(plan, string(e.Reason)).Inc()
		m.minutesBilled.WithLabelValues(plan).Add(float64(e.Minutes))
	}
}

func (m *PromMeter) OnSync(e usagemeter.SyncEvent) {
	mode := "sync"
	if e.Async {
		mode = "async"
	}
	result := "ok"
	if e.Error != nil {
		result = "error"
	}
	m.syncTotal.WithLabelValues(string(e.Kind), mode, result).Inc()
	m.syncDuration.WithLabelValues(string(e.Kind), mode).Observe(e.Duration.Seconds())
}
