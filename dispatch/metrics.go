package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the sequencer's prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	executed    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	queued      *prometheus.GaugeVec
	coalesced   prometheus.Counter
	ackTimeouts prometheus.Counter
	pauseDepth  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg, if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "airbrush_requests_total",
			Help: "Requests executed by the sequencer.",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "airbrush_request_duration_seconds",
			Help:    "Time spent executing requests.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 120},
		}, []string{"kind"}),
		queued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "airbrush_requests_queued",
			Help: "Requests waiting, by priority.",
		}, []string{"priority"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "airbrush_requests_coalesced_total",
			Help: "Pending requests replaced by a newer one with the same key.",
		}),
		ackTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "airbrush_ack_timeouts_total",
			Help: "Commands whose acknowledgement never arrived.",
		}),
		pauseDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "airbrush_updates_pause_depth",
			Help: "Current nesting depth of update pauses.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.executed, m.duration, m.queued, m.coalesced, m.ackTimeouts, m.pauseDepth)
	}
	return m
}

func (m *Metrics) observe(kind Kind, res Result) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !res.OK {
		outcome = "error"
	}
	m.executed.WithLabelValues(kind.String(), outcome).Inc()
	m.duration.WithLabelValues(kind.String()).Observe(res.Duration().Seconds())
}

func (m *Metrics) setQueued(p Priority, n int) {
	if m == nil {
		return
	}
	m.queued.WithLabelValues(p.String()).Set(float64(n))
}

func (m *Metrics) coalesce() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

func (m *Metrics) ackTimeout() {
	if m == nil {
		return
	}
	m.ackTimeouts.Inc()
}

func (m *Metrics) paused(depth int) {
	if m == nil {
		return
	}
	m.pauseDepth.Set(float64(depth))
}
