package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector on a Prometheus registry.
type PrometheusCollector struct {
	cyclesTotal      *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
	messagesSwept    prometheus.Counter
	sendersProcessed *prometheus.CounterVec
	conflictsTotal   prometheus.Counter
	streamReconnects prometheus.Counter
}

// NewPrometheusCollector registers all mailroom metrics on reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailroom_cycles_total",
			Help: "Total number of triage cycles run.",
		}, []string{"trigger", "result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailroom_cycle_duration_seconds",
			Help:    "Wall-clock duration of triage cycles.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		messagesSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailroom_messages_swept_total",
			Help: "Total messages moved out of the screening mailbox.",
		}),
		sendersProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailroom_senders_processed_total",
			Help: "Per-sender pipeline outcomes.",
		}, []string{"outcome"}),
		conflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailroom_conflicts_total",
			Help: "Messages flagged for carrying more than one action label.",
		}),
		streamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailroom_stream_reconnects_total",
			Help: "Push stream disconnects that triggered a reconnect.",
		}),
	}

	reg.MustRegister(
		c.cyclesTotal,
		c.cycleDuration,
		c.messagesSwept,
		c.sendersProcessed,
		c.conflictsTotal,
		c.streamReconnects,
	)
	return c
}

func (c *PrometheusCollector) CycleCompleted(trigger string, success bool, durationSeconds float64) {
	result := "error"
	if success {
		result = "success"
	}
	c.cyclesTotal.WithLabelValues(trigger, result).Inc()
	c.cycleDuration.Observe(durationSeconds)
}

func (c *PrometheusCollector) MessagesSwept(count int) {
	c.messagesSwept.Add(float64(count))
}

func (c *PrometheusCollector) SenderProcessed(outcome string) {
	c.sendersProcessed.WithLabelValues(outcome).Inc()
}

func (c *PrometheusCollector) ConflictDetected(count int) {
	c.conflictsTotal.Add(float64(count))
}

func (c *PrometheusCollector) StreamReconnected() {
	c.streamReconnects.Inc()
}

var _ Collector = (*PrometheusCollector)(nil)
var _ Collector = NoopCollector{}
