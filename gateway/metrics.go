package gateway

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the gateway's Prometheus counters/gauges, per SPEC_FULL.md
// §4.5.1. newMetrics (called by New) registers them on the default
// registerer; a later Gateway with the same node id in the same process
// (several tests in one binary) finds them already registered, does not
// panic, and counts into its own unregistered collectors.
type Metrics struct {
	SessionsActive   prometheus.Gauge
	MessagesReceived prometheus.Counter
	MessagesDelivered prometheus.Counter
	MessagesDropped  *prometheus.CounterVec
	SeqnumLatency    prometheus.Histogram
	FrameLossTotal   prometheus.Counter
}

func newMetrics(nodeID uint32) *Metrics {
	labels := prometheus.Labels{"node": strconv.FormatUint(uint64(nodeID), 10)}
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "corechat",
			Subsystem:   "gateway",
			Name:        "sessions_active",
			Help:        "Number of currently connected client sessions.",
			ConstLabels: labels,
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "corechat",
			Subsystem:   "gateway",
			Name:        "messages_received_total",
			Help:        "Messages received from clients.",
			ConstLabels: labels,
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "corechat",
			Subsystem:   "gateway",
			Name:        "messages_delivered_total",
			Help:        "Messages successfully handed to a recipient session or peer gateway.",
			ConstLabels: labels,
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "corechat",
			Subsystem:   "gateway",
			Name:        "messages_dropped_total",
			Help:        "Messages dropped, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		SeqnumLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "corechat",
			Subsystem:   "gateway",
			Name:        "seqnum_assign_seconds",
			Help:        "Latency of assigning a sequence number to a message.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		FrameLossTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "corechat",
			Subsystem:   "gateway",
			Name:        "frame_loss_total",
			Help:        "Garbage bytes skipped while resyncing client frame streams.",
			ConstLabels: labels,
		}),
	}
	for _, c := range []prometheus.Collector{
		m.SessionsActive, m.MessagesReceived, m.MessagesDelivered,
		m.MessagesDropped, m.SeqnumLatency, m.FrameLossTotal,
	} {
		if err := prometheus.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
	return m
}
