package subscription

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors statsCounters as Prometheus instruments so the manager
// can be scraped alongside a process's other metrics. Manager always
// updates the atomics and, when Metrics is non-nil, the counters too.
type Metrics struct {
	totalUpdates     prometheus.Counter
	arbOpportunities prometheus.Counter
	messagesReceived prometheus.Counter
	bytesReceived    prometheus.Counter
	resyncs          prometheus.Counter
	unknownEvents    prometheus.Counter
}

// NewMetrics constructs and registers the subscription manager's
// Prometheus instruments against reg. Pass prometheus.NewRegistry() for
// an isolated registry, or prometheus.DefaultRegisterer for the global
// one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		totalUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polyclob",
			Subsystem: "subscription",
			Name:      "total_updates",
			Help:      "Orderbook updates successfully applied.",
		}),
		arbOpportunities: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polyclob",
			Subsystem: "subscription",
			Name:      "arb_opportunities_total",
			Help:      "Rising-edge arbitrage opportunities detected.",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polyclob",
			Subsystem: "subscription",
			Name:      "messages_received_total",
			Help:      "WebSocket frames received, across all event types.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polyclob",
			Subsystem: "subscription",
			Name:      "bytes_received_total",
			Help:      "Raw bytes received over the WebSocket connection.",
		}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polyclob",
			Subsystem: "subscription",
			Name:      "resyncs_total",
			Help:      "RESYNC_NEEDED events handled via REST snapshot refetch.",
		}),
		unknownEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polyclob",
			Subsystem: "subscription",
			Name:      "unknown_events_total",
			Help:      "Inbound frames with an unrecognized event_type.",
		}),
	}

	reg.MustRegister(
		m.totalUpdates,
		m.arbOpportunities,
		m.messagesReceived,
		m.bytesReceived,
		m.resyncs,
		m.unknownEvents,
	)
	return m
}
