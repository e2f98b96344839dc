package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Handshake failure reasons used as metric labels. Kept to a fixed set so
// label cardinality stays bounded.
const (
	failureRead      = "read"
	failureMalformed = "malformed"
	failureCapacity  = "capacity"
	failureNotFound  = "not_found"
	failureBusy      = "busy"
	failureClosing   = "closing"
	failureJoin      = "join_failed"
)

// metrics holds the Prometheus collectors for one server instance.
type metrics struct {
	activeClients      prometheus.Gauge
	clientConnects     prometheus.Counter
	clientDisconnects  prometheus.Counter
	activeMailboxes    prometheus.Gauge
	mailboxesCreated   prometheus.Counter
	mailboxesDestroyed prometheus.Counter
	pairings           prometheus.Counter
	relayedMessages    prometheus.Counter
	relayedBytes       prometheus.Counter
	handshakeFailures  *prometheus.CounterVec
}

// newMetrics registers the collectors with reg under the given namespace.
func newMetrics(namespace string, reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		activeClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_clients",
			Help:      "Number of connected clients",
		}),

		clientConnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_connects_total",
			Help:      "Client connect events",
		}),

		clientDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_disconnects_total",
			Help:      "Client disconnect events",
		}),

		activeMailboxes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_mailboxes",
			Help:      "Number of open mailboxes (waiting and paired)",
		}),

		mailboxesCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailboxes_created_total",
			Help:      "Mailbox creation events",
		}),

		mailboxesDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailboxes_destroyed_total",
			Help:      "Mailbox destruction events",
		}),

		pairings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairings_total",
			Help:      "Successful waiting-to-paired transitions",
		}),

		relayedMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_messages_total",
			Help:      "Messages accepted for relaying",
		}),

		relayedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Payload bytes accepted for relaying",
		}),

		handshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Handshakes that ended in a silent close, by reason",
		}, []string{"reason"}),
	}
}

func (m *metrics) recordConnect() {
	m.activeClients.Inc()
	m.clientConnects.Inc()
}

func (m *metrics) recordDisconnect() {
	m.activeClients.Dec()
	m.clientDisconnects.Inc()
}

func (m *metrics) recordMailboxCreated() {
	m.activeMailboxes.Inc()
	m.mailboxesCreated.Inc()
}

func (m *metrics) recordMailboxDestroyed() {
	m.activeMailboxes.Dec()
	m.mailboxesDestroyed.Inc()
}

func (m *metrics) recordPairing() {
	m.pairings.Inc()
}

func (m *metrics) recordRelayed(bytes int) {
	m.relayedMessages.Inc()
	m.relayedBytes.Add(float64(bytes))
}

func (m *metrics) recordHandshakeFailure(reason string) {
	m.handshakeFailures.WithLabelValues(reason).Inc()
}
