// Package metrics exposes DHCP server counters and lease gauges to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lovi-cloud/dhcp4d/dhcpd/wire"
)

const namespace = "dhcp4d"

// Metrics is the set of counters updated by the server loop and the handshake engine.
type Metrics struct {
	received        *prometheus.CounterVec
	sent            *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	poolExhausted   *prometheus.CounterVec
	commitConflicts *prometheus.CounterVec
	swept           prometheus.Counter
	handlerErrors   prometheus.Counter
}

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Decoded client messages by message type.",
		}, []string{"type"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_sent_total",
			Help:      "Replies written to the network by message type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Packets ignored before reaching the handshake engine.",
		}, []string{"reason"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Datagrams that could not be decoded by error kind.",
		}, []string{"kind"}),
		poolExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_exhausted_total",
			Help:      "Allocations that found no free address.",
		}, []string{"subnet_id"}),
		commitConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_conflicts_total",
			Help:      "Lease commits rejected because the address or client was already bound.",
		}, []string{"subnet_id"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_swept_total",
			Help:      "Expired leases deactivated by the sweeper.",
		}),
		handlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Messages left unanswered because of an internal error.",
		}),
	}
	reg.MustRegister(
		m.received,
		m.sent,
		m.dropped,
		m.decodeErrors,
		m.poolExhausted,
		m.commitConflicts,
		m.swept,
		m.handlerErrors,
	)
	return m
}

// Received is
func (m *Metrics) Received(t wire.MessageType) {
	m.received.WithLabelValues(t.String()).Inc()
}

// Sent is
func (m *Metrics) Sent(t wire.MessageType) {
	m.sent.WithLabelValues(t.String()).Inc()
}

// Dropped counts a packet ignored for reason.
func (m *Metrics) Dropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

// DecodeError counts err under its wire.Kind label.
func (m *Metrics) DecodeError(err error) {
	m.decodeErrors.WithLabelValues(wire.Kind(err)).Inc()
}

// PoolExhausted is
func (m *Metrics) PoolExhausted(subnetID int64) {
	m.poolExhausted.WithLabelValues(strconv.FormatInt(subnetID, 10)).Inc()
}

// CommitConflict is
func (m *Metrics) CommitConflict(subnetID int64) {
	m.commitConflicts.WithLabelValues(strconv.FormatInt(subnetID, 10)).Inc()
}

// Swept is
func (m *Metrics) Swept(n int) {
	m.swept.Add(float64(n))
}

// HandlerError is
func (m *Metrics) HandlerError() {
	m.handlerErrors.Inc()
}
