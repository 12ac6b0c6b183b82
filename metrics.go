package pnet

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for packet traffic. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
	connections     prometheus.Gauge
	protocolErrors  prometheus.Counter
}

// NewMetrics creates the collectors under namespace and registers them with
// reg. A nil reg skips registration.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Packets written to connections, by packet type.",
		}, []string{"type"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets decoded from connections, by packet type.",
		}, []string{"type"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Frame bytes written, headers included.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Frame bytes read, headers included.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Connections currently in the connected state.",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Malformed or truncated frames that closed a connection.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.packetsSent, m.packetsReceived, m.bytesSent,
			m.bytesReceived, m.connections, m.protocolErrors)
	}
	return m
}

func (m *Metrics) sent(p Packet) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(p.typ.String()).Inc()
	m.bytesSent.Add(float64(HeaderLen + len(p.data)))
}

func (m *Metrics) received(p Packet) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(p.typ.String()).Inc()
	m.bytesReceived.Add(float64(HeaderLen + len(p.data)))
}

func (m *Metrics) connected() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) disconnected() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) protocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}
