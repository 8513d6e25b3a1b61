package network

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"rlpxnet/p2p/wire"
)

const meterName = "rlpxnet/p2p/network"

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	peers      prometheus.Gauge
	handshakes *prometheus.CounterVec
	messages   *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	disconnect *prometheus.CounterVec

	handshakeCounter  metric.Int64Counter
	messageCounter    metric.Int64Counter
	disconnectCounter metric.Int64Counter
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			peers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rlpx_p2p_peers",
				Help: "Number of established peer sessions.",
			}),
			handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rlpx_p2p_handshakes_total",
				Help: "Total session setup outcomes.",
			}, []string{"result"}),
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rlpx_p2p_messages_total",
				Help: "Capability messages by direction and capability.",
			}, []string{"direction", "capability"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rlpx_p2p_dropped_messages_total",
				Help: "Inbound messages for agreed capabilities without a subscribed handler.",
			}, []string{"capability"}),
			disconnect: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rlpx_p2p_disconnects_total",
				Help: "Disconnects by reason and initiating side.",
			}, []string{"reason", "initiator"}),
		}
		prometheus.MustRegister(nm.peers, nm.handshakes, nm.messages, nm.dropped, nm.disconnect)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter(meterName)
	fallback := noop.NewMeterProvider().Meter(meterName)

	handshakes, err := meter.Int64Counter("rlpx.p2p.handshakes")
	if err != nil {
		handshakes, _ = fallback.Int64Counter("rlpx.p2p.handshakes")
	}
	messages, err := meter.Int64Counter("rlpx.p2p.messages")
	if err != nil {
		messages, _ = fallback.Int64Counter("rlpx.p2p.messages")
	}
	disconnects, err := meter.Int64Counter("rlpx.p2p.disconnects")
	if err != nil {
		disconnects, _ = fallback.Int64Counter("rlpx.p2p.disconnects")
	}
	m.handshakeCounter = handshakes
	m.messageCounter = messages
	m.disconnectCounter = disconnects
}

func (m *networkMetrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.handshakes.WithLabelValues(result).Inc()
	m.handshakeCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("result", result)))
}

func (m *networkMetrics) recordMessage(direction string, cap wire.Capability) {
	if m == nil {
		return
	}
	label := cap.String()
	m.messages.WithLabelValues(direction, label).Inc()
	m.messageCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("capability", label),
		))
}

func (m *networkMetrics) recordDropped(cap wire.Capability) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(cap.String()).Inc()
}

func (m *networkMetrics) recordDisconnect(reason wire.DisconnectReason, initiatedByPeer bool) {
	if m == nil {
		return
	}
	initiator := "local"
	if initiatedByPeer {
		initiator = "remote"
	}
	m.disconnect.WithLabelValues(reason.String(), initiator).Inc()
	m.disconnectCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("reason", reason.String()),
			attribute.String("initiator", initiator),
		))
}

func (m *networkMetrics) setPeers(count int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(count))
}
