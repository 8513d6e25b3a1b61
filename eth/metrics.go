package eth

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ethMetricsOnce sync.Once
	ethMetricsInst *ethMetrics
)

type ethMetrics struct {
	peers    prometheus.Gauge
	status   *prometheus.CounterVec
	requests *prometheus.CounterVec
}

func newEthMetrics() *ethMetrics {
	ethMetricsOnce.Do(func() {
		m := &ethMetrics{
			peers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rlpx_eth_peers",
				Help: "Number of registered eth peers.",
			}),
			status: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rlpx_eth_status_total",
				Help: "Status exchanges by outcome.",
			}, []string{"result"}),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rlpx_eth_requests_total",
				Help: "Peer task requests by kind and outcome.",
			}, []string{"kind", "result"}),
		}
		prometheus.MustRegister(m.peers, m.status, m.requests)
		ethMetricsInst = m
	})
	return ethMetricsInst
}

func (m *ethMetrics) setPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

func (m *ethMetrics) recordStatus(result string) {
	if m == nil {
		return
	}
	m.status.WithLabelValues(result).Inc()
}

func (m *ethMetrics) recordRequest(kind, result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind, result).Inc()
}
