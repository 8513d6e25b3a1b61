package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"rlpxnet/p2p/wire"
)

const (
	meterName = "rlpxnet/p2p"

	dispatchOK          = "ok"
	dispatchInvalidCode = "invalid_code"
	dispatchPanic       = "panic"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *runnerMetrics
)

type runnerMetrics struct {
	dispatched *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	panics     *prometheus.CounterVec

	dispatchCounter  metric.Int64Counter
	handlerHistogram metric.Float64Histogram
}

func newRunnerMetrics() *runnerMetrics {
	metricsInitOnce.Do(func() {
		rm := &runnerMetrics{
			dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rlpx_runner_dispatched_total",
				Help: "Messages routed to protocol managers by capability and outcome.",
			}, []string{"capability", "result"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "rlpx_runner_handler_seconds",
				Help:    "Time protocol managers spend processing one message.",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			}, []string{"capability"}),
			panics: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rlpx_runner_handler_panics_total",
				Help: "Recovered protocol manager panics by event.",
			}, []string{"event"}),
		}
		prometheus.MustRegister(rm.dispatched, rm.duration, rm.panics)
		rm.initMeter()
		sharedMetrics = rm
	})
	return sharedMetrics
}

func (m *runnerMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter(meterName)
	fallback := noop.NewMeterProvider().Meter(meterName)

	dispatched, err := meter.Int64Counter("rlpx.runner.dispatched")
	if err != nil {
		dispatched, _ = fallback.Int64Counter("rlpx.runner.dispatched")
	}
	handler, err := meter.Float64Histogram("rlpx.runner.handler_ms")
	if err != nil {
		handler, _ = fallback.Float64Histogram("rlpx.runner.handler_ms")
	}
	m.dispatchCounter = dispatched
	m.handlerHistogram = handler
}

func (m *runnerMetrics) recordDispatch(cap wire.Capability, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := cap.String()
	m.dispatched.WithLabelValues(label, result).Inc()
	m.dispatchCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("capability", label),
			attribute.String("result", result),
		))
	if result == dispatchInvalidCode {
		return
	}
	m.duration.WithLabelValues(label).Observe(elapsed.Seconds())
	m.handlerHistogram.Record(context.Background(), float64(elapsed)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("capability", label)))
}

func (m *runnerMetrics) recordPanic(event string) {
	if m == nil {
		return
	}
	m.panics.WithLabelValues(event).Inc()
}
