package runtime

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	errspkg "github.com/drblury/foxbridge/internal/runtime/errors"
)

const metricsNamespace = "foxbridge"

// relayMetrics holds the Prometheus collectors of the bridge. A nil
// *relayMetrics records nothing.
type relayMetrics struct {
	receivedTotal  *prometheus.CounterVec
	forwardedTotal *prometheus.CounterVec
	failedTotal    *prometheus.CounterVec
	payloadBytes   *prometheus.HistogramVec
	droppedFrames  *prometheus.CounterVec
	viewers        prometheus.Gauge

	gatherer prometheus.Gatherer
}

func newRelayCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newRelayMetrics(registerer prometheus.Registerer) (*relayMetrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &relayMetrics{
		receivedTotal:  newRelayCounterVec("messages_received_total", "Messages received from the bus", []string{"topic"}),
		forwardedTotal: newRelayCounterVec("messages_forwarded_total", "Messages sent to a visualization channel", []string{"topic"}),
		failedTotal:    newRelayCounterVec("messages_failed_total", "Messages dropped because relaying failed", []string{"topic", "stage"}),
		payloadBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "relay",
				Name:      "payload_bytes",
				Help:      "Size of relayed payloads",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
			},
			[]string{"topic"},
		),
		droppedFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "server",
				Name:      "dropped_frames_total",
				Help:      "Frames not delivered because a viewer queue was full",
			},
			[]string{"topic"},
		),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "viewers",
			Help:      "Connected visualization clients",
		}),
	}

	var err error
	if m.receivedTotal, err = registerCollector(registerer, m.receivedTotal); err != nil {
		return nil, err
	}
	if m.forwardedTotal, err = registerCollector(registerer, m.forwardedTotal); err != nil {
		return nil, err
	}
	if m.failedTotal, err = registerCollector(registerer, m.failedTotal); err != nil {
		return nil, err
	}
	if m.payloadBytes, err = registerCollector(registerer, m.payloadBytes); err != nil {
		return nil, err
	}
	if m.droppedFrames, err = registerCollector(registerer, m.droppedFrames); err != nil {
		return nil, err
	}
	if m.viewers, err = registerCollector(registerer, m.viewers); err != nil {
		return nil, err
	}

	if g, ok := registerer.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m, nil
}

// registerCollector registers c, or returns the collector already registered
// under the same descriptor so every Service in a process records into the
// exported series.
func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	err := registerer.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return c, err
	}
	existing, ok := already.ExistingCollector.(C)
	if !ok {
		return c, fmt.Errorf("metric registered with a different type: %w", err)
	}
	return existing, nil
}

func (m *relayMetrics) handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *relayMetrics) recordReceived(topic string, size int) {
	if m == nil {
		return
	}
	m.receivedTotal.WithLabelValues(topic).Inc()
	m.payloadBytes.WithLabelValues(topic).Observe(float64(size))
}

func (m *relayMetrics) recordResult(topic string, err error) {
	if m == nil {
		return
	}
	if err == nil {
		m.forwardedTotal.WithLabelValues(topic).Inc()
		return
	}
	stage := "unknown"
	var msgErr *errspkg.MessageError
	if errors.As(err, &msgErr) {
		stage = msgErr.Stage
	}
	m.failedTotal.WithLabelValues(topic, stage).Inc()
}

func (m *relayMetrics) setViewers(count int) {
	if m == nil {
		return
	}
	m.viewers.Set(float64(count))
}

func (m *relayMetrics) frameDropped(topic string) {
	if m == nil {
		return
	}
	m.droppedFrames.WithLabelValues(topic).Inc()
}
