// Package metrics exposes Prometheus counters and gauges for the protocol
// engine, listeners, and simulation scheduler — ambient observability,
// not a named Modbus function.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the PLC simulator emits. It implements
// modbus.Metrics, listener.Metrics, and sim.TickObserver (the simulation
// scheduler's producer tick hook).
type Registry struct {
	requestsTotal   *prometheus.CounterVec
	exceptionsTotal *prometheus.CounterVec
	activeConns     prometheus.Gauge
	producerTicks   *prometheus.CounterVec
}

// New registers every metric against a fresh prometheus.Registry and
// returns both the Registry and an http.Handler for /metrics.
func New() (*Registry, http.Handler) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Registry{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plcsim",
			Name:      "modbus_requests_total",
			Help:      "Modbus requests handled, by function code.",
		}, []string{"function_code"}),
		exceptionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plcsim",
			Name:      "modbus_exceptions_total",
			Help:      "Modbus exception responses emitted, by exception code.",
		}, []string{"exception_code"}),
		activeConns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "plcsim",
			Name:      "active_connections",
			Help:      "Currently open fieldbus connections.",
		}),
		producerTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plcsim",
			Name:      "producer_ticks_total",
			Help:      "Simulation producer ticks, by producer id.",
		}, []string{"producer_id"}),
	}

	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ObserveRequest implements modbus.Metrics.
func (m *Registry) ObserveRequest(funcCode byte) {
	m.requestsTotal.WithLabelValues(byteHex(funcCode)).Inc()
}

// ObserveException implements modbus.Metrics.
func (m *Registry) ObserveException(code byte) {
	m.exceptionsTotal.WithLabelValues(byteHex(code)).Inc()
}

// ConnOpened implements modbus.Metrics.
func (m *Registry) ConnOpened() { m.activeConns.Inc() }

// ConnClosed implements modbus.Metrics.
func (m *Registry) ConnClosed() { m.activeConns.Dec() }

// ConnAccepted implements listener.Metrics.
func (m *Registry) ConnAccepted(port int) {}

// ObserveProducerTick records one tick for the named producer.
func (m *Registry) ObserveProducerTick(producerID string) {
	m.producerTicks.WithLabelValues(producerID).Inc()
}

func byteHex(b byte) string {
	const hexDigits = "0123456789abcdef"
	return string([]byte{'0', 'x', hexDigits[b>>4], hexDigits[b&0xF]})
}
