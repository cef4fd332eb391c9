// Package observability provides metrics and tracing for the realtime core.
package observability

import (
	"sync"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections is the gauge of live websocket connections on this instance.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "murmur_websocket_connections",
		Help: "Number of active WebSocket connections",
	})

	// FramesReceived counts inbound client frames by type.
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_frames_received_total",
		Help: "Total inbound WebSocket frames by type",
	}, []string{"type"})

	// BusPublishes counts envelopes published to the fan-out bus by outcome.
	BusPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_bus_publishes_total",
		Help: "Total envelopes published to the chat bus",
	}, []string{"outcome"})

	// BusReceives counts envelopes received from the bus. Incremented on every
	// arrival regardless of routing outcome so operators can see gaps.
	BusReceives = promauto.NewCounter(prometheus.CounterOpts{
		Name: "murmur_bus_receives_total",
		Help: "Total envelopes received from the chat bus",
	})

	// DeliveryOutcomes counts per-recipient delivery results.
	DeliveryOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_delivery_outcomes_total",
		Help: "Per-recipient delivery outcomes (delivered, queued_offline, dropped)",
	}, []string{"outcome"})

	// BackpressureDrops counts messages dropped because a client send buffer was full or closed.
	BackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_backpressure_drops_total",
		Help: "Total WebSocket messages dropped due to backpressure",
	}, []string{"reason"})

	// RedisErrors counts Redis command failures by command name.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_redis_errors_total",
		Help: "Total Redis errors by command",
	}, []string{"command"})
)

var (
	httpMetricsOnce sync.Once
	httpMetrics     *fiberprometheus.FiberPrometheus
)

// InitHTTPMetrics returns the fiberprometheus middleware for the HTTP
// surface. A single instance is shared because the collectors live in the
// default registry.
func InitHTTPMetrics(service string) *fiberprometheus.FiberPrometheus {
	httpMetricsOnce.Do(func() {
		httpMetrics = fiberprometheus.New(service)
	})
	return httpMetrics
}
