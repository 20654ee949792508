package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawsuite_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clawsuite_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "path"},
	)

	// Gateway relay metrics
	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawsuite_gateway_requests_total",
			Help: "Total gateway RPC requests",
		},
		[]string{"method", "outcome"}, // outcome: ok, error, canceled, closed
	)

	GatewayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawsuite_gateway_events_total",
			Help: "Total gateway events received",
		},
		[]string{"event"},
	)

	DroppedFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clawsuite_gateway_dropped_frames_total",
			Help: "Total inbound gateway frames dropped as unparseable",
		},
	)

	// SSE stream metrics
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clawsuite_active_streams",
			Help: "Currently open SSE chat streams",
		},
	)

	StreamTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clawsuite_stream_timeouts_total",
			Help: "Total SSE chat streams terminated by the wall timeout",
		},
	)
)
