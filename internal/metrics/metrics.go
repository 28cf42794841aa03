package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StreamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trr_stream_proxy_events_total",
		Help: "Proxy-originated SSE events by type and checkpoint",
	}, []string{"type", "checkpoint"})

	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trr_stream_proxy_connect_attempts_total",
		Help: "Backend connection attempts by result (connected, retryable, fatal)",
	}, []string{"result"})

	ConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trr_stream_proxy_connect_seconds",
		Help:    "Time from the first connection attempt until a backend response was accepted",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 40, 80},
	})

	ForwardedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trr_stream_proxy_forwarded_bytes_total",
		Help: "Backend SSE bytes forwarded verbatim to clients",
	})

	RefreshJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trr_refresh_jobs_total",
		Help: "Background refresh jobs by final status",
	}, []string{"status"})
)
