// Package metrics provides Prometheus instrumentation for TC2.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tc2_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tc2_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Fabric metrics.
var (
	ActiveAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tc2_active_agents",
		Help: "Number of currently connected agents.",
	})

	ActiveBrowsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tc2_active_browsers",
		Help: "Number of currently connected browser sessions.",
	})

	RoutedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tc2_routed_requests_total",
		Help: "Browser requests routed to agents, by outcome.",
	}, []string{"outcome"}) // forwarded | quota_denied | agent_offline

	WSMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tc2_ws_messages_total",
		Help: "WebSocket messages relayed, by direction.",
	}, []string{"direction"}) // agent_to_browser | browser_to_agent

	TierLimitHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tc2_tier_limit_hits_total",
		Help: "Write operations rejected by tier gating.",
	}, []string{"feature"})
)
