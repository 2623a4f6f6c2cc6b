package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequests tracks webhook calls by verb and outcome.
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vcc_webhook_requests_total",
		Help: "Total webhook requests processed, by verb and outcome",
	}, []string{"verb", "outcome"}) // outcome: ok, unauthorized, bad_request, error

	// CommandsEnqueued tracks commands accepted into the queue by type.
	CommandsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vcc_commands_enqueued_total",
		Help: "Total commands enqueued, by command type",
	}, []string{"type"})

	// CommandsCompleted tracks terminal transitions by final status.
	CommandsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vcc_commands_completed_total",
		Help: "Total commands transitioned to a terminal status",
	}, []string{"status"}) // executed, failed

	// PendingCommands tracks the current queue backlog.
	PendingCommands = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vcc_pending_commands",
		Help: "Current number of commands in status pending",
	})

	// CapacityDenials tracks spawn commands rejected by the capacity gate.
	CapacityDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vcc_capacity_denials_total",
		Help: "Spawn commands denied by the per-user viewer quota",
	}, []string{"reason"}) // over_quota, lookup_failed

	// OnlineSlaves tracks slaves currently considered online.
	OnlineSlaves = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vcc_online_slaves",
		Help: "Current number of slaves with status online",
	})

	// RunningViewers tracks viewers currently in status running.
	RunningViewers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vcc_running_viewers",
		Help: "Current number of viewer instances in status running",
	})

	// ProxyCheckDuration tracks proxy health-check roundtrip latency.
	ProxyCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vcc_proxy_check_duration_seconds",
		Help:    "Proxy reachability check latency",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 11), // 10ms to ~10s
	})

	// ProxyChecks tracks health-check outcomes.
	ProxyChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vcc_proxy_checks_total",
		Help: "Total proxy health checks, by outcome",
	}, []string{"outcome"}) // ok, failed

	// APIRateLimited tracks requests rejected by the webhook rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vcc_api_rate_limited_total",
		Help: "Webhook requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// IdempotentReplays tracks report calls answered from the idempotency cache.
	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vcc_idempotent_replays_total",
		Help: "Webhook report calls answered from the idempotency cache",
	})
)
