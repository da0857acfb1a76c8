// Package metrics provides Prometheus metrics for the relay gateway.
// It tracks relay outcomes, upstream latency, token usage, scheduling
// decisions and account health transitions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "relaymux"
)

// LatencyBuckets defines histogram buckets for upstream latency (in seconds).
// Streaming relays can stay open for minutes, hence the long tail.
var LatencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
	15.0, 30.0, 60.0, 120.0, 180.0, 300.0, 600.0,
}

// =============================================================================
// Relay Metrics
// =============================================================================

var (
	// RelayRequests counts finished relays by variant and outcome status.
	RelayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Total number of relayed requests",
		},
		[]string{"variant", "model", "stream", "status_code"},
	)

	// UpstreamLatency tracks time spent in the upstream call.
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream call latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"variant", "model", "stream"},
	)

	// Tokens counts tokens by kind: input, output, cache_creation, cache_read.
	Tokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens reported by upstream usage",
		},
		[]string{"variant", "model", "kind"},
	)

	// StreamErrors counts streams terminated by an error frame.
	StreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Total streams terminated with an error event",
		},
		[]string{"variant"},
	)
)

// =============================================================================
// Scheduling Metrics
// =============================================================================

var (
	// SelectDuration tracks how long account selection takes.
	SelectDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "select_duration_seconds",
			Help:      "Account selection latency in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"family", "result"},
	)

	// StickyLookups counts sticky session outcomes: hit, miss, rebind.
	StickyLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sticky_lookups_total",
			Help:      "Sticky session lookups by outcome",
		},
		[]string{"family", "outcome"},
	)

	// NoAvailableAccounts counts selections that found no eligible account.
	NoAvailableAccounts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_available_accounts_total",
			Help:      "Selections that returned no eligible account",
		},
		[]string{"family"},
	)

	// ActiveSlots tracks in-flight requests held by this process.
	ActiveSlots = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_slots",
			Help:      "Concurrency slots currently held by this instance",
		},
		[]string{"variant"},
	)
)

// =============================================================================
// Account Health Metrics
// =============================================================================

var (
	// FeedbackTransitions counts health flag changes driven by upstream status codes.
	FeedbackTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_transitions_total",
			Help:      "Account health flag transitions",
		},
		[]string{"transition"},
	)

	// UnauthorizedResponses counts upstream 401 responses per account.
	UnauthorizedResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_unauthorized_total",
			Help:      "Upstream 401 responses by account",
		},
		[]string{"account_id"},
	)

	// TokenRefreshes counts refresh attempts by result.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Token refresh attempts by result",
		},
		[]string{"platform", "result"},
	)
)

// =============================================================================
// Infrastructure Metrics
// =============================================================================

var (
	// VaultCacheLookups counts decrypt cache hits and misses.
	VaultCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vault_cache_lookups_total",
			Help:      "Credential decrypt cache lookups",
		},
		[]string{"result"},
	)

	// DBConnectionPoolSize tracks the account directory connection pool.
	DBConnectionPoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "directory_db_connections",
			Help:      "Account directory database connections by state",
		},
		[]string{"state"},
	)

	// HTTPRequestLatency tracks inbound HTTP handling time.
	HTTPRequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Inbound HTTP request duration in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"route", "status_code"},
	)
)
