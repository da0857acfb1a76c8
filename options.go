package relaymux

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/relaymux/internal/feedback"
	"github.com/blueberrycongee/relaymux/internal/httputil"
	"github.com/blueberrycongee/relaymux/internal/streaming"
	"github.com/blueberrycongee/relaymux/pkg/account"
	"github.com/blueberrycongee/relaymux/schedulers"
)

// TokenRefresher renews expiring OAuth tokens before an account is used.
type TokenRefresher interface {
	EnsureFresh(ctx context.Context, acct *account.Account) (*account.Account, error)
}

// GatewayConfig holds the configuration of a Gateway.
type GatewayConfig struct {
	// Scheduling
	Scheduler schedulers.Config
	Feedback  feedback.Config

	// SlotTTL is the lifetime of a concurrency slot. A crashed request's
	// slot stops counting once it expires. Zero uses the store default.
	SlotTTL time.Duration

	// HTTP
	HTTPClient *http.Client
	// Timeout bounds non-streaming upstream calls and the wait for
	// streaming response headers. Account.Timeout overrides it.
	Timeout time.Duration
	// MaxResponseBytes caps buffered upstream bodies.
	MaxResponseBytes int64

	// Streaming
	StreamCapacity int

	// Collaborators
	Refresher TokenRefresher

	// Observability
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Option configures a Gateway.
type Option func(*GatewayConfig)

func defaultConfig() *GatewayConfig {
	return &GatewayConfig{
		Scheduler:        schedulers.DefaultConfig(),
		Feedback:         feedback.DefaultConfig(),
		Timeout:          10 * time.Minute,
		MaxResponseBytes: httputil.DefaultMaxResponseBodyBytes,
		StreamCapacity:   streaming.DefaultCapacity,
		Logger:           slog.Default(),
	}
}

// WithSchedulerConfig sets sticky session behaviour.
func WithSchedulerConfig(cfg schedulers.Config) Option {
	return func(c *GatewayConfig) {
		c.Scheduler = cfg
	}
}

// WithFeedbackConfig sets the health flag windows.
func WithFeedbackConfig(cfg feedback.Config) Option {
	return func(c *GatewayConfig) {
		c.Feedback = cfg
	}
}

// WithSlotTTL sets the concurrency slot lifetime.
func WithSlotTTL(d time.Duration) Option {
	return func(c *GatewayConfig) {
		if d > 0 {
			c.SlotTTL = d
		}
	}
}

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *GatewayConfig) {
		c.HTTPClient = client
	}
}

// WithTimeout sets the default upstream timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *GatewayConfig) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

// WithMaxResponseBytes caps buffered upstream response bodies.
func WithMaxResponseBytes(n int64) Option {
	return func(c *GatewayConfig) {
		if n > 0 {
			c.MaxResponseBytes = n
		}
	}
}

// WithStreamCapacity sets the channel capacity between the stream pump and its consumer.
func WithStreamCapacity(n int) Option {
	return func(c *GatewayConfig) {
		if n > 0 {
			c.StreamCapacity = n
		}
	}
}

// WithRefresher enables token refresh before relaying.
func WithRefresher(r TokenRefresher) Option {
	return func(c *GatewayConfig) {
		c.Refresher = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *GatewayConfig) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithTracer sets the tracer used for select and relay spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *GatewayConfig) {
		c.Tracer = t
	}
}
