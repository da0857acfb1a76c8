package main

import (
	"log/slog"
	"net/http"

	"github.com/blueberrycongee/relaymux/internal/config"
	"github.com/blueberrycongee/relaymux/internal/observability"
	"github.com/blueberrycongee/relaymux/internal/ratelimit"
)

// buildMiddlewareStack wraps the mux with request ids and, when enabled, the
// per-client ingress limiter. The returned closer stops the limiter.
func buildMiddlewareStack(cfg *config.Config, logger *slog.Logger) (func(http.Handler) http.Handler, func(), error) {
	if cfg == nil {
		return nil, nil, errNilConfig
	}

	var limiter *ratelimit.ClientLimiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.BurstSize,
			TrustedProxyCIDRs: cfg.RateLimit.TrustedProxies,
			Logger:            logger,
		})
		logger.Info("ingress rate limiting enabled",
			"requests_per_minute", cfg.RateLimit.RequestsPerMinute,
			"burst", cfg.RateLimit.BurstSize,
		)
	}

	stop := func() {
		if limiter != nil {
			limiter.Close()
		}
	}

	return func(next http.Handler) http.Handler {
		if next == nil {
			return nil
		}
		handler := next
		if limiter != nil {
			handler = limiter.Middleware(handler)
		}
		handler = observability.RequestIDMiddleware(handler)
		return handler
	}, stop, nil
}
