package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/relaymux/internal/config"
	"github.com/blueberrycongee/relaymux/internal/metrics"
	"github.com/blueberrycongee/relaymux/pkg/account"
)

var errNilConfig = errors.New("config is required")

type dataHandler interface {
	Messages(account.Family) http.HandlerFunc
	GeminiNative(http.ResponseWriter, *http.Request)
	Live(http.ResponseWriter, *http.Request)
	Ready(http.ResponseWriter, *http.Request)
}

func buildMux(cfg *config.Config, h dataHandler) (*http.ServeMux, error) {
	if cfg == nil {
		return nil, errNilConfig
	}
	mux := http.NewServeMux()
	registerDataRoutes(mux, h, cfg)
	return mux, nil
}

func registerDataRoutes(mux *http.ServeMux, h dataHandler, cfg *config.Config) {
	if h == nil || mux == nil {
		return
	}

	mux.HandleFunc("GET /health/live", h.Live)
	mux.HandleFunc("GET /health/ready", h.Ready)

	claude := h.Messages(account.FamilyClaude)
	handle(mux, "POST /v1/messages", claude)
	handle(mux, "POST /api/v1/messages", claude)
	handle(mux, "POST /claude/v1/messages", claude)

	handle(mux, "POST /gemini/v1/messages", h.Messages(account.FamilyGemini))
	handle(mux, "POST /gemini/v1beta/models/{model...}", h.GeminiNative)

	handle(mux, "POST /openai/v1/messages", h.Messages(account.FamilyOpenAI))

	if cfg != nil && cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}
}

// handle registers fn under pattern with a latency histogram labelled by pattern.
func handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.Handle(pattern, metrics.Middleware(pattern, fn))
}

type redisPinger struct {
	client redis.UniversalClient
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
