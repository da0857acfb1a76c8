package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blueberrycongee/relaymux/internal/config"
	"github.com/blueberrycongee/relaymux/pkg/account"
)

type fakeDataHandler struct{}

func (fakeDataHandler) Messages(account.Family) http.HandlerFunc {
	return func(http.ResponseWriter, *http.Request) {}
}
func (fakeDataHandler) GeminiNative(http.ResponseWriter, *http.Request) {}
func (fakeDataHandler) Live(http.ResponseWriter, *http.Request)         {}
func (fakeDataHandler) Ready(http.ResponseWriter, *http.Request)        {}

func TestBuildMux_RegistersRelayRoutes(t *testing.T) {
	cfg := &config.Config{
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}

	mux, err := buildMux(cfg, fakeDataHandler{})
	if err != nil {
		t.Fatalf("buildMux() error = %v", err)
	}

	tests := []struct {
		method, path, want string
	}{
		{http.MethodPost, "/v1/messages", "POST /v1/messages"},
		{http.MethodPost, "/api/v1/messages", "POST /api/v1/messages"},
		{http.MethodPost, "/claude/v1/messages", "POST /claude/v1/messages"},
		{http.MethodPost, "/gemini/v1/messages", "POST /gemini/v1/messages"},
		{http.MethodPost, "/gemini/v1beta/models/gemini-2.5-pro:generateContent", "POST /gemini/v1beta/models/{model...}"},
		{http.MethodPost, "/openai/v1/messages", "POST /openai/v1/messages"},
		{http.MethodGet, "/health/ready", "GET /health/ready"},
		{http.MethodGet, "/metrics", "GET /metrics"},
	}
	for _, tt := range tests {
		if got := routePattern(mux, tt.method, tt.path); got != tt.want {
			t.Errorf("%s %s: pattern = %q, want %q", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestBuildMux_MetricsDisabled(t *testing.T) {
	mux, err := buildMux(&config.Config{}, fakeDataHandler{})
	if err != nil {
		t.Fatalf("buildMux() error = %v", err)
	}
	if got := routePattern(mux, http.MethodGet, "/metrics"); got != "" {
		t.Fatalf("metrics route registered while disabled: %q", got)
	}
}

func TestBuildMux_NilConfig(t *testing.T) {
	if _, err := buildMux(nil, fakeDataHandler{}); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func routePattern(mux *http.ServeMux, method, path string) string {
	req := httptest.NewRequest(method, path, nil)
	_, pattern := mux.Handler(req)
	return pattern
}
