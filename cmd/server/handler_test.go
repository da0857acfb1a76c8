package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/relaymux"
	"github.com/blueberrycongee/relaymux/internal/config"
	"github.com/blueberrycongee/relaymux/internal/state"
	"github.com/blueberrycongee/relaymux/pkg/account"
	"github.com/blueberrycongee/relaymux/pkg/provider"
	"github.com/blueberrycongee/relaymux/providers/claude"
)

type plainCipher struct{}

func (plainCipher) Encrypt(s string) (string, error) { return s, nil }
func (plainCipher) Decrypt(s string) (string, error) { return s, nil }

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type serverHarness struct {
	srv   *httptest.Server
	store *state.Store
}

func newServerHarness(t *testing.T, upstream *httptest.Server, accounts ...*account.Account) *serverHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := state.New(client)
	reg, err := provider.NewRegistry(claude.New(claude.WithBaseURL(upstream.URL)))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := relaymux.New(store, account.NewMemoryDirectory(accounts...), reg, plainCipher{},
		relaymux.WithHTTPClient(upstream.Client()),
		relaymux.WithLogger(logger),
	)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	mux, err := buildMux(cfg, newHandler(gw, redisPinger{client: client}, 1<<20, logger))
	require.NoError(t, err)
	middleware, stop, err := buildMiddlewareStack(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(stop)

	srv := httptest.NewServer(middleware(mux))
	t.Cleanup(srv.Close)
	return &serverHarness{srv: srv, store: store}
}

func console(id string) *account.Account {
	return &account.Account{
		ID:          id,
		Platform:    account.PlatformClaudeConsole,
		Type:        account.TypeShared,
		Priority:    50,
		Schedulable: true,
		Active:      true,
		Status:      account.StatusActive,
		Credentials: account.Credentials{APIKey: "key-" + id},
	}
}

const requestBody = `{"model":"claude-3-5-sonnet-20241022","max_tokens":32,"messages":[{"role":"user","content":"hi"}]}`

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) errorResponse {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHandler_RelaysNonStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-a", r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","usage":{"input_tokens":1,"output_tokens":2}}`)
	}))
	defer upstream.Close()

	h := newServerHarness(t, upstream, console("a"))
	resp := post(t, h.srv.URL+"/v1/messages", requestBody)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"msg_1"`)

	n, err := h.store.Count(context.Background(), "a")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandler_StreamsWithUsageEvent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message_start\n"+
			`data: {"type":"message_start","message":{"usage":{"input_tokens":3}}}`+"\n\n"+
			"event: message_delta\n"+
			`data: {"type":"message_delta","usage":{"output_tokens":4}}`+"\n\n")
	}))
	defer upstream.Close()

	h := newServerHarness(t, upstream, console("a"))
	resp := post(t, h.srv.URL+"/api/v1/messages", strings.Replace(requestBody, `"max_tokens"`, `"stream":true,"max_tokens"`, 1))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "event: message_start")
	assert.Equal(t, 1, strings.Count(string(body), "event: usage"))
}

func TestHandler_NoAccountsIs503(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()

	h := newServerHarness(t, upstream)
	resp := post(t, h.srv.URL+"/v1/messages", requestBody)

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	out := decodeError(t, resp)
	assert.Equal(t, "error", out.Type)
	assert.NotEmpty(t, out.Error.Message)
}

func TestHandler_InvalidBodyIs400(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()

	h := newServerHarness(t, upstream, console("a"))
	resp := post(t, h.srv.URL+"/v1/messages", `{"model":`)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request_error", decodeError(t, resp).Error.Type)
}

func TestHandler_BodyTooLarge(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := newHandler(nil, nil, 1024, logger)

	big := `{"model":"m","messages":[{"role":"user","content":"` + strings.Repeat("x", 4096) + `"}]}`
	rec := httptest.NewRecorder()
	h.Messages(account.FamilyClaude)(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(big)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandler_UpstreamOverloadMaps(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	}))
	defer upstream.Close()

	h := newServerHarness(t, upstream, console("a"))
	resp := post(t, h.srv.URL+"/v1/messages", requestBody)

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	overloaded, err := h.store.IsOverloaded(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, overloaded)
}

func TestHandler_GeminiNativeRequiresModel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := newHandler(nil, nil, 0, logger)

	rec := httptest.NewRecorder()
	h.GeminiNative(rec, httptest.NewRequest(http.MethodPost, "/gemini/v1beta/models/", strings.NewReader("{}")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Ready(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rec := httptest.NewRecorder()
	newHandler(nil, failingPinger{}, 0, logger).Ready(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	newHandler(nil, nil, 0, logger).Live(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
