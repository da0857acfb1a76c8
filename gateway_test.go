package relaymux_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/relaymux"
	"github.com/blueberrycongee/relaymux/internal/refresh"
	"github.com/blueberrycongee/relaymux/internal/state"
	"github.com/blueberrycongee/relaymux/internal/streaming"
	"github.com/blueberrycongee/relaymux/pkg/account"
	llmerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/provider"
	"github.com/blueberrycongee/relaymux/pkg/types"
	"github.com/blueberrycongee/relaymux/providers/claude"
	"github.com/blueberrycongee/relaymux/schedulers"
)

// prefixCipher stores "enc:<plaintext>".
type prefixCipher struct{}

func (prefixCipher) Encrypt(s string) (string, error) { return "enc:" + s, nil }
func (prefixCipher) Decrypt(s string) (string, error) {
	plain, ok := strings.CutPrefix(s, "enc:")
	if !ok {
		return "", errors.New("not encrypted")
	}
	return plain, nil
}

type failingRefresher struct{ calls atomic.Int32 }

func (f *failingRefresher) EnsureFresh(context.Context, *account.Account) (*account.Account, error) {
	f.calls.Add(1)
	return nil, errors.New("refresh endpoint unavailable")
}

type harness struct {
	gw    *relaymux.Gateway
	store *state.Store
	dir   *account.MemoryDirectory
}

func newHarness(t *testing.T, upstream *httptest.Server, accounts []*account.Account, opts ...relaymux.Option) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := state.New(client)
	dir := account.NewMemoryDirectory(accounts...)
	reg, err := provider.NewRegistry(claude.New(claude.WithBaseURL(upstream.URL)))
	require.NoError(t, err)

	opts = append([]relaymux.Option{relaymux.WithHTTPClient(upstream.Client())}, opts...)
	gw, err := relaymux.New(store, dir, reg, prefixCipher{}, opts...)
	require.NoError(t, err)
	return &harness{gw: gw, store: store, dir: dir}
}

func consoleAccount(id string, priority int) *account.Account {
	return &account.Account{
		ID:          id,
		Name:        id,
		Platform:    account.PlatformClaudeConsole,
		Type:        account.TypeShared,
		Priority:    priority,
		Schedulable: true,
		Active:      true,
		Status:      account.StatusActive,
		Credentials: account.Credentials{APIKey: "enc:key-" + id},
	}
}

func newRequest(stream bool) *types.Request {
	return &types.Request{
		Model:     "claude-3-5-sonnet-20241022",
		Messages:  []types.Message{{Role: "user", Content: types.StringContent("hello")}},
		MaxTokens: 64,
		Stream:    stream,
	}
}

func (h *harness) slots(t *testing.T, id string) int64 {
	t.Helper()
	n, err := h.store.Count(context.Background(), id)
	require.NoError(t, err)
	return n
}

const messageBody = `{"id":"msg_1","model":"claude-3-5-sonnet-20241022","usage":{"input_tokens":5,"output_tokens":7}}`

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := relaymux.New(nil, account.NewMemoryDirectory(), &provider.Registry{}, prefixCipher{})
	require.Error(t, err)
}

func TestRelay_SuccessDecryptsAndReleasesSlot(t *testing.T) {
	var h *harness
	var inFlight atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key-a", r.Header.Get("x-api-key"))
		n, _ := h.store.Count(r.Context(), "a")
		inFlight.Store(n)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, messageBody)
	}))
	defer upstream.Close()

	h = newHarness(t, upstream, []*account.Account{consoleAccount("a", 10)})
	ctx := context.Background()
	require.NoError(t, h.store.SetRateLimited(ctx, "a", time.Minute))

	req := newRequest(false)
	sel := &account.SelectedAccount{AccountID: "a", Variant: account.VariantClaudeConsole, Account: consoleAccount("a", 10)}
	resp, err := h.gw.Relay(ctx, req, sel)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a", resp.AccountID)
	assert.Equal(t, 5, resp.Usage.InputTokens)
	assert.Equal(t, 7, resp.Usage.OutputTokens)
	assert.JSONEq(t, messageBody, string(resp.Body))

	assert.Equal(t, int64(1), inFlight.Load(), "slot held during the upstream call")
	assert.Zero(t, h.slots(t, "a"))

	limited, err := h.store.IsRateLimited(ctx, "a")
	require.NoError(t, err)
	assert.False(t, limited, "success clears the rate limit")
}

func TestRelay_OverloadFailsOverToNextAccount(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") == "key-a" {
			w.WriteHeader(llmerrors.StatusOverloaded)
			_, _ = io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
			return
		}
		_, _ = io.WriteString(w, messageBody)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream, []*account.Account{consoleAccount("a", 10), consoleAccount("b", 20)})
	ctx := context.Background()

	req := newRequest(false)
	sel, err := h.gw.Select(ctx, account.FamilyClaude, req)
	require.NoError(t, err)
	require.Equal(t, "a", sel.AccountID)

	_, err = h.gw.Relay(ctx, req, sel)
	var llmErr *llmerrors.LLMError
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, http.StatusServiceUnavailable, llmErr.StatusCode)
	assert.Equal(t, llmerrors.StatusOverloaded, llmErr.UpstreamStatus)
	assert.Equal(t, "Overloaded", llmErr.Message)
	assert.Zero(t, h.slots(t, "a"))

	overloaded, err := h.store.IsOverloaded(ctx, "a")
	require.NoError(t, err)
	assert.True(t, overloaded)

	sel, err = h.gw.Select(ctx, account.FamilyClaude, newRequest(false))
	require.NoError(t, err)
	assert.Equal(t, "b", sel.AccountID)

	resp, err := h.gw.Relay(ctx, req, sel)
	require.NoError(t, err)
	assert.Equal(t, "b", resp.AccountID)
}

func TestRelay_RateLimitDropsStickySession(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream, []*account.Account{consoleAccount("a", 10), consoleAccount("b", 20)})
	ctx := context.Background()

	req := newRequest(false)
	req.SessionHash = "session-1"
	sel, err := h.gw.Select(ctx, account.FamilyClaude, req)
	require.NoError(t, err)
	require.Equal(t, "a", sel.AccountID)

	mapping, err := h.store.GetSession(ctx, schedulers.ClaudeSessionNamespace, "session-1")
	require.NoError(t, err)
	require.NotNil(t, mapping)

	_, err = h.gw.Relay(ctx, req, sel)
	var llmErr *llmerrors.LLMError
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, http.StatusTooManyRequests, llmErr.StatusCode)

	mapping, err = h.store.GetSession(ctx, schedulers.ClaudeSessionNamespace, "session-1")
	require.NoError(t, err)
	assert.Nil(t, mapping)

	limited, err := h.store.IsRateLimited(ctx, "a")
	require.NoError(t, err)
	assert.True(t, limited)

	again := newRequest(false)
	again.SessionHash = "session-1"
	sel, err = h.gw.Select(ctx, account.FamilyClaude, again)
	require.NoError(t, err)
	assert.Equal(t, "b", sel.AccountID)
}

func TestSelect_DerivesSessionHash(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()
	h := newHarness(t, upstream, []*account.Account{consoleAccount("a", 10)})

	req := newRequest(false)
	req.Metadata = &types.Metadata{UserID: "user_x_account__session_0f6a1d3e-5b7c-4e2a-9d1f-2c3b4a5d6e7f"}
	_, err := h.gw.Select(context.Background(), account.FamilyClaude, req)
	require.NoError(t, err)
	assert.Equal(t, schedulers.SessionHash(req), req.SessionHash)
	assert.NotEmpty(t, req.SessionHash)
}

func TestSelect_UnknownFamily(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()
	h := newHarness(t, upstream, nil)

	_, err := h.gw.Select(context.Background(), account.Family("mistral"), newRequest(false))
	var llmErr *llmerrors.LLMError
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, http.StatusBadRequest, llmErr.StatusCode)
}

func TestSelect_NoAvailableAccounts(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()
	h := newHarness(t, upstream, nil)

	_, err := h.gw.Select(context.Background(), account.FamilyClaude, newRequest(false))
	var llmErr *llmerrors.LLMError
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, http.StatusServiceUnavailable, llmErr.StatusCode)
	assert.Equal(t, llmerrors.TypeNoAvailableAccounts, llmErr.Type)
}

func TestSelect_ExpiringAccountReturnsAfterRefreshSweep(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()

	var tokenCalls atomic.Int32
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"at-new","expires_in":3600,"token_type":"Bearer"}`)
	}))
	defer tokens.Close()

	acct := consoleAccount("a", 10)
	acct.ExpiresAt = time.Now().Add(5 * time.Second)
	acct.Credentials.RefreshToken = "enc:rt-old"
	h := newHarness(t, upstream, []*account.Account{acct})

	_, err := h.gw.Select(context.Background(), account.FamilyClaude, newRequest(false))
	var llmErr *llmerrors.LLMError
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, llmerrors.TypeNoAvailableAccounts, llmErr.Type)

	r := refresh.New(h.store, h.dir, prefixCipher{}, refresh.WithClient(account.PlatformClaudeConsole, refresh.Client{
		ClientID: "client-1",
		TokenURL: tokens.URL,
	}))
	res, err := r.RefreshExpiring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Refreshed)
	assert.Equal(t, int32(1), tokenCalls.Load())

	sel, err := h.gw.Select(context.Background(), account.FamilyClaude, newRequest(false))
	require.NoError(t, err)
	assert.Equal(t, "a", sel.AccountID)
	assert.Equal(t, "enc:at-new", sel.Account.Credentials.AccessToken)
}

func TestRelay_RefreshFailureIsUnauthorizedWithoutSlot(t *testing.T) {
	var called atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
	}))
	defer upstream.Close()

	refresher := &failingRefresher{}
	h := newHarness(t, upstream, nil, relaymux.WithRefresher(refresher))

	sel := &account.SelectedAccount{AccountID: "a", Variant: account.VariantClaudeConsole, Account: consoleAccount("a", 10)}
	_, err := h.gw.Relay(context.Background(), newRequest(false), sel)

	var llmErr *llmerrors.LLMError
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, http.StatusUnauthorized, llmErr.StatusCode)
	assert.Equal(t, int32(1), refresher.calls.Load())
	assert.False(t, called.Load())
	assert.Zero(t, h.slots(t, "a"))
}

func TestRelay_TransportFailureLeavesHealthAlone(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	h := newHarness(t, upstream, nil)
	upstream.Close()

	sel := &account.SelectedAccount{AccountID: "a", Variant: account.VariantClaudeConsole, Account: consoleAccount("a", 10)}
	_, err := h.gw.Relay(context.Background(), newRequest(false), sel)

	var llmErr *llmerrors.LLMError
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, http.StatusBadGateway, llmErr.StatusCode)

	health, err := h.store.Health(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, health.Blocked)
	assert.Zero(t, h.slots(t, "a"))
}

func TestRelay_AccountTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	h := newHarness(t, upstream, nil)
	acct := consoleAccount("a", 10)
	acct.Timeout = 50 * time.Millisecond
	sel := &account.SelectedAccount{AccountID: "a", Variant: account.VariantClaudeConsole, Account: acct}

	_, err := h.gw.Relay(context.Background(), newRequest(false), sel)
	var llmErr *llmerrors.LLMError
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, llmerrors.TypeTimeout, llmErr.Type)
	assert.Zero(t, h.slots(t, "a"))
}

func TestRelay_MissingAdapter(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()
	h := newHarness(t, upstream, nil)

	sel := &account.SelectedAccount{AccountID: "g", Variant: account.VariantGemini, Account: &account.Account{ID: "g", Platform: account.PlatformGemini}}
	_, err := h.gw.Relay(context.Background(), newRequest(false), sel)
	require.Error(t, err)
	assert.Zero(t, h.slots(t, "g"))
}

func TestOnUpstreamError_BlockedUntilCleared(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()
	h := newHarness(t, upstream, []*account.Account{consoleAccount("a", 10)})
	ctx := context.Background()

	sel := &account.SelectedAccount{AccountID: "a", Variant: account.VariantClaudeConsole}
	_, err := h.gw.OnUpstreamError(ctx, sel, "", http.StatusForbidden, nil)
	require.NoError(t, err)

	_, err = h.gw.Select(ctx, account.FamilyClaude, newRequest(false))
	require.Error(t, err)

	require.NoError(t, h.gw.OnSuccess(ctx, "a"))
	_, err = h.gw.Select(ctx, account.FamilyClaude, newRequest(false))
	require.Error(t, err, "success does not clear a block")

	require.NoError(t, h.store.ClearBlocked(ctx, "a"))
	sel2, err := h.gw.Select(ctx, account.FamilyClaude, newRequest(false))
	require.NoError(t, err)
	assert.Equal(t, "a", sel2.AccountID)
}

const streamBody = "event: message_start\n" +
	`data: {"type":"message_start","message":{"usage":{"input_tokens":9}}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}` + "\n\n" +
	"event: message_delta\n" +
	`data: {"type":"message_delta","usage":{"output_tokens":3}}` + "\n\n"

func TestRelayStream_ForwardsAndFinalizes(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, streamBody)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream, []*account.Account{consoleAccount("a", 10)})
	ctx := context.Background()

	req := newRequest(true)
	sel, err := h.gw.Select(ctx, account.FamilyClaude, req)
	require.NoError(t, err)

	s, err := h.gw.RelayStream(ctx, req, sel)
	require.NoError(t, err)
	assert.Equal(t, "a", s.AccountID)
	_, done := s.Result()
	assert.False(t, done)

	rec := httptest.NewRecorder()
	res, err := streaming.WriteSSE(ctx, rec, s.Chunks())
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Equal(t, 9, res.Usage.InputTokens)
	assert.Equal(t, 3, res.Usage.OutputTokens)

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, streamBody))
	assert.Equal(t, 1, strings.Count(body, "event: usage"))

	<-s.Done()
	result, ok := s.Result()
	require.True(t, ok)
	assert.False(t, result.Abandoned)
	assert.Equal(t, 3, result.Usage.OutputTokens)
	assert.Zero(t, h.slots(t, "a"))
}

func TestRelayStream_TimeoutCoversHeadersOnly(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(150 * time.Millisecond)
		_, _ = io.WriteString(w, streamBody)
	}))
	defer upstream.Close()

	acct := consoleAccount("a", 10)
	acct.Timeout = 50 * time.Millisecond
	h := newHarness(t, upstream, []*account.Account{acct})
	ctx := context.Background()

	req := newRequest(true)
	sel, err := h.gw.Select(ctx, account.FamilyClaude, req)
	require.NoError(t, err)
	s, err := h.gw.RelayStream(ctx, req, sel)
	require.NoError(t, err)

	res, err := streaming.WriteSSE(ctx, httptest.NewRecorder(), s.Chunks())
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Equal(t, 3, res.Usage.OutputTokens)

	<-s.Done()
	result, _ := s.Result()
	assert.False(t, result.Abandoned)
	assert.Zero(t, h.slots(t, "a"))
}

func TestRelayStream_HeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	acct := consoleAccount("a", 10)
	acct.Timeout = 50 * time.Millisecond
	h := newHarness(t, upstream, []*account.Account{acct})

	sel := &account.SelectedAccount{AccountID: "a", Variant: account.VariantClaudeConsole, Account: acct}
	_, err := h.gw.RelayStream(context.Background(), newRequest(true), sel)
	var llmErr *llmerrors.LLMError
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, llmerrors.TypeTimeout, llmErr.Type)
	assert.Zero(t, h.slots(t, "a"))
}

func TestRelayStream_InbandOverloadFlagsAccount(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: error\n"+
			`data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`+"\n\n")
	}))
	defer upstream.Close()

	h := newHarness(t, upstream, []*account.Account{consoleAccount("a", 10)})
	ctx := context.Background()

	sel := &account.SelectedAccount{AccountID: "a", Variant: account.VariantClaudeConsole, Account: consoleAccount("a", 10)}
	s, err := h.gw.RelayStream(ctx, newRequest(true), sel)
	require.NoError(t, err)

	var last types.StreamChunk
	for c := range s.Chunks() {
		last = c
	}
	require.Equal(t, types.ChunkError, last.Kind)

	result := s.Close()
	require.Error(t, result.Err)

	overloaded, err := h.store.IsOverloaded(ctx, "a")
	require.NoError(t, err)
	assert.True(t, overloaded)
	assert.Zero(t, h.slots(t, "a"))
}

func TestRelayStream_UpstreamErrorStatusBeforeStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream, []*account.Account{consoleAccount("a", 10)})
	ctx := context.Background()

	sel := &account.SelectedAccount{AccountID: "a", Variant: account.VariantClaudeConsole, Account: consoleAccount("a", 10)}
	_, err := h.gw.RelayStream(ctx, newRequest(true), sel)

	var llmErr *llmerrors.LLMError
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, http.StatusUnauthorized, llmErr.StatusCode)

	health, err := h.store.Health(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), health.Unauthorized)
	assert.Zero(t, h.slots(t, "a"))
}

func TestRelayStream_CloseReleasesSlot(t *testing.T) {
	unblock := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message_start\n"+`data: {"type":"message_start","message":{"usage":{"input_tokens":1}}}`+"\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-unblock:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(unblock)

	h := newHarness(t, upstream, []*account.Account{consoleAccount("a", 10)})
	ctx := context.Background()

	sel := &account.SelectedAccount{AccountID: "a", Variant: account.VariantClaudeConsole, Account: consoleAccount("a", 10)}
	s, err := h.gw.RelayStream(ctx, newRequest(true), sel)
	require.NoError(t, err)

	first := <-s.Chunks()
	assert.Equal(t, types.ChunkData, first.Kind)
	assert.Equal(t, int64(1), h.slots(t, "a"))

	finished := make(chan relaymux.StreamResult, 1)
	go func() { finished <- s.Close() }()

	select {
	case res := <-finished:
		assert.True(t, res.Abandoned)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish after Close")
	}
	assert.Zero(t, h.slots(t, "a"))
}
