package relaymux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/relaymux/internal/feedback"
	"github.com/blueberrycongee/relaymux/internal/httputil"
	"github.com/blueberrycongee/relaymux/internal/metrics"
	"github.com/blueberrycongee/relaymux/internal/observability"
	"github.com/blueberrycongee/relaymux/internal/state"
	"github.com/blueberrycongee/relaymux/internal/streaming"
	"github.com/blueberrycongee/relaymux/internal/vault"
	"github.com/blueberrycongee/relaymux/pkg/account"
	llmerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/provider"
	"github.com/blueberrycongee/relaymux/pkg/types"
	"github.com/blueberrycongee/relaymux/schedulers"
)

// finalizeTimeout bounds store writes that run after the caller's context ended.
const finalizeTimeout = 5 * time.Second

// Gateway selects accounts and relays requests to them.
//
// Gateway is safe for concurrent use by multiple goroutines.
type Gateway struct {
	cfg        *GatewayConfig
	store      *state.Store
	registry   *provider.Registry
	cipher     vault.Cipher
	feedback   *feedback.Loop
	schedulers map[account.Family]*schedulers.Scheduler
	byVariant  map[account.Variant]*schedulers.Scheduler
	httpClient *http.Client
	tracer     trace.Tracer
	logger     *slog.Logger
}

// New creates a gateway with one scheduler per provider family.
func New(store *state.Store, dir account.Directory, registry *provider.Registry, cipher vault.Cipher, opts ...Option) (*Gateway, error) {
	switch {
	case store == nil:
		return nil, errors.New("relaymux: state store is required")
	case dir == nil:
		return nil, errors.New("relaymux: account directory is required")
	case registry == nil:
		return nil, errors.New("relaymux: adapter registry is required")
	case cipher == nil:
		return nil, errors.New("relaymux: credential cipher is required")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	g := &Gateway{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		cipher:     cipher,
		feedback:   feedback.New(store, cfg.Feedback, feedback.WithLogger(cfg.Logger)),
		schedulers: make(map[account.Family]*schedulers.Scheduler),
		byVariant:  make(map[account.Variant]*schedulers.Scheduler),
		httpClient: cfg.HTTPClient,
		tracer:     cfg.Tracer,
		logger:     cfg.Logger,
	}

	if g.httpClient == nil {
		g.httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if g.tracer == nil {
		g.tracer = otel.Tracer(observability.TracerName)
	}

	schedOpts := []schedulers.Option{schedulers.WithLogger(cfg.Logger)}
	for _, s := range []*schedulers.Scheduler{
		schedulers.NewClaude(dir, store, cfg.Scheduler, schedOpts...),
		schedulers.NewGemini(dir, store, cfg.Scheduler, schedOpts...),
		schedulers.NewOpenAI(dir, store, cfg.Scheduler, schedOpts...),
	} {
		g.schedulers[s.Family()] = s
		for _, v := range s.Variants() {
			g.byVariant[v] = s
		}
	}

	g.logger.Info("relaymux gateway initialized",
		"families", len(g.schedulers),
		"adapters", len(registry.Variants()),
		"refresh_enabled", cfg.Refresher != nil,
	)
	return g, nil
}

// Scheduler returns the scheduler of family.
func (g *Gateway) Scheduler(family account.Family) (*schedulers.Scheduler, bool) {
	s, ok := g.schedulers[family]
	return s, ok
}

// Select picks an account of family for req. When req carries no session
// hash one is derived from its content and stored on req, so later feedback
// can drop the sticky mapping.
func (g *Gateway) Select(ctx context.Context, family account.Family, req *types.Request) (*account.SelectedAccount, error) {
	s, ok := g.schedulers[family]
	if !ok {
		return nil, llmerrors.NewInvalidRequestError("", req.Model, fmt.Sprintf("unknown provider family %q", family))
	}
	if req.SessionHash == "" {
		req.SessionHash = schedulers.SessionHash(req)
	}

	ctx, span := g.tracer.Start(ctx, "relaymux.select", trace.WithAttributes(
		attribute.String("relay.family", string(family)),
		attribute.String("gen_ai.request.model", req.Model),
		attribute.Bool("relay.sticky_session", req.SessionHash != ""),
	))
	defer span.End()

	sel, err := s.Select(ctx, schedulers.SelectRequest{SessionHash: req.SessionHash, Model: req.Model})
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("relay.account_id", sel.AccountID),
		attribute.String("relay.variant", string(sel.Variant)),
	)
	return sel, nil
}

// OnUpstreamError applies the health change for an upstream status to the
// selected account. sessionHash is the hash that routed the request; a 429
// drops its sticky mapping.
func (g *Gateway) OnUpstreamError(ctx context.Context, sel *account.SelectedAccount, sessionHash string, status int, header http.Header) (feedback.Outcome, error) {
	ev := feedback.Event{
		AccountID:   sel.AccountID,
		Status:      status,
		Header:      header,
		SessionHash: sessionHash,
	}
	if s, ok := g.byVariant[sel.Variant]; ok {
		ev.SessionNamespace = s.Namespace()
	}
	return g.feedback.OnUpstreamError(ctx, ev)
}

// OnSuccess clears the rate-limit flag of accountID.
func (g *Gateway) OnSuccess(ctx context.Context, accountID string) error {
	return g.feedback.OnSuccess(ctx, accountID)
}

// Relay performs a non-streaming call against sel. Non-2xx responses are
// mapped through the adapter and fed back into account health.
func (g *Gateway) Relay(ctx context.Context, req *types.Request, sel *account.SelectedAccount) (*types.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeoutFor(sel))
	defer cancel()

	ctx, at, httpReq, err := g.begin(ctx, req, sel, false)
	if err != nil {
		return nil, err
	}
	defer at.finish()

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, g.transportFailure(ctx, at, err)
	}
	defer resp.Body.Close()

	body, readErr := httputil.ReadLimitedBody(resp.Body, g.cfg.MaxResponseBytes)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, g.upstreamFailure(ctx, at, resp.StatusCode, resp.Header, body)
	}
	if readErr != nil {
		return nil, g.transportFailure(ctx, at, fmt.Errorf("read upstream body: %w", readErr))
	}

	out, err := at.adapter.TransformResponse(body)
	if err != nil {
		return nil, g.transportFailure(ctx, at, fmt.Errorf("decode upstream body: %w", err))
	}
	out.StatusCode = resp.StatusCode
	out.Header = resp.Header
	out.AccountID = at.acct.ID
	out.Variant = string(sel.Variant)

	g.succeed(ctx, at, resp.StatusCode, out.Usage)
	return out, nil
}

// RelayStream opens a streaming call against sel. Errors before the upstream
// accepted the request are returned directly; later failures arrive as the
// stream's terminal error chunk. The concurrency slot is held until the
// stream ends or is closed.
func (g *Gateway) RelayStream(ctx context.Context, req *types.Request, sel *account.SelectedAccount) (*Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	streamCtx, at, httpReq, err := g.begin(streamCtx, req, sel, true)
	if err != nil {
		cancel()
		return nil, err
	}
	at.cancel = cancel

	// The timeout covers the wait for response headers only.
	deadline := startHeaderDeadline(g.timeoutFor(sel), cancel)
	resp, err := g.httpClient.Do(httpReq)
	timedOut := deadline.stop()
	if err != nil {
		if timedOut {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		failure := g.transportFailure(streamCtx, at, err)
		at.finish()
		return nil, failure
	}
	if err := streamCtx.Err(); err != nil {
		_ = resp.Body.Close()
		if timedOut {
			failure := g.transportFailure(streamCtx, at, fmt.Errorf("%w: response headers arrived late", context.DeadlineExceeded))
			at.finish()
			return nil, failure
		}
		metrics.RecordRelay(string(sel.Variant), req.Model, true, statusClientClosed, time.Since(at.start))
		at.log.Info("client went away before stream start")
		at.finish()
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := httputil.ReadLimitedBody(resp.Body, g.cfg.MaxResponseBytes)
		_ = resp.Body.Close()
		failure := g.upstreamFailure(streamCtx, at, resp.StatusCode, resp.Header, body)
		at.finish()
		return nil, failure
	}

	chunks := streaming.Pump(streamCtx, at.adapter.WrapStream(resp.Body), at.adapter.NewUsageScanner(),
		streaming.WithCapacity(g.cfg.StreamCapacity),
		streaming.WithProvider(at.adapter.Name(), req.Model),
		streaming.WithLogger(at.log),
	)

	s := &Stream{
		AccountID: at.acct.ID,
		Variant:   sel.Variant,
		RequestID: at.requestID,
		Header:    resp.Header,
		out:       make(chan types.StreamChunk, g.cfg.StreamCapacity),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	go g.forward(streamCtx, at, chunks, s)
	return s, nil
}

// headerDeadline cancels a stream whose response headers do not arrive in
// time. Once stopped it never fires.
type headerDeadline struct {
	mu      sync.Mutex
	stopped bool
	expired bool
	timer   *time.Timer
}

func startHeaderDeadline(d time.Duration, cancel context.CancelFunc) *headerDeadline {
	h := &headerDeadline{}
	h.timer = time.AfterFunc(d, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if !h.stopped {
			h.expired = true
			cancel()
		}
	})
	return h
}

// stop disarms the deadline and reports whether it already fired.
func (h *headerDeadline) stop() bool {
	h.timer.Stop()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	return h.expired
}

// attempt is the per-call state shared by Relay and RelayStream.
type attempt struct {
	req       *types.Request
	sel       *account.SelectedAccount
	acct      *account.Account
	adapter   provider.Adapter
	requestID string
	stream    bool
	start     time.Time
	span      trace.Span
	log       *slog.Logger

	release func()
	cancel  context.CancelFunc
}

// finish releases the slot and ends the span. It is safe to call once per attempt.
func (at *attempt) finish() {
	at.release()
	at.span.End()
	if at.cancel != nil {
		at.cancel()
	}
}

// begin refreshes credentials when needed, takes a concurrency slot and
// builds the upstream request. On error nothing is left held.
func (g *Gateway) begin(ctx context.Context, req *types.Request, sel *account.SelectedAccount, stream bool) (context.Context, *attempt, *http.Request, error) {
	if sel == nil || sel.Account == nil {
		return ctx, nil, nil, llmerrors.NewInternalError("", req.Model, "no account selected")
	}
	adapter, ok := g.registry.Lookup(sel.Variant)
	if !ok {
		return ctx, nil, nil, llmerrors.NewInternalError(string(sel.Variant), req.Model, "no adapter registered for variant")
	}

	ctx, requestID := observability.GetOrCreateRequestID(ctx)
	log := g.logger.With(
		"request_id", requestID,
		"account_id", sel.AccountID,
		"variant", sel.Variant,
		"model", req.Model,
	)

	acct := sel.Account
	if g.cfg.Refresher != nil {
		fresh, err := g.cfg.Refresher.EnsureFresh(ctx, acct)
		if err != nil {
			log.Warn("token refresh failed", "error", err)
			return ctx, nil, nil, llmerrors.NewAuthenticationError(adapter.Name(), req.Model, "account token refresh failed").WithCause(err)
		}
		acct = fresh
	}

	ctx, span := observability.StartRelaySpan(ctx, g.tracer, "relaymux.relay", observability.RelaySpanAttributes{
		Variant:   string(sel.Variant),
		AccountID: acct.ID,
		Model:     req.Model,
		Stream:    stream,
		Session:   req.SessionHash != "",
	})

	if _, err := g.store.Increment(ctx, acct.ID, requestID, g.cfg.SlotTTL); err != nil {
		observability.RecordError(span, err)
		span.End()
		return ctx, nil, nil, err
	}
	gauge := metrics.ActiveSlots.WithLabelValues(string(sel.Variant))
	gauge.Inc()

	var once sync.Once
	release := func() {
		once.Do(func() {
			gauge.Dec()
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
			defer cancel()
			if err := g.store.Decrement(rctx, acct.ID, requestID); err != nil {
				log.Error("failed to release concurrency slot", "error", err)
			}
		})
	}

	at := &attempt{
		req:       req,
		sel:       sel,
		acct:      acct,
		adapter:   adapter,
		requestID: requestID,
		stream:    stream,
		start:     time.Now(),
		span:      span,
		log:       log,
		release:   release,
	}

	secrets, err := g.decryptSecrets(acct)
	if err != nil {
		at.finish()
		return ctx, nil, nil, llmerrors.NewInternalError(adapter.Name(), req.Model, "account credentials unavailable").WithCause(err)
	}

	httpReq, err := adapter.TransformRequest(ctx, req, &provider.Target{
		Account: acct,
		Variant: sel.Variant,
		Secrets: secrets,
	})
	if err != nil {
		at.finish()
		var llmErr *llmerrors.LLMError
		if errors.As(err, &llmErr) {
			return ctx, nil, nil, err
		}
		return ctx, nil, nil, llmerrors.NewInternalError(adapter.Name(), req.Model, "build upstream request").WithCause(err)
	}
	return ctx, at, httpReq, nil
}

func (g *Gateway) decryptSecrets(acct *account.Account) (provider.Secrets, error) {
	var s provider.Secrets
	c := acct.Credentials
	fields := []struct {
		name string
		src  string
		dst  *string
	}{
		{"access_token", c.AccessToken, &s.AccessToken},
		{"session_token", c.SessionToken, &s.SessionToken},
		{"api_key", c.APIKey, &s.APIKey},
		{"aws_access_key_id", c.AWSAccessKeyID, &s.AWSAccessKeyID},
		{"aws_secret_access_key", c.AWSSecretAccessKey, &s.AWSSecretAccessKey},
		{"aws_session_token", c.AWSSessionToken, &s.AWSSessionToken},
	}
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		plain, err := g.cipher.Decrypt(f.src)
		if err != nil {
			return provider.Secrets{}, fmt.Errorf("account %s: decrypt %s: %w", acct.ID, f.name, err)
		}
		*f.dst = plain
	}
	return s, nil
}

func (g *Gateway) timeoutFor(sel *account.SelectedAccount) time.Duration {
	if sel != nil && sel.Account != nil && sel.Account.Timeout > 0 {
		return sel.Account.Timeout
	}
	return g.cfg.Timeout
}

// upstreamFailure maps a non-2xx response and applies its health change.
func (g *Gateway) upstreamFailure(ctx context.Context, at *attempt, status int, header http.Header, body []byte) error {
	mapped := at.adapter.MapError(status, body)
	var llmErr *llmerrors.LLMError
	if errors.As(mapped, &llmErr) && llmErr.Model == "" {
		llmErr.Model = at.req.Model
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if _, err := g.OnUpstreamError(fctx, at.sel, at.req.SessionHash, status, header); err != nil {
		at.log.Error("failed to record upstream failure", "status", status, "error", err)
	}

	at.log.Warn("upstream request failed", "status", status, "error", mapped)
	metrics.RecordRelay(string(at.sel.Variant), at.req.Model, at.stream, status, time.Since(at.start))
	observability.RecordError(at.span, mapped)
	return mapped
}

// transportFailure reports a network, timeout or decode failure. These never
// change account health.
func (g *Gateway) transportFailure(ctx context.Context, at *attempt, err error) error {
	var out *llmerrors.LLMError
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out = llmerrors.NewTimeoutError(at.adapter.Name(), at.req.Model, "upstream request timed out")
	} else {
		out = llmerrors.NewUpstreamError(at.adapter.Name(), at.req.Model, 0, "upstream request failed")
	}
	out.WithCause(err)

	at.log.Warn("upstream transport failure", "error", err)
	metrics.RecordRelay(string(at.sel.Variant), at.req.Model, at.stream, out.StatusCode, time.Since(at.start))
	observability.RecordError(at.span, out)
	return out
}

func (g *Gateway) succeed(ctx context.Context, at *attempt, status int, usage types.Usage) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := g.OnSuccess(fctx, at.acct.ID); err != nil {
		at.log.Error("failed to clear rate limit", "error", err)
	}

	variant := string(at.sel.Variant)
	metrics.RecordRelay(variant, at.req.Model, at.stream, status, time.Since(at.start))
	metrics.RecordUsage(variant, at.req.Model, usage)
	observability.RecordUsage(at.span, usage)
	at.log.Debug("relay completed",
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"latency", time.Since(at.start),
	)
}
