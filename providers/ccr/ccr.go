// Package ccr provides the relay adapter for Claude Code Router compatible
// endpoints. CCR speaks the Messages API behind a per-account endpoint with
// bearer authentication.
package ccr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/blueberrycongee/relaymux/pkg/account"
	llmerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/provider"
	"github.com/blueberrycongee/relaymux/pkg/types"
	"github.com/blueberrycongee/relaymux/providers/claude"
)

// AdapterName is the identifier for this adapter.
const AdapterName = "ccr"

// Adapter implements provider.Adapter for CCR accounts.
type Adapter struct {
	apiVersion   string
	allowPrivate bool
	headers      map[string]string
}

var _ provider.Adapter = (*Adapter)(nil)

// Option configures the CCR adapter.
type Option func(*Adapter)

// WithAPIVersion sets the anthropic-version header.
func WithAPIVersion(version string) Option {
	return func(a *Adapter) {
		if version != "" {
			a.apiVersion = version
		}
	}
}

// WithHeader adds a static header sent on every request.
func WithHeader(key, value string) Option {
	return func(a *Adapter) {
		a.headers[key] = value
	}
}

// WithAllowPrivateEndpoints permits endpoints on private or loopback hosts.
// Self-hosted routers commonly run next to the gateway.
func WithAllowPrivateEndpoints(allow bool) Option {
	return func(a *Adapter) {
		a.allowPrivate = allow
	}
}

// New creates a CCR adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		apiVersion: claude.DefaultAPIVersion,
		headers:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewFromConfig creates an adapter from a provider.Config.
func NewFromConfig(cfg provider.Config) (provider.Adapter, error) {
	a := New(WithAPIVersion(cfg.APIVersion), WithAllowPrivateEndpoints(cfg.AllowPrivateBaseURL))
	for k, v := range cfg.Headers {
		a.headers[k] = v
	}
	return a, nil
}

// Name returns the adapter identifier.
func (a *Adapter) Name() string {
	return AdapterName
}

// Variants implements provider.Adapter.
func (a *Adapter) Variants() []account.Variant {
	return []account.Variant{account.VariantCCR}
}

// TransformRequest builds POST {endpoint}/v1/messages. The account must carry
// a custom endpoint.
func (a *Adapter) TransformRequest(ctx context.Context, req *types.Request, target *provider.Target) (*http.Request, error) {
	if target.Account == nil || strings.TrimSpace(target.Account.CustomEndpoint) == "" {
		return nil, llmerrors.NewInvalidRequestError(AdapterName, req.Model, "ccr account has no endpoint configured")
	}
	base, err := provider.ResolveEndpoint(target, "", a.allowPrivate)
	if err != nil {
		return nil, err
	}

	body, err := claude.MarshalMessages(req, claude.DefaultModel)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", a.apiVersion)
	httpReq.Header.Set("Authorization", "Bearer "+target.Secrets.APIKey)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

// TransformResponse implements provider.Adapter.
func (a *Adapter) TransformResponse(body []byte) (*types.Response, error) {
	return &types.Response{Body: body, Usage: claude.ParseUsage(body)}, nil
}

// NewUsageScanner implements provider.Adapter.
func (a *Adapter) NewUsageScanner() provider.UsageScanner {
	return &claude.UsageScanner{}
}

// WrapStream returns body unchanged.
func (a *Adapter) WrapStream(body io.ReadCloser) io.ReadCloser {
	return body
}

// MapError implements provider.Adapter.
func (a *Adapter) MapError(statusCode int, body []byte) error {
	return provider.MapUpstreamError(AdapterName, statusCode, body)
}
