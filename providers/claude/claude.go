// Package claude provides the relay adapter for Claude official and Claude
// Console accounts. Both speak the Anthropic Messages API; they differ only
// in the User-Agent the upstream expects.
package claude

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/relaymux/pkg/account"
	"github.com/blueberrycongee/relaymux/pkg/provider"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

const (
	// AdapterName is the identifier for this adapter.
	AdapterName = "claude"

	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the default anthropic-version header.
	DefaultAPIVersion = "2023-06-01"

	// DefaultMaxTokens is used when a request does not set max_tokens.
	DefaultMaxTokens = 4096

	// DefaultModel is used when a request names no model.
	DefaultModel = "claude-3-5-sonnet-20241022"

	consoleUserAgent  = "claude_code"
	officialUserAgent = "claude-relay-service/1.0"

	messagesPath = "/v1/messages"
)

// Adapter implements provider.Adapter for the Messages API.
type Adapter struct {
	baseURL      string
	apiVersion   string
	defaultModel string
	allowPrivate bool
	headers      map[string]string
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates a Claude adapter with the given options.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		baseURL:      DefaultBaseURL,
		apiVersion:   DefaultAPIVersion,
		defaultModel: DefaultModel,
		headers:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewFromConfig creates an adapter from a provider.Config.
func NewFromConfig(cfg provider.Config) (provider.Adapter, error) {
	a := New(
		WithBaseURL(cfg.BaseURL),
		WithAPIVersion(cfg.APIVersion),
		WithAllowPrivateEndpoints(cfg.AllowPrivateBaseURL),
	)
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
	return []account.Variant{account.VariantClaudeOfficial, account.VariantClaudeConsole}
}

// TransformRequest builds POST {base}/v1/messages.
func (a *Adapter) TransformRequest(ctx context.Context, req *types.Request, target *provider.Target) (*http.Request, error) {
	base, err := provider.ResolveEndpoint(target, a.baseURL, a.allowPrivate)
	if err != nil {
		return nil, err
	}

	body, err := MarshalMessages(req, a.defaultModel)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	ApplyCodeHeaders(httpReq.Header, req.ClientHeaders)
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", a.apiVersion)
	httpReq.Header.Set("x-api-key", credential(target.Secrets))
	if target.Variant == account.VariantClaudeConsole {
		httpReq.Header.Set("User-Agent", consoleUserAgent)
	} else {
		httpReq.Header.Set("User-Agent", officialUserAgent)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	return httpReq, nil
}

func credential(s provider.Secrets) string {
	if s.SessionToken != "" {
		return s.SessionToken
	}
	if s.AccessToken != "" {
		return s.AccessToken
	}
	return s.APIKey
}

// MarshalMessages encodes req as a Messages API body. A vendor prefix on the
// model is removed, an empty model becomes defaultModel, and max_tokens gets a
// default. Fields the gateway does not model pass through unchanged.
func MarshalMessages(req *types.Request, defaultModel string) ([]byte, error) {
	out := req.Clone()
	_, out.Model = types.SplitVendorModel(out.Model)
	if out.Model == "" {
		out.Model = defaultModel
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = DefaultMaxTokens
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

// TransformResponse implements provider.Adapter.
func (a *Adapter) TransformResponse(body []byte) (*types.Response, error) {
	return &types.Response{Body: body, Usage: ParseUsage(body)}, nil
}

// NewUsageScanner implements provider.Adapter.
func (a *Adapter) NewUsageScanner() provider.UsageScanner {
	return &UsageScanner{}
}

// WrapStream returns body unchanged; the Messages API already streams SSE.
func (a *Adapter) WrapStream(body io.ReadCloser) io.ReadCloser {
	return body
}

// MapError implements provider.Adapter.
func (a *Adapter) MapError(statusCode int, body []byte) error {
	return provider.MapUpstreamError(AdapterName, statusCode, body)
}
