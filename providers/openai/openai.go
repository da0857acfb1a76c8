// Package openai provides the relay adapter for OpenAI and Azure OpenAI
// accounts. Both speak chat completions; Azure addresses a deployment and
// authenticates with an api-key header.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/relaymux/pkg/account"
	llmerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/provider"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

const (
	// AdapterName is the identifier for this adapter.
	AdapterName = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultAzureAPIVersion is the api-version sent to Azure deployments.
	DefaultAzureAPIVersion = "2024-02-15-preview"

	// DefaultModel is used when a request names no model.
	DefaultModel = "gpt-4o"
)

// messagesOnlyFields are Extra keys that only make sense on the Messages API.
var messagesOnlyFields = map[string]struct{}{
	"thinking":          {},
	"top_k":             {},
	"anthropic_version": {},
}

// Adapter implements provider.Adapter for chat completions.
type Adapter struct {
	baseURL         string
	azureAPIVersion string
	defaultModel    string
	allowPrivate    bool
	headers         map[string]string
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates an OpenAI adapter with the given options.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		baseURL:         DefaultBaseURL,
		azureAPIVersion: DefaultAzureAPIVersion,
		defaultModel:    DefaultModel,
		headers:         make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewFromConfig creates an adapter from a provider.Config. APIVersion is the
// Azure api-version.
func NewFromConfig(cfg provider.Config) (provider.Adapter, error) {
	a := New(
		WithBaseURL(cfg.BaseURL),
		WithAzureAPIVersion(cfg.APIVersion),
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
	return []account.Variant{account.VariantOpenAI, account.VariantAzure}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	User          string         `json:"user,omitempty"`
}

// TransformRequest builds POST {base}/chat/completions, or the Azure
// deployment URL for Azure accounts.
func (a *Adapter) TransformRequest(ctx context.Context, req *types.Request, target *provider.Target) (*http.Request, error) {
	_, model := types.SplitVendorModel(req.Model)
	if model == "" {
		model = a.defaultModel
	}

	body, err := a.marshal(req, model)
	if err != nil {
		return nil, err
	}

	var endpoint string
	if target.Variant == account.VariantAzure {
		endpoint, err = a.azureEndpoint(target, model)
	} else {
		var base string
		base, err = provider.ResolveEndpoint(target, a.baseURL, a.allowPrivate)
		endpoint = base + "/chat/completions"
	}
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	key := target.Secrets.APIKey
	if key == "" {
		key = target.Secrets.AccessToken
	}
	if target.Variant == account.VariantAzure {
		httpReq.Header.Set("api-key", key)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}
	return httpReq, nil
}

func (a *Adapter) azureEndpoint(target *provider.Target, deployment string) (string, error) {
	if target.Account == nil || target.Account.CustomEndpoint == "" {
		return "", llmerrors.NewInvalidRequestError("azure", deployment, "azure account has no endpoint configured")
	}
	base, err := provider.ResolveEndpoint(target, "", a.allowPrivate)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(base + "/openai/deployments/" + url.PathEscape(deployment) + "/chat/completions")
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("api-version", a.azureAPIVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *Adapter) marshal(req *types.Request, model string) ([]byte, error) {
	out := chatRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
	if req.Stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if req.Metadata != nil {
		out.User = req.Metadata.UserID
	}
	if sys := req.SystemText(); sys != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: sys})
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			continue
		}
		out.Messages = append(out.Messages, chatMessage{Role: m.Role, Content: types.Text(m.Content)})
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if len(req.Extra) == 0 {
		return body, nil
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	for k, v := range req.Extra {
		if _, skip := messagesOnlyFields[k]; skip {
			continue
		}
		if _, exists := payload[k]; !exists {
			payload[k] = v
		}
	}
	body, err = json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

type chatUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

func parseUsage(payload []byte) (types.Usage, bool) {
	var resp struct {
		Model string     `json:"model"`
		Usage *chatUsage `json:"usage"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil || resp.Usage == nil {
		return types.Usage{}, false
	}
	u := types.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        resp.Model,
	}
	if resp.Usage.PromptTokensDetails != nil {
		u.CacheReadInputTokens = resp.Usage.PromptTokensDetails.CachedTokens
	}
	return u, true
}

// TransformResponse implements provider.Adapter.
func (a *Adapter) TransformResponse(body []byte) (*types.Response, error) {
	u, _ := parseUsage(body)
	return &types.Response{Body: body, Usage: u}, nil
}

type usageScanner struct {
	usage types.Usage
}

// ScanLine picks up the final usage chunk requested through include_usage.
func (s *usageScanner) ScanLine(line []byte) {
	payload, ok := provider.SSEData(line)
	if !ok {
		return
	}
	if u, ok := parseUsage(payload); ok {
		s.usage = u
	}
}

func (s *usageScanner) Usage() types.Usage {
	return s.usage
}

// NewUsageScanner implements provider.Adapter.
func (a *Adapter) NewUsageScanner() provider.UsageScanner {
	return &usageScanner{}
}

// WrapStream returns body unchanged.
func (a *Adapter) WrapStream(body io.ReadCloser) io.ReadCloser {
	return body
}

// MapError implements provider.Adapter.
func (a *Adapter) MapError(statusCode int, body []byte) error {
	return provider.MapUpstreamError(AdapterName, statusCode, body)
}
