// Package gemini provides the relay adapter for Google Gemini accounts.
// It translates the unified request into generateContent's camelCase shape.
package gemini

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/relaymux/pkg/account"
	"github.com/blueberrycongee/relaymux/pkg/provider"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

const (
	AdapterName       = "gemini"
	DefaultBaseURL    = "https://generativelanguage.googleapis.com"
	DefaultAPIVersion = "v1beta"
	DefaultModel      = "gemini-2.0-flash"
)

type Adapter struct {
	baseURL      string
	apiVersion   string
	defaultModel string
	allowPrivate bool
	headers      map[string]string
}

var _ provider.Adapter = (*Adapter)(nil)

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

func (a *Adapter) Name() string { return AdapterName }

func (a *Adapter) Variants() []account.Variant {
	return []account.Variant{account.VariantGemini}
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
}

type geminiResponse struct {
	ModelVersion  string         `json:"modelVersion"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
}

// TransformRequest builds POST {base}/{version}/models/{model}:generateContent,
// or :streamGenerateContent?alt=sse for streams. API keys travel in the
// x-goog-api-key header; OAuth accounts send a bearer token.
func (a *Adapter) TransformRequest(ctx context.Context, req *types.Request, target *provider.Target) (*http.Request, error) {
	base, err := provider.ResolveEndpoint(target, a.baseURL, a.allowPrivate)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if _, m := types.SplitVendorModel(model); m != "" {
		model = m
	}
	if model == "" {
		model = a.defaultModel
	}

	body, err := json.Marshal(transformRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	action := "generateContent"
	query := ""
	if req.Stream {
		action = "streamGenerateContent"
		query = "?alt=sse"
	}
	endpoint := base + "/" + a.apiVersion + "/models/" + url.PathEscape(model) + ":" + action + query

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	switch {
	case target.Secrets.APIKey != "":
		httpReq.Header.Set("x-goog-api-key", target.Secrets.APIKey)
	case target.Secrets.AccessToken != "":
		httpReq.Header.Set("Authorization", "Bearer "+target.Secrets.AccessToken)
	}
	return httpReq, nil
}

func transformRequest(req *types.Request) *geminiRequest {
	out := &geminiRequest{Contents: make([]geminiContent, 0, len(req.Messages))}

	if sys := req.SystemText(); sys != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: sys}}}
	}

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			continue
		}
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		out.Contents = append(out.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: types.Text(msg.Content)}},
		})
	}

	if req.MaxTokens > 0 || req.Temperature != nil || req.TopP != nil || len(req.StopSequences) > 0 {
		out.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.StopSequences,
		}
	}
	return out
}

func parseUsage(payload []byte) (types.Usage, bool) {
	var resp geminiResponse
	if err := json.Unmarshal(payload, &resp); err != nil || resp.UsageMetadata == nil {
		return types.Usage{}, false
	}
	m := resp.UsageMetadata
	return types.Usage{
		InputTokens:          m.PromptTokenCount,
		OutputTokens:         m.CandidatesTokenCount,
		CacheReadInputTokens: m.CachedContentTokenCount,
		Model:                resp.ModelVersion,
	}, true
}

func (a *Adapter) TransformResponse(body []byte) (*types.Response, error) {
	u, _ := parseUsage(body)
	return &types.Response{Body: body, Usage: u}, nil
}

type usageScanner struct {
	usage types.Usage
}

// ScanLine keeps the latest usageMetadata. Gemini repeats cumulative counts
// on every chunk.
func (s *usageScanner) ScanLine(line []byte) {
	payload, ok := provider.SSEData(line)
	if !ok {
		return
	}
	if u, ok := parseUsage(payload); ok {
		s.usage = u
	}
}

func (s *usageScanner) Usage() types.Usage { return s.usage }

func (a *Adapter) NewUsageScanner() provider.UsageScanner { return &usageScanner{} }

func (a *Adapter) WrapStream(body io.ReadCloser) io.ReadCloser { return body }

func (a *Adapter) MapError(statusCode int, body []byte) error {
	return provider.MapUpstreamError(AdapterName, statusCode, body)
}

// ModelFromPath extracts the model id from a native
// "models/{model}:generateContent" style path.
func ModelFromPath(path string) string {
	idx := strings.LastIndex(path, "models/")
	if idx < 0 {
		return ""
	}
	rest := path[idx+len("models/"):]
	if colon := strings.Index(rest, ":"); colon >= 0 {
		rest = rest[:colon]
	}
	if m, err := url.PathUnescape(rest); err == nil {
		return m
	}
	return rest
}
