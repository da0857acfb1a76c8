// Package bedrock implements the relay adapter for Claude models on AWS Bedrock.
// Requests are Messages API bodies signed with SigV4; streams arrive as AWS
// eventstream frames and are re-framed as SSE.
package bedrock

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/goccy/go-json"

	"github.com/blueberrycongee/relaymux/pkg/account"
	"github.com/blueberrycongee/relaymux/pkg/provider"
	"github.com/blueberrycongee/relaymux/pkg/types"
	"github.com/blueberrycongee/relaymux/providers/claude"
)

const (
	AdapterName = "bedrock"

	// AnthropicVersion is the body-level version Bedrock requires.
	AnthropicVersion = "bedrock-2023-05-31"

	DefaultRegion          = "us-east-1"
	DefaultSmallFastRegion = "us-east-1"
	DefaultModel           = "us.anthropic.claude-sonnet-4-20250514-v1:0"
	DefaultMaxTokens       = 4096

	signingService = "bedrock"
	streamBufSize  = 64 * 1024
)

// DefaultModelMapping maps Claude API model names to Bedrock inference profile ids.
var DefaultModelMapping = map[string]string{
	"claude-sonnet-4":            "us.anthropic.claude-sonnet-4-20250514-v1:0",
	"claude-sonnet-4-20250514":   "us.anthropic.claude-sonnet-4-20250514-v1:0",
	"claude-opus-4":              "us.anthropic.claude-opus-4-1-20250805-v1:0",
	"claude-opus-4-1":            "us.anthropic.claude-opus-4-1-20250805-v1:0",
	"claude-opus-4-1-20250805":   "us.anthropic.claude-opus-4-1-20250805-v1:0",
	"claude-3-7-sonnet":          "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
	"claude-3-7-sonnet-20250219": "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
	"claude-3-5-sonnet":          "us.anthropic.claude-3-5-sonnet-20241022-v2:0",
	"claude-3-5-sonnet-20241022": "us.anthropic.claude-3-5-sonnet-20241022-v2:0",
	"claude-3-5-haiku":           "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	"claude-3-5-haiku-20241022":  "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	"claude-3-sonnet":            "us.anthropic.claude-3-sonnet-20240229-v1:0",
	"claude-3-sonnet-20240229":   "us.anthropic.claude-3-sonnet-20240229-v1:0",
	"claude-3-haiku":             "us.anthropic.claude-3-haiku-20240307-v1:0",
	"claude-3-haiku-20240307":    "us.anthropic.claude-3-haiku-20240307-v1:0",
}

// Adapter implements provider.Adapter for Bedrock accounts.
type Adapter struct {
	defaultRegion   string
	smallFastRegion string
	defaultModel    string
	maxTokens       int
	allowPrivate    bool
	models          map[string]string

	fallbackCreds aws.CredentialsProvider
	credsOnce     sync.Once
	credsErr      error

	signer *v4.Signer
	now    func() time.Time
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates a Bedrock adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		defaultRegion:   DefaultRegion,
		smallFastRegion: DefaultSmallFastRegion,
		defaultModel:    DefaultModel,
		maxTokens:       DefaultMaxTokens,
		models:          make(map[string]string, len(DefaultModelMapping)),
		signer:          v4.NewSigner(),
		now:             time.Now,
	}
	for k, v := range DefaultModelMapping {
		a.models[k] = v
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewFromConfig creates an adapter from a provider.Config. BaseURL, when set,
// is unused; Bedrock endpoints are derived from the region.
func NewFromConfig(cfg provider.Config) (provider.Adapter, error) {
	return New(WithAllowPrivateEndpoints(cfg.AllowPrivateBaseURL)), nil
}

func (a *Adapter) Name() string { return AdapterName }

func (a *Adapter) Variants() []account.Variant {
	return []account.Variant{account.VariantBedrock}
}

// MapModel resolves the Bedrock model id for a requested model name.
// Vendor-qualified ids pass through; unknown names get the default model.
func (a *Adapter) MapModel(model string) string {
	_, model = types.SplitVendorModel(model)
	if model == "" {
		return a.defaultModel
	}
	if strings.Contains(model, ".anthropic.") || strings.HasPrefix(model, "anthropic.") {
		return model
	}
	if id, ok := a.models[model]; ok {
		return id
	}
	return a.defaultModel
}

// Region picks the signing region: the account's own region, else the
// small-fast region for haiku-class models, else the default.
func (a *Adapter) Region(acct *account.Account, modelID string) string {
	if acct != nil && acct.Region != "" {
		return acct.Region
	}
	if types.IsHaikuModel(modelID) {
		return a.smallFastRegion
	}
	return a.defaultRegion
}

// TransformRequest builds and signs POST /model/{id}/invoke, or
// invoke-with-response-stream for streams.
func (a *Adapter) TransformRequest(ctx context.Context, req *types.Request, target *provider.Target) (*http.Request, error) {
	modelID := a.MapModel(req.Model)
	region := a.Region(target.Account, modelID)

	base, err := provider.ResolveEndpoint(target, "https://bedrock-runtime."+region+".amazonaws.com", a.allowPrivate)
	if err != nil {
		return nil, err
	}

	body, err := a.marshal(req)
	if err != nil {
		return nil, err
	}

	action := "invoke"
	if req.Stream {
		action = "invoke-with-response-stream"
	}
	escaped := strings.ReplaceAll(url.PathEscape(modelID), ":", "%3A")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/model/"+escaped+"/"+action, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "application/vnd.amazon.eventstream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	creds, err := a.credentials(ctx, target.Secrets)
	if err != nil {
		return nil, err
	}
	payloadHash := sha256.Sum256(body)
	if err := a.signer.SignHTTP(ctx, creds, httpReq, hex.EncodeToString(payloadHash[:]), signingService, region, a.now()); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	return httpReq, nil
}

// marshal builds the InvokeModel body: the Messages payload without model
// and stream, with anthropic_version and a capped max_tokens.
func (a *Adapter) marshal(req *types.Request) ([]byte, error) {
	msgBody, err := claude.MarshalMessages(req, a.defaultModel)
	if err != nil {
		return nil, err
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(msgBody, &payload); err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	delete(payload, "model")
	delete(payload, "stream")

	maxTokens := req.MaxTokens
	if maxTokens <= 0 || maxTokens > a.maxTokens {
		maxTokens = a.maxTokens
	}
	payload["max_tokens"], _ = json.Marshal(maxTokens)
	payload["anthropic_version"], _ = json.Marshal(AnthropicVersion)

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return out, nil
}

func (a *Adapter) credentials(ctx context.Context, s provider.Secrets) (aws.Credentials, error) {
	if s.AWSAccessKeyID != "" && s.AWSSecretAccessKey != "" {
		return credentials.NewStaticCredentialsProvider(s.AWSAccessKeyID, s.AWSSecretAccessKey, s.AWSSessionToken).Retrieve(ctx)
	}

	a.credsOnce.Do(func() {
		if a.fallbackCreds != nil {
			return
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			a.credsErr = fmt.Errorf("load aws config: %w", err)
			return
		}
		a.fallbackCreds = cfg.Credentials
	})
	if a.credsErr != nil {
		return aws.Credentials{}, a.credsErr
	}
	if a.fallbackCreds == nil {
		return aws.Credentials{}, errors.New("no aws credentials available")
	}
	creds, err := a.fallbackCreds.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("retrieve credentials: %w", err)
	}
	return creds, nil
}

func (a *Adapter) TransformResponse(body []byte) (*types.Response, error) {
	return &types.Response{Body: body, Usage: claude.ParseUsage(body)}, nil
}

// NewUsageScanner returns the Messages scanner; WrapStream yields the same
// event payloads as the Messages API.
func (a *Adapter) NewUsageScanner() provider.UsageScanner {
	return &claude.UsageScanner{}
}

type chunkPayload struct {
	Bytes []byte `json:"bytes"`
}

type streamEvent struct {
	Type string `json:"type"`
}

// WrapStream decodes eventstream frames into "event:/data:" SSE lines.
// An exception frame becomes a final Messages API error event.
func (a *Adapter) WrapStream(body io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		defer body.Close()

		decoder := eventstream.NewDecoder()
		buf := make([]byte, streamBufSize)
		for {
			msg, err := decoder.Decode(body, buf)
			if err != nil {
				if errors.Is(err, io.EOF) {
					_ = pw.Close()
				} else {
					_ = pw.CloseWithError(fmt.Errorf("decode eventstream: %w", err))
				}
				return
			}

			if mt := headerString(msg.Headers, ":message-type"); mt == "exception" || mt == "error" {
				name := headerString(msg.Headers, ":exception-type")
				if name == "" {
					name = headerString(msg.Headers, ":error-code")
				}
				frame, err := exceptionEvent(name, provider.ErrorMessage(msg.Payload))
				if err == nil {
					_, err = pw.Write(frame)
				}
				_ = pw.CloseWithError(err)
				return
			}
			if headerString(msg.Headers, ":event-type") != "chunk" {
				continue
			}

			var chunk chunkPayload
			if err := json.Unmarshal(msg.Payload, &chunk); err != nil || len(chunk.Bytes) == 0 {
				continue
			}
			var ev streamEvent
			_ = json.Unmarshal(chunk.Bytes, &ev)
			if _, err := fmt.Fprintf(pw, "event: %s\ndata: %s\n\n", ev.Type, chunk.Bytes); err != nil {
				return
			}
		}
	}()
	return pr
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorPayload struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

// exceptionEvent renders a Bedrock stream exception as an SSE error event.
func exceptionEvent(exception, message string) ([]byte, error) {
	if message == "" {
		message = exception
	}
	data, err := json.Marshal(errorPayload{
		Type:  "error",
		Error: errorDetail{Type: errorTypeForException(exception), Message: message},
	})
	if err != nil {
		return nil, err
	}
	return fmt.Appendf(nil, "event: error\ndata: %s\n\n", data), nil
}

func errorTypeForException(name string) string {
	switch strings.ToLower(name) {
	case "throttlingexception":
		return "rate_limit_error"
	case "accessdeniedexception":
		return "permission_error"
	case "validationexception":
		return "invalid_request_error"
	case "resourcenotfoundexception":
		return "not_found_error"
	default:
		return "api_error"
	}
}

func headerString(h eventstream.Headers, name string) string {
	v := h.Get(name)
	if v == nil {
		return ""
	}
	return v.String()
}

func (a *Adapter) MapError(statusCode int, body []byte) error {
	return provider.MapUpstreamError(AdapterName, statusCode, body)
}
