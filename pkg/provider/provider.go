// Package provider defines the relay adapter contract. Each upstream wire
// protocol (Claude Messages, Gemini generateContent, OpenAI chat completions,
// Bedrock InvokeModel) implements Adapter to translate the unified request,
// extract usage from responses and map upstream errors.
package provider

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/blueberrycongee/relaymux/pkg/account"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

// Adapter translates between the unified request shape and one upstream wire protocol.
type Adapter interface {
	// Name returns the adapter identifier (e.g., "claude", "gemini").
	Name() string

	// Variants lists the account variants this adapter serves.
	Variants() []account.Variant

	// TransformRequest builds the upstream HTTP request for target.
	// It sets URL, auth and provider headers; it does not send anything.
	TransformRequest(ctx context.Context, req *types.Request, target *Target) (*http.Request, error)

	// TransformResponse extracts usage from a complete non-streaming body.
	// The body is returned verbatim; missing usage yields zero counts, never an error.
	TransformResponse(body []byte) (*types.Response, error)

	// NewUsageScanner returns a fresh scanner that accumulates usage from
	// streaming response lines.
	NewUsageScanner() UsageScanner

	// WrapStream adapts the upstream stream body into newline-delimited SSE.
	// Adapters whose upstream already speaks SSE return body unchanged.
	WrapStream(body io.ReadCloser) io.ReadCloser

	// MapError converts a non-2xx upstream response into a typed error.
	MapError(statusCode int, body []byte) error
}

// UsageScanner accumulates token usage across stream lines.
type UsageScanner interface {
	// ScanLine inspects one line of the stream, without its trailing newline.
	ScanLine(line []byte)

	// Usage returns the totals seen so far.
	Usage() types.Usage
}

// Target is the account a request is relayed through, with decrypted secrets.
type Target struct {
	Account *account.Account
	Variant account.Variant
	Secrets Secrets
}

// Secrets are the plaintext credentials of one account. They never leave
// the process and are never serialized.
type Secrets struct {
	AccessToken        string `json:"-"`
	SessionToken       string `json:"-"`
	APIKey             string `json:"-"`
	AWSAccessKeyID     string `json:"-"`
	AWSSecretAccessKey string `json:"-"`
	AWSSessionToken    string `json:"-"`
}

// BaseURL returns the account's custom endpoint, or fallback when unset.
func (t *Target) BaseURL(fallback string) string {
	if t != nil && t.Account != nil && t.Account.CustomEndpoint != "" {
		return t.Account.CustomEndpoint
	}
	return fallback
}

// Config contains adapter configuration shared by every account.
type Config struct {
	Name       string
	BaseURL    string
	APIVersion string
	UserAgent  string
	Timeout    time.Duration
	Headers    map[string]string

	// AllowPrivateBaseURL permits loopback and private custom endpoints.
	AllowPrivateBaseURL bool
}

// Factory creates adapter instances from configuration.
type Factory func(cfg Config) (Adapter, error)
