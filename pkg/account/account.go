// Package account defines the upstream account model read by the scheduler.
// Accounts are owned by an external directory; the gateway never mutates them.
package account

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by write operations on unknown accounts.
var ErrNotFound = errors.New("account not found")

// Platform identifies the upstream provider an account belongs to.
type Platform string

const (
	PlatformClaudeOfficial Platform = "claude-official"
	PlatformClaudeConsole  Platform = "claude-console"
	PlatformGemini         Platform = "gemini"
	PlatformOpenAI         Platform = "openai"
	PlatformBedrock        Platform = "bedrock"
	PlatformAzure          Platform = "azure"
	PlatformCCR            Platform = "ccr"
)

// ParsePlatform accepts the canonical names plus the aliases used by older account records.
func ParsePlatform(s string) (Platform, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "claude-official", "claude", "claude_official":
		return PlatformClaudeOfficial, true
	case "claude-console", "claudeconsole", "claude_console":
		return PlatformClaudeConsole, true
	case "gemini":
		return PlatformGemini, true
	case "openai":
		return PlatformOpenAI, true
	case "bedrock":
		return PlatformBedrock, true
	case "azure", "azure_openai":
		return PlatformAzure, true
	case "ccr":
		return PlatformCCR, true
	}
	return "", false
}

// Type distinguishes shared pool accounts from accounts dedicated to one key.
type Type string

const (
	TypeShared    Type = "shared"
	TypeDedicated Type = "dedicated"
)

// Status is the directory-managed lifecycle status of an account.
type Status string

const (
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusError      Status = "error"
	StatusOverloaded Status = "overloaded"
	StatusExpired    Status = "expired"
)

// DefaultPriority is used when an account record carries no priority.
const DefaultPriority = 50

// Subscription carries the tier flags that gate model eligibility.
type Subscription struct {
	HasClaudePro bool `json:"hasClaudePro" yaml:"has_claude_pro"`
	HasClaudeMax bool `json:"hasClaudeMax" yaml:"has_claude_max"`
}

// Credentials holds the encrypted secrets of an account. Values are ciphertext
// produced by the credential vault and must be decrypted before use.
type Credentials struct {
	AccessToken        string `json:"access_token,omitempty" yaml:"access_token"`
	SessionToken       string `json:"session_token,omitempty" yaml:"session_token"`
	RefreshToken       string `json:"refresh_token,omitempty" yaml:"refresh_token"`
	APIKey             string `json:"api_key,omitempty" yaml:"api_key"`
	AWSAccessKeyID     string `json:"aws_access_key_id,omitempty" yaml:"aws_access_key_id"`
	AWSSecretAccessKey string `json:"aws_secret_access_key,omitempty" yaml:"aws_secret_access_key"`
	AWSSessionToken    string `json:"aws_session_token,omitempty" yaml:"aws_session_token"`
}

// Account is a snapshot of one upstream account.
type Account struct {
	ID               string        `json:"id" yaml:"id"`
	Name             string        `json:"name" yaml:"name"`
	Platform         Platform      `json:"platform" yaml:"platform"`
	Type             Type          `json:"account_type" yaml:"type"`
	Priority         int           `json:"priority" yaml:"priority"`
	Schedulable      bool          `json:"schedulable" yaml:"schedulable"`
	Active           bool          `json:"is_active" yaml:"active"`
	Status           Status        `json:"status" yaml:"status"`
	ConcurrencyLimit int           `json:"concurrency_limit" yaml:"concurrency_limit"`
	ExpiresAt        time.Time     `json:"expires_at" yaml:"expires_at"`
	LastRefreshAt    time.Time     `json:"last_refresh_at" yaml:"last_refresh_at"`
	Subscription     Subscription  `json:"subscription_info" yaml:"subscription"`
	SupportedModels  []string      `json:"supported_models,omitempty" yaml:"supported_models"`
	CustomEndpoint   string        `json:"custom_api_endpoint,omitempty" yaml:"custom_endpoint"`
	Region           string        `json:"region,omitempty" yaml:"region"`
	Credentials      Credentials   `json:"credentials" yaml:"credentials"`
	Timeout          time.Duration `json:"timeout,omitempty" yaml:"timeout"`
}

// EffectivePriority returns the account priority, substituting the default for unset values.
func (a *Account) EffectivePriority() int {
	if a.Priority <= 0 {
		return DefaultPriority
	}
	return a.Priority
}

// IsShared reports whether the account belongs to the shared pool.
// Records without a type are treated as shared.
func (a *Account) IsShared() bool {
	return a.Type == "" || a.Type == TypeShared
}

// TokenExpiring reports whether the account token expires within buffer of now.
// Accounts without an expiry never expire.
func (a *Account) TokenExpiring(now time.Time, buffer time.Duration) bool {
	if a.ExpiresAt.IsZero() {
		return false
	}
	return !a.ExpiresAt.After(now.Add(buffer))
}

// Clone returns a deep copy so callers can hand out snapshots safely.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.SupportedModels != nil {
		c.SupportedModels = append([]string(nil), a.SupportedModels...)
	}
	return &c
}

// Filter narrows ListAccounts results. Zero values match everything.
type Filter struct {
	Platforms []Platform
}

// Matches reports whether a satisfies the filter.
func (f Filter) Matches(a *Account) bool {
	if len(f.Platforms) == 0 {
		return true
	}
	for _, p := range f.Platforms {
		if a.Platform == p {
			return true
		}
	}
	return false
}

// Directory is the read side of the account store.
type Directory interface {
	// ListAccounts returns snapshots of all accounts matching filter.
	ListAccounts(ctx context.Context, filter Filter) ([]*Account, error)

	// GetAccount returns the account or nil when it does not exist.
	GetAccount(ctx context.Context, id string) (*Account, error)
}

// Updater is implemented by directories that accept credential write-backs,
// used after a token refresh.
type Updater interface {
	UpdateCredentials(ctx context.Context, id string, creds Credentials, expiresAt time.Time) error
}
