// Package refresh renews OAuth access tokens for accounts whose tokens are
// about to expire. A distributed lock keeps concurrent gateway instances from
// refreshing the same account at once; the losers wait briefly and re-read
// the account.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/blueberrycongee/relaymux/internal/metrics"
	"github.com/blueberrycongee/relaymux/internal/state"
	"github.com/blueberrycongee/relaymux/internal/vault"
	"github.com/blueberrycongee/relaymux/pkg/account"
)

const (
	// DefaultThreshold refreshes tokens this close to expiry on the request
	// path. It must exceed the scheduler's expiry buffer so a token is renewed
	// while its account is still selectable.
	DefaultThreshold = time.Minute

	// DefaultScanWindow is how far ahead the background sweep looks.
	DefaultScanWindow = 5 * time.Minute

	// DefaultScanInterval is the background sweep period.
	DefaultScanInterval = time.Minute

	// DefaultBatchSize bounds concurrent refreshes in one sweep.
	DefaultBatchSize = 10

	// DefaultWait is how long a caller that lost the lock waits before re-reading.
	DefaultWait = 2 * time.Second

	// DefaultTimeout bounds the token endpoint call.
	DefaultTimeout = 30 * time.Second

	ClaudeTokenURL = "https://console.anthropic.com/v1/oauth/token"
	ClaudeClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	GoogleTokenURL = "https://oauth2.googleapis.com/token"
)

var (
	// ErrNoRefreshToken means the account needs a manual credential update.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrInProgress is returned when another holder is refreshing and the
	// account was still stale after waiting.
	ErrInProgress = errors.New("token refresh in progress elsewhere")

	// ErrUnsupportedPlatform is returned for platforms without an OAuth client.
	ErrUnsupportedPlatform = errors.New("token refresh not supported for platform")
)

// Client describes the OAuth client used for one platform.
type Client struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

func (c Client) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// DefaultClients returns the OAuth clients for Claude official accounts. Gemini
// needs a client secret and is configured separately.
func DefaultClients() map[account.Platform]Client {
	return map[account.Platform]Client{
		account.PlatformClaudeOfficial: {ClientID: ClaudeClientID, TokenURL: ClaudeTokenURL},
	}
}

// Directory is the account store the refresher reads from and writes back to.
type Directory interface {
	account.Directory
	account.Updater
}

// Refresher renews expiring OAuth tokens.
type Refresher struct {
	store   *state.Store
	dir     Directory
	cipher  vault.Cipher
	clients map[account.Platform]Client

	threshold  time.Duration
	scanWindow time.Duration
	batchSize  int
	wait       time.Duration
	lockTTL    time.Duration
	timeout    time.Duration
	httpClient *http.Client
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithClient sets the OAuth client for a platform.
func WithClient(p account.Platform, c Client) Option {
	return func(r *Refresher) { r.clients[p] = c }
}

// WithThreshold sets how close to expiry a token must be to refresh.
func WithThreshold(d time.Duration) Option {
	return func(r *Refresher) {
		if d > 0 {
			r.threshold = d
		}
	}
}

// WithScanWindow sets how far ahead of expiry the background sweep refreshes.
func WithScanWindow(d time.Duration) Option {
	return func(r *Refresher) {
		if d > 0 {
			r.scanWindow = d
		}
	}
}

// WithBatchSize bounds how many accounts one sweep refreshes concurrently.
func WithBatchSize(n int) Option {
	return func(r *Refresher) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithWait sets the wait after losing the lock.
func WithWait(d time.Duration) Option {
	return func(r *Refresher) {
		if d >= 0 {
			r.wait = d
		}
	}
}

// WithLockTTL sets the refresh lock lifetime.
func WithLockTTL(d time.Duration) Option {
	return func(r *Refresher) { r.lockTTL = d }
}

// WithHTTPClient sets the client used for token endpoint calls.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Refresher) { r.httpClient = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Refresher) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a refresher.
func New(store *state.Store, dir Directory, cipher vault.Cipher, opts ...Option) *Refresher {
	r := &Refresher{
		store:      store,
		dir:        dir,
		cipher:     cipher,
		clients:    DefaultClients(),
		threshold:  DefaultThreshold,
		scanWindow: DefaultScanWindow,
		batchSize:  DefaultBatchSize,
		wait:       DefaultWait,
		lockTTL:    state.DefaultRefreshLockTTL,
		timeout:    DefaultTimeout,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NeedsRefresh reports whether acct has a token about to expire and a
// platform this refresher can renew.
func (r *Refresher) NeedsRefresh(acct *account.Account) bool {
	if _, ok := r.clients[acct.Platform]; !ok {
		return false
	}
	return acct.TokenExpiring(r.now(), r.threshold)
}

// EnsureFresh returns acct unchanged when its token is still valid, otherwise
// refreshes it and returns the updated snapshot.
func (r *Refresher) EnsureFresh(ctx context.Context, acct *account.Account) (*account.Account, error) {
	if !r.NeedsRefresh(acct) {
		return acct, nil
	}
	return r.Refresh(ctx, acct)
}

// Refresh renews the account token unconditionally.
func (r *Refresher) Refresh(ctx context.Context, acct *account.Account) (*account.Account, error) {
	client, ok := r.clients[acct.Platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, acct.Platform)
	}
	if acct.Credentials.RefreshToken == "" {
		r.record(acct.Platform, "no_refresh_token")
		return nil, fmt.Errorf("account %s: %w", acct.ID, ErrNoRefreshToken)
	}

	lock, err := r.store.AcquireRefreshLock(ctx, string(acct.Platform), acct.ID, r.lockTTL)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return r.awaitOther(ctx, acct)
	}
	defer func() {
		// The caller's ctx may already be done; release on a fresh one.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if released, err := lock.Release(releaseCtx); err != nil {
			r.logger.Warn("refresh lock release failed", "account_id", acct.ID, "error", err)
		} else if !released {
			r.logger.Warn("refresh lock expired before release", "account_id", acct.ID)
		}
	}()

	r.logger.Info("refreshing token", "account_id", acct.ID, "account", acct.Name, "platform", acct.Platform)

	refreshToken, err := r.cipher.Decrypt(acct.Credentials.RefreshToken)
	if err != nil {
		r.record(acct.Platform, "error")
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}

	tok, err := r.exchange(ctx, client, refreshToken)
	if err != nil {
		r.record(acct.Platform, "error")
		r.logger.Error("token refresh failed", "account_id", acct.ID, "error", err)
		return nil, err
	}

	creds := acct.Credentials
	if creds.AccessToken, err = r.cipher.Encrypt(tok.AccessToken); err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		if creds.RefreshToken, err = r.cipher.Encrypt(tok.RefreshToken); err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	if err := r.dir.UpdateCredentials(ctx, acct.ID, creds, tok.Expiry); err != nil {
		r.record(acct.Platform, "error")
		return nil, fmt.Errorf("store refreshed credentials: %w", err)
	}
	r.record(acct.Platform, "success")

	updated := acct.Clone()
	updated.Credentials = creds
	updated.ExpiresAt = tok.Expiry
	updated.LastRefreshAt = r.now()
	r.logger.Info("token refreshed", "account_id", acct.ID, "expires_at", tok.Expiry)
	return updated, nil
}

func (r *Refresher) exchange(ctx context.Context, client Client, refreshToken string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}

	// An already expired token forces the source to hit the token endpoint.
	src := client.config().TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("oauth refresh: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("oauth refresh: empty access token")
	}
	return tok, nil
}

func (r *Refresher) awaitOther(ctx context.Context, acct *account.Account) (*account.Account, error) {
	r.logger.Info("token refresh already in progress", "account_id", acct.ID)
	r.record(acct.Platform, "contended")

	if r.wait > 0 {
		t := time.NewTimer(r.wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	latest, err := r.dir.GetAccount(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, fmt.Errorf("account %s: %w", acct.ID, account.ErrNotFound)
	}
	if latest.Credentials.AccessToken == "" || latest.TokenExpiring(r.now(), r.threshold) {
		return nil, fmt.Errorf("account %s: %w", acct.ID, ErrInProgress)
	}
	return latest, nil
}

func (r *Refresher) record(p account.Platform, result string) {
	metrics.TokenRefreshes.WithLabelValues(string(p), result).Inc()
}
