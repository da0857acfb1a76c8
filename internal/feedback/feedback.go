// Package feedback turns upstream response statuses into account health
// changes in the shared store, acting as the scheduler's circuit breaker.
//
// Flags are independent: an account can be rate limited and overloaded at
// the same time. Success clears only the rate-limit flag.
package feedback

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/blueberrycongee/relaymux/internal/metrics"
	llmerrors "github.com/blueberrycongee/relaymux/pkg/errors"
)

// Default windows.
const (
	DefaultRateLimitWindow    = 5 * time.Minute
	DefaultMinRateLimitWindow = 60 * time.Second
	DefaultMaxRateLimitWindow = 24 * time.Hour
	DefaultOverloadWindow     = 10 * time.Minute
	DefaultUnauthorizedWindow = 5 * time.Minute
)

// Action is the health change applied for one upstream response.
type Action string

const (
	ActionNone         Action = "none"
	ActionRateLimited  Action = "rate_limited"
	ActionOverloaded   Action = "overloaded"
	ActionBlocked      Action = "blocked"
	ActionUnauthorized Action = "unauthorized"
)

// Classify maps an upstream status code to its action.
func Classify(status int) Action {
	switch status {
	case http.StatusTooManyRequests:
		return ActionRateLimited
	case llmerrors.StatusOverloaded:
		return ActionOverloaded
	case http.StatusForbidden:
		return ActionBlocked
	case http.StatusUnauthorized:
		return ActionUnauthorized
	}
	return ActionNone
}

// Store is the slice of shared state the loop mutates.
type Store interface {
	SetRateLimited(ctx context.Context, accountID string, window time.Duration) error
	ClearRateLimited(ctx context.Context, accountID string) error
	SetOverloaded(ctx context.Context, accountID string, window time.Duration) error
	SetBlocked(ctx context.Context, accountID string) error
	IncrUnauthorized(ctx context.Context, accountID string, window time.Duration) (int64, error)
	DeleteSession(ctx context.Context, namespace, sessionHash string) error
}

// Config holds the feedback windows.
type Config struct {
	RateLimitWindow    time.Duration `yaml:"rate_limit_window"`
	MinRateLimitWindow time.Duration `yaml:"min_rate_limit_window"`
	MaxRateLimitWindow time.Duration `yaml:"max_rate_limit_window"`
	OverloadWindow     time.Duration `yaml:"overload_window"`
	UnauthorizedWindow time.Duration `yaml:"unauthorized_window"`
}

// DefaultConfig returns the default windows.
func DefaultConfig() Config {
	return Config{
		RateLimitWindow:    DefaultRateLimitWindow,
		MinRateLimitWindow: DefaultMinRateLimitWindow,
		MaxRateLimitWindow: DefaultMaxRateLimitWindow,
		OverloadWindow:     DefaultOverloadWindow,
		UnauthorizedWindow: DefaultUnauthorizedWindow,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = d.RateLimitWindow
	}
	if c.MinRateLimitWindow <= 0 {
		c.MinRateLimitWindow = d.MinRateLimitWindow
	}
	if c.MaxRateLimitWindow <= 0 {
		c.MaxRateLimitWindow = d.MaxRateLimitWindow
	}
	if c.OverloadWindow <= 0 {
		c.OverloadWindow = d.OverloadWindow
	}
	if c.UnauthorizedWindow <= 0 {
		c.UnauthorizedWindow = d.UnauthorizedWindow
	}
	return c
}

// Event describes one failed upstream response.
type Event struct {
	AccountID string
	Status    int
	Header    http.Header

	// SessionNamespace and SessionHash identify the sticky mapping that routed
	// the request. Both are optional.
	SessionNamespace string
	SessionHash      string
}

// Outcome reports what OnUpstreamError changed.
type Outcome struct {
	Action Action

	// Window is the applied flag lifetime; zero for persistent or counter actions.
	Window time.Duration

	// Unauthorized is the 401 count inside the current window.
	Unauthorized int64
}

// Loop applies health changes for upstream responses.
type Loop struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures Loop.
type Option func(*Loop)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the time source used to resolve absolute reset headers.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a feedback loop.
func New(store Store, cfg Config, opts ...Option) *Loop {
	l := &Loop{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnUpstreamError applies the health change for ev.Status. Statuses other
// than 401, 403, 429 and 529 leave the account untouched.
func (l *Loop) OnUpstreamError(ctx context.Context, ev Event) (Outcome, error) {
	action := Classify(ev.Status)
	out := Outcome{Action: action}
	log := l.logger.With("account_id", ev.AccountID, "status", ev.Status)

	switch action {
	case ActionRateLimited:
		out.Window = l.rateLimitWindow(ev.Header)
		if err := l.store.SetRateLimited(ctx, ev.AccountID, out.Window); err != nil {
			return out, err
		}
		if ev.SessionHash != "" && ev.SessionNamespace != "" {
			if err := l.store.DeleteSession(ctx, ev.SessionNamespace, ev.SessionHash); err != nil {
				return out, err
			}
		}
		log.Warn("account rate limited", "window", out.Window.String())

	case ActionOverloaded:
		out.Window = l.cfg.OverloadWindow
		if err := l.store.SetOverloaded(ctx, ev.AccountID, out.Window); err != nil {
			return out, err
		}
		log.Warn("account overloaded", "window", out.Window.String())

	case ActionBlocked:
		if err := l.store.SetBlocked(ctx, ev.AccountID); err != nil {
			return out, err
		}
		log.Error("account blocked by upstream, manual clear required")

	case ActionUnauthorized:
		n, err := l.store.IncrUnauthorized(ctx, ev.AccountID, l.cfg.UnauthorizedWindow)
		if err != nil {
			return out, err
		}
		out.Unauthorized = n
		metrics.UnauthorizedResponses.WithLabelValues(ev.AccountID).Inc()
		log.Warn("upstream rejected account credentials", "count", n)

	default:
		log.Debug("upstream error without health change")
		return out, nil
	}

	metrics.RecordTransition(string(action))
	return out, nil
}

// OnSuccess clears the rate-limit flag. Overloaded and Blocked are never
// cleared by success.
func (l *Loop) OnSuccess(ctx context.Context, accountID string) error {
	return l.store.ClearRateLimited(ctx, accountID)
}

func (l *Loop) rateLimitWindow(h http.Header) time.Duration {
	window, ok := RateLimitWindow(h, l.now())
	if !ok {
		return l.cfg.RateLimitWindow
	}
	if window < l.cfg.MinRateLimitWindow {
		window = l.cfg.MinRateLimitWindow
	}
	if window > l.cfg.MaxRateLimitWindow {
		window = l.cfg.MaxRateLimitWindow
	}
	return window
}
