// Package schedulers selects the upstream account that serves a request.
//
// One Scheduler exists per provider family. Selection honors sticky
// sessions while the bound account stays eligible, then walks the family's
// variants in a fixed order and picks the best eligible account by priority.
// All shared state lives in Redis through the state package, so schedulers
// in different processes cooperate without in-process locks.
package schedulers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blueberrycongee/relaymux/internal/metrics"
	"github.com/blueberrycongee/relaymux/pkg/account"
	llmerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

// DefaultStickyTTL is the lifetime of a new session mapping.
const DefaultStickyTTL = time.Hour

// Store is the slice of shared state a scheduler needs.
type Store interface {
	HealthReader
	GetSession(ctx context.Context, namespace, sessionHash string) (*account.SessionMapping, error)
	SetSession(ctx context.Context, namespace, sessionHash string, sel account.SelectedAccount, ttl time.Duration) error
	DeleteSession(ctx context.Context, namespace, sessionHash string) error
	ExtendSession(ctx context.Context, namespace, sessionHash string, ttl, threshold time.Duration) (bool, error)
}

// SelectRequest carries the optional inputs of a selection.
type SelectRequest struct {
	SessionHash string
	Model       string
}

// Config tunes sticky session handling.
type Config struct {
	StickyTTL        time.Duration `yaml:"sticky_ttl"`
	RenewalThreshold time.Duration `yaml:"renewal_threshold"`
	ExpiryBuffer     time.Duration `yaml:"expiry_buffer"`
}

// DefaultConfig returns the sticky defaults: one hour, no renewal.
func DefaultConfig() Config {
	return Config{
		StickyTTL:    DefaultStickyTTL,
		ExpiryBuffer: DefaultExpiryBuffer,
	}
}

// profile describes one provider family.
type profile struct {
	family       account.Family
	namespace    string
	variants     []account.Variant
	defaultModel string

	// supports reports whether an account of variant v can serve model.
	supports func(v account.Variant, acct *account.Account, model string) bool

	// forcedVariant maps a vendor prefix to the variant it forces first.
	forcedVariant func(vendor string) (account.Variant, bool)
}

// Scheduler is the unified account scheduler of one provider family.
type Scheduler struct {
	profile profile
	dir     account.Directory
	store   Store
	gate    *Gate
	cfg     Config
	logger  *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithGate replaces the availability gate, mainly to inject a clock in tests.
func WithGate(g *Gate) Option {
	return func(s *Scheduler) {
		if g != nil {
			s.gate = g
		}
	}
}

func newScheduler(p profile, dir account.Directory, store Store, cfg Config, opts ...Option) *Scheduler {
	if cfg.StickyTTL <= 0 {
		cfg.StickyTTL = DefaultStickyTTL
	}
	s := &Scheduler{
		profile: p,
		dir:     dir,
		store:   store,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	s.gate = NewGate(store, WithExpiryBuffer(cfg.ExpiryBuffer))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Family returns the provider family this scheduler serves.
func (s *Scheduler) Family() account.Family {
	return s.profile.family
}

// Namespace returns the session mapping key namespace.
func (s *Scheduler) Namespace() string {
	return s.profile.namespace
}

// Variants returns the variant order used when no vendor prefix is given.
func (s *Scheduler) Variants() []account.Variant {
	out := make([]account.Variant, len(s.profile.variants))
	copy(out, s.profile.variants)
	return out
}

// Select picks the account that serves req. It never retries upstream calls;
// callers re-invoke Select after feedback disqualifies a failing account.
func (s *Scheduler) Select(ctx context.Context, req SelectRequest) (*account.SelectedAccount, error) {
	start := time.Now()
	sel, err := s.selectAccount(ctx, req)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.SelectDuration.WithLabelValues(string(s.profile.family), result).Observe(time.Since(start).Seconds())
	return sel, err
}

func (s *Scheduler) selectAccount(ctx context.Context, req SelectRequest) (*account.SelectedAccount, error) {
	model := req.Model
	if model == "" {
		model = s.profile.defaultModel
	}
	vendor, baseModel := types.SplitVendorModel(model)

	var forced account.Variant
	if vendor != "" && s.profile.forcedVariant != nil {
		if v, ok := s.profile.forcedVariant(vendor); ok {
			forced = v
		}
	}

	if req.SessionHash != "" {
		sel, err := s.stickyLookup(ctx, req.SessionHash, baseModel, forced)
		if err != nil {
			return nil, err
		}
		if sel != nil {
			return sel, nil
		}
	}

	sel, err := s.selectNew(ctx, baseModel, forced)
	if err != nil {
		return nil, err
	}

	if req.SessionHash != "" {
		if err := s.store.SetSession(ctx, s.profile.namespace, req.SessionHash, *sel, s.cfg.StickyTTL); err != nil {
			return nil, err
		}
		s.logger.Debug("sticky session bound",
			"family", s.profile.family,
			"session", req.SessionHash,
			"account_id", sel.AccountID,
			"variant", sel.Variant,
		)
	}
	return sel, nil
}

func (s *Scheduler) selectNew(ctx context.Context, model string, forced account.Variant) (*account.SelectedAccount, error) {
	accounts, err := s.dir.ListAccounts(ctx, account.Filter{Platforms: s.platforms()})
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	pool := make([]*account.Account, 0, len(accounts))
	for _, acct := range accounts {
		if acct.IsShared() {
			pool = append(pool, acct)
		}
	}

	for _, variant := range s.variantOrder(forced) {
		candidates := s.candidates(pool, variant, model)
		acct, err := s.pick(ctx, candidates)
		if err != nil {
			return nil, err
		}
		if acct != nil {
			s.logger.Debug("account selected",
				"family", s.profile.family,
				"account_id", acct.ID,
				"variant", variant,
				"priority", acct.EffectivePriority(),
			)
			return &account.SelectedAccount{AccountID: acct.ID, Variant: variant, Account: acct}, nil
		}
	}

	metrics.NoAvailableAccounts.WithLabelValues(string(s.profile.family)).Inc()
	return nil, llmerrors.NewNoAvailableAccountsError(
		string(s.profile.family),
		model,
		fmt.Sprintf("no available %s accounts for model %s", s.profile.family, model),
	)
}

func (s *Scheduler) variantOrder(forced account.Variant) []account.Variant {
	if forced == "" {
		return s.profile.variants
	}
	order := make([]account.Variant, 0, len(s.profile.variants))
	order = append(order, forced)
	for _, v := range s.profile.variants {
		if v != forced {
			order = append(order, v)
		}
	}
	return order
}

func (s *Scheduler) platforms() []account.Platform {
	out := make([]account.Platform, 0, len(s.profile.variants))
	for _, v := range s.profile.variants {
		out = append(out, v.Platform())
	}
	return out
}

func (s *Scheduler) hasVariant(v account.Variant) bool {
	for _, known := range s.profile.variants {
		if known == v {
			return true
		}
	}
	return false
}

func (s *Scheduler) supports(v account.Variant, acct *account.Account, model string) bool {
	if s.profile.supports == nil {
		return true
	}
	return s.profile.supports(v, acct, model)
}
