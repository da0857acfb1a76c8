package secret

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// ErrUnknownScheme is returned for references whose scheme has no provider.
var ErrUnknownScheme = errors.New("no secret provider for scheme")

// Manager routes references to providers by scheme and caches resolved
// values for a TTL.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	resolved  *cache.Cache
	logger    *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithCacheTTL caches resolved values for ttl. Zero disables caching.
func WithCacheTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl <= 0 {
			m.resolved = nil
			return
		}
		m.resolved = cache.New(ttl, 2*ttl)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a manager with no providers and a one minute cache.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		providers: make(map[string]Provider),
		resolved:  cache.New(time.Minute, 2*time.Minute),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register binds scheme to p, replacing any previous provider.
func (m *Manager) Register(scheme string, p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[scheme] = p
}

// Get resolves ref.
func (m *Manager) Get(ctx context.Context, ref string) (string, error) {
	scheme, path, ok := strings.Cut(ref, "://")
	if !ok {
		return ref, nil
	}

	if m.resolved != nil {
		if v, found := m.resolved.Get(ref); found {
			return v.(string), nil
		}
	}

	m.mu.RLock()
	p, registered := m.providers[scheme]
	m.mu.RUnlock()
	if !registered {
		return "", fmt.Errorf("%w: %s", ErrUnknownScheme, scheme)
	}

	v, err := p.Get(ctx, path)
	if err != nil {
		m.logger.Warn("secret lookup failed", "scheme", scheme, "error", err)
		return "", err
	}
	if m.resolved != nil {
		m.resolved.SetDefault(ref, v)
	}
	return v, nil
}

// Invalidate drops a cached value so the next Get re-reads it.
func (m *Manager) Invalidate(ref string) {
	if m.resolved != nil {
		m.resolved.Delete(ref)
	}
}

// Close closes every provider and joins their errors.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for scheme, p := range m.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", scheme, err))
		}
	}
	return errors.Join(errs...)
}
