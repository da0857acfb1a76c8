// Package ratelimit limits inbound requests per client address.
package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a ClientLimiter.
type Config struct {
	RequestsPerMinute int
	Burst             int
	// CleanupTTL drops limiters idle for longer than this.
	CleanupTTL time.Duration
	// TrustedProxyCIDRs lists proxies whose X-Forwarded-For is honoured.
	TrustedProxyCIDRs []string
	Logger            *slog.Logger
}

// ClientLimiter keeps one token bucket per client address.
type ClientLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*entry
	limit      rate.Limit
	burst      int
	cleanupTTL time.Duration
	trusted    []*net.IPNet
	logger     *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter and starts its cleanup loop. Call Close to stop it.
func New(cfg Config) *ClientLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 600
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerMinute / 6
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.CleanupTTL <= 0 {
		cfg.CleanupTTL = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &ClientLimiter{
		limiters:   make(map[string]*entry),
		limit:      rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:      cfg.Burst,
		cleanupTTL: cfg.CleanupTTL,
		logger:     cfg.Logger,
		stop:       make(chan struct{}),
	}
	for _, raw := range cfg.TrustedProxyCIDRs {
		n, err := parseCIDR(raw)
		if err != nil {
			cfg.Logger.Warn("invalid trusted proxy cidr ignored", "value", raw)
			continue
		}
		l.trusted = append(l.trusted, n)
	}

	go l.cleanupLoop()
	return l
}

// Allow reports whether key may proceed now.
func (l *ClientLimiter) Allow(key string) bool {
	return l.limiterFor(key).Allow()
}

// Len returns the number of tracked clients.
func (l *ClientLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Close stops the cleanup loop.
func (l *ClientLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *ClientLimiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

func (l *ClientLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.cleanup(time.Now())
		}
	}
}

func (l *ClientLimiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.limiters {
		if now.Sub(e.lastSeen) > l.cleanupTTL {
			delete(l.limiters, key)
		}
	}
}

// Middleware rejects requests over the limit with 429 and a Messages API
// style error body.
func (l *ClientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.ClientKey(r)
		if !l.Allow(key) {
			l.logger.Debug("ingress rate limit exceeded", "client", key)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"rate limit exceeded"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientKey returns the client address of r. X-Forwarded-For is used only
// when the direct peer is a trusted proxy; the right-most untrusted hop wins.
func (l *ClientLimiter) ClientKey(r *http.Request) string {
	host := remoteAddrHost(r.RemoteAddr)
	if len(l.trusted) == 0 {
		return host
	}
	peer := net.ParseIP(host)
	if peer == nil || !l.isTrusted(peer) {
		return host
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip == nil {
			continue
		}
		if !l.isTrusted(ip) {
			return ip.String()
		}
	}
	return host
}

func (l *ClientLimiter) isTrusted(ip net.IP) bool {
	for _, n := range l.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func parseCIDR(raw string) (*net.IPNet, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "/") {
		if ip := net.ParseIP(raw); ip != nil {
			if ip.To4() != nil {
				raw += "/32"
			} else {
				raw += "/128"
			}
		}
	}
	_, n, err := net.ParseCIDR(raw)
	return n, err
}

func remoteAddrHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err == nil && host != "" {
		return host
	}
	return addr
}
