package state

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultUnauthorizedWindow bounds the 401 counter window.
	DefaultUnauthorizedWindow = 5 * time.Minute
)

// Health is a point-in-time snapshot of one account's scheduling state.
type Health struct {
	RateLimitedUntil time.Time
	OverloadedUntil  time.Time
	Blocked          bool
	BlockedAt        time.Time
	Unauthorized     int64
	Concurrency      int64
}

// RateLimited reports whether the rate-limit flag is still live at now.
func (h Health) RateLimited(now time.Time) bool {
	return !h.RateLimitedUntil.IsZero() && h.RateLimitedUntil.After(now)
}

// Overloaded reports whether the overload flag is still live at now.
func (h Health) Overloaded(now time.Time) bool {
	return !h.OverloadedUntil.IsZero() && h.OverloadedUntil.After(now)
}

// SetRateLimited flags the account as rate limited for window.
func (s *Store) SetRateLimited(ctx context.Context, accountID string, window time.Duration) error {
	return s.setUntil(ctx, "rate limit set", s.rateLimitKey(accountID), window)
}

// ClearRateLimited removes the rate-limit flag.
func (s *Store) ClearRateLimited(ctx context.Context, accountID string) error {
	err := s.client.Del(ctx, s.rateLimitKey(accountID)).Err()
	return storeErr("rate limit clear", err)
}

// IsRateLimited reports whether the rate-limit flag is live.
func (s *Store) IsRateLimited(ctx context.Context, accountID string) (bool, error) {
	return s.isFlagged(ctx, "rate limit get", s.rateLimitKey(accountID))
}

// SetOverloaded flags the account as overloaded for window.
func (s *Store) SetOverloaded(ctx context.Context, accountID string, window time.Duration) error {
	return s.setUntil(ctx, "overload set", s.overloadKey(accountID), window)
}

// ClearOverloaded removes the overload flag.
func (s *Store) ClearOverloaded(ctx context.Context, accountID string) error {
	err := s.client.Del(ctx, s.overloadKey(accountID)).Err()
	return storeErr("overload clear", err)
}

// IsOverloaded reports whether the overload flag is live.
func (s *Store) IsOverloaded(ctx context.Context, accountID string) (bool, error) {
	return s.isFlagged(ctx, "overload get", s.overloadKey(accountID))
}

// SetBlocked flags the account as blocked. The flag has no TTL.
func (s *Store) SetBlocked(ctx context.Context, accountID string) error {
	val := strconv.FormatInt(unixMillis(s.now()), 10)
	err := s.client.Set(ctx, s.blockedKey(accountID), val, 0).Err()
	return storeErr("blocked set", err)
}

// ClearBlocked is the manual unblock.
func (s *Store) ClearBlocked(ctx context.Context, accountID string) error {
	err := s.client.Del(ctx, s.blockedKey(accountID)).Err()
	return storeErr("blocked clear", err)
}

// IsBlocked reports whether the account is blocked.
func (s *Store) IsBlocked(ctx context.Context, accountID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.blockedKey(accountID)).Result()
	if err != nil {
		return false, storeErr("blocked get", err)
	}
	return n > 0, nil
}

// IncrUnauthorized bumps the 401 counter within window and returns the new count.
func (s *Store) IncrUnauthorized(ctx context.Context, accountID string, window time.Duration) (int64, error) {
	if window <= 0 {
		window = DefaultUnauthorizedWindow
	}
	count, err := s.incrementCounterScript.Run(ctx, s.client, []string{s.unauthorizedKey(accountID)}, ttlSeconds(window)).Int64()
	if err != nil {
		return 0, storeErr("unauthorized incr", err)
	}
	return count, nil
}

// ClearUnauthorized resets the 401 counter.
func (s *Store) ClearUnauthorized(ctx context.Context, accountID string) error {
	err := s.client.Del(ctx, s.unauthorizedKey(accountID)).Err()
	return storeErr("unauthorized clear", err)
}

// Health reads every flag and the live concurrency of an account in one round trip.
func (s *Store) Health(ctx context.Context, accountID string) (Health, error) {
	now := s.now()
	minScore := strconv.FormatInt(unixMillis(now), 10)

	pipe := s.client.Pipeline()
	rl := pipe.Get(ctx, s.rateLimitKey(accountID))
	ov := pipe.Get(ctx, s.overloadKey(accountID))
	bl := pipe.Get(ctx, s.blockedKey(accountID))
	un := pipe.Get(ctx, s.unauthorizedKey(accountID))
	cc := pipe.ZCount(ctx, s.concurrencyKey(accountID), minScore, "+inf")
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Health{}, storeErr("health read", err)
	}

	var h Health
	if v, err := rl.Result(); err == nil {
		h.RateLimitedUntil = parseUnixMillis(v)
	}
	if v, err := ov.Result(); err == nil {
		h.OverloadedUntil = parseUnixMillis(v)
	}
	if v, err := bl.Result(); err == nil {
		h.Blocked = true
		h.BlockedAt = parseUnixMillis(v)
	}
	if v, err := un.Int64(); err == nil {
		h.Unauthorized = v
	}
	h.Concurrency = cc.Val()
	return h, nil
}

// ClearAll removes every health flag of the account. Concurrency slots are kept.
func (s *Store) ClearAll(ctx context.Context, accountID string) error {
	err := s.client.Del(ctx,
		s.rateLimitKey(accountID),
		s.overloadKey(accountID),
		s.blockedKey(accountID),
		s.unauthorizedKey(accountID),
	).Err()
	return storeErr("health clear", err)
}

func (s *Store) setUntil(ctx context.Context, op, key string, window time.Duration) error {
	if window <= 0 {
		return nil
	}
	until := s.now().Add(window)
	err := s.client.Set(ctx, key, strconv.FormatInt(unixMillis(until), 10), window).Err()
	return storeErr(op, err)
}

func (s *Store) isFlagged(ctx context.Context, op, key string) (bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, storeErr(op, err)
	}
	until := parseUnixMillis(v)
	return until.IsZero() || until.After(s.now()), nil
}
