// Package state implements the shared scheduling state on Redis: concurrency
// slots, sticky session mappings, account health flags and refresh locks.
// All mutations are single-key atomic operations so that many gateway
// instances can share one Redis without in-process locking.
package state

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	llmerrors "github.com/blueberrycongee/relaymux/pkg/errors"
)

const (
	// DefaultKeyPrefix namespaces every key written by the store.
	DefaultKeyPrefix = "relaymux"

	// DefaultSlotTTL bounds how long a leaked concurrency slot is counted.
	DefaultSlotTTL = 10 * time.Minute

	// DefaultSlotBuffer is added to the slot set's own TTL.
	DefaultSlotBuffer = 60 * time.Second
)

// Store is the Redis-backed shared state store.
type Store struct {
	client     redis.UniversalClient
	keyPrefix  string
	slotTTL    time.Duration
	slotBuffer time.Duration
	now        func() time.Time

	// Precompiled Lua scripts
	incrementSlotScript    *redis.Script
	extendSessionScript    *redis.Script
	incrementCounterScript *redis.Script
	releaseLockScript      *redis.Script
}

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default: "relaymux").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.keyPrefix = prefix
	}
}

// WithSlotTTL sets the default concurrency slot lifetime (default: 10m).
func WithSlotTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.slotTTL = ttl
		}
	}
}

// WithSlotBuffer sets the extra lifetime of the slot set key (default: 60s).
func WithSlotBuffer(buffer time.Duration) Option {
	return func(s *Store) {
		if buffer >= 0 {
			s.slotBuffer = buffer
		}
	}
}

// WithClock overrides the time source used for slot scores.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a store on top of a shared Redis client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:     client,
		keyPrefix:  DefaultKeyPrefix,
		slotTTL:    DefaultSlotTTL,
		slotBuffer: DefaultSlotBuffer,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.incrementSlotScript = redis.NewScript(incrementSlotScript)
	s.extendSessionScript = redis.NewScript(extendSessionScript)
	s.incrementCounterScript = redis.NewScript(incrementCounterScript)
	s.releaseLockScript = redis.NewScript(releaseLockScript)

	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

// Close releases any resources held by the store.
func (s *Store) Close() error {
	// Redis client is shared, don't close it here
	return nil
}

// Key generation helpers. The id is wrapped in a hash tag so all keys of one
// account land on the same cluster slot.

func (s *Store) key(kind, id string) string {
	return fmt.Sprintf("%s:%s:{%s}", s.keyPrefix, kind, id)
}

func (s *Store) concurrencyKey(accountID string) string {
	return s.key("concurrency", accountID)
}

func (s *Store) rateLimitKey(accountID string) string {
	return s.key("rate_limit", accountID)
}

func (s *Store) overloadKey(accountID string) string {
	return s.key("overload", accountID)
}

func (s *Store) blockedKey(accountID string) string {
	return s.key("blocked", accountID)
}

func (s *Store) unauthorizedKey(accountID string) string {
	return s.key("unauthorized", accountID)
}

func (s *Store) sessionKey(namespace, sessionHash string) string {
	return s.key(namespace, sessionHash)
}

func (s *Store) lockKey(platform, accountID string) string {
	return s.key("token_refresh_lock", platform+":"+accountID)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var llmErr *llmerrors.LLMError
	if errors.As(err, &llmErr) {
		return err
	}
	return llmerrors.NewStoreError(op, err)
}

func unixMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func parseUnixMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func ttlSeconds(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}
