package state

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultRefreshLockTTL bounds how long a crashed refresher can hold the lock.
const DefaultRefreshLockTTL = 60 * time.Second

// RefreshLock is a held token-refresh lock. Only the holder's token can release it.
type RefreshLock struct {
	store *Store
	key   string
	owner string
}

// Owner returns the token written at acquire time.
func (l *RefreshLock) Owner() string {
	return l.owner
}

// Release deletes the lock if it is still owned by this holder and reports
// whether a delete happened. An expired or stolen lock is left alone.
func (l *RefreshLock) Release(ctx context.Context) (bool, error) {
	n, err := l.store.releaseLockScript.Run(ctx, l.store.client, []string{l.key}, l.owner).Int64()
	if err != nil {
		return false, storeErr("refresh lock release", err)
	}
	return n == 1, nil
}

// AcquireRefreshLock tries to take the refresh lock for one account. It returns
// nil without error when another holder owns the lock.
func (s *Store) AcquireRefreshLock(ctx context.Context, platform, accountID string, ttl time.Duration) (*RefreshLock, error) {
	if ttl <= 0 {
		ttl = DefaultRefreshLockTTL
	}
	key := s.lockKey(platform, accountID)
	owner := uuid.NewString()

	ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, storeErr("refresh lock acquire", err)
	}
	if !ok {
		return nil, nil
	}
	return &RefreshLock{store: s, key: key, owner: owner}, nil
}

// IsRefreshLocked reports whether any holder owns the refresh lock.
func (s *Store) IsRefreshLocked(ctx context.Context, platform, accountID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.lockKey(platform, accountID)).Result()
	if err != nil {
		return false, storeErr("refresh lock check", err)
	}
	return n > 0, nil
}

// RefreshLockTTL returns the remaining lifetime of the lock, or zero when it is free.
func (s *Store) RefreshLockTTL(ctx context.Context, platform, accountID string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, s.lockKey(platform, accountID)).Result()
	if err != nil {
		return 0, storeErr("refresh lock ttl", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
