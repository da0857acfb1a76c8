package state

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/relaymux/pkg/account"
)

// GetSession loads the sticky mapping stored under namespace for sessionHash.
// It returns nil when no live mapping exists.
func (s *Store) GetSession(ctx context.Context, namespace, sessionHash string) (*account.SessionMapping, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(namespace, sessionHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("session get", err)
	}

	var mapping account.SessionMapping
	if err := json.Unmarshal(raw, &mapping); err != nil {
		// A corrupt mapping behaves like a missing one; the next select rebinds.
		return nil, nil
	}
	return &mapping, nil
}

// SetSession binds sessionHash to sel for ttl. Concurrent binders race and the last write wins.
func (s *Store) SetSession(ctx context.Context, namespace, sessionHash string, sel account.SelectedAccount, ttl time.Duration) error {
	now := s.now()
	mapping := account.SessionMapping{
		AccountID: sel.AccountID,
		Variant:   sel.Variant,
		Platform:  sel.Variant.Platform(),
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	data, err := json.Marshal(mapping)
	if err != nil {
		return err
	}
	err = s.client.Set(ctx, s.sessionKey(namespace, sessionHash), data, ttl).Err()
	return storeErr("session set", err)
}

// DeleteSession drops a sticky mapping.
func (s *Store) DeleteSession(ctx context.Context, namespace, sessionHash string) error {
	err := s.client.Del(ctx, s.sessionKey(namespace, sessionHash)).Err()
	return storeErr("session delete", err)
}

// ExtendSession resets the mapping TTL to ttl when fewer than threshold remain.
// It reports whether the TTL was renewed.
func (s *Store) ExtendSession(ctx context.Context, namespace, sessionHash string, ttl, threshold time.Duration) (bool, error) {
	if threshold <= 0 {
		return false, nil
	}
	args := []interface{}{ttlSeconds(ttl), ttlSeconds(threshold)}
	res, err := s.extendSessionScript.Run(ctx, s.client, []string{s.sessionKey(namespace, sessionHash)}, args...).Int64()
	if err != nil {
		return false, storeErr("session extend", err)
	}
	return res == 1, nil
}

// SessionTTL returns the remaining lifetime of a mapping, or zero when it is missing.
func (s *Store) SessionTTL(ctx context.Context, namespace, sessionHash string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, s.sessionKey(namespace, sessionHash)).Result()
	if err != nil {
		return 0, storeErr("session ttl", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
