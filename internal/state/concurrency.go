package state

import (
	"context"
	"strconv"
	"time"
)

// Increment adds a concurrency slot for requestID that expires after ttl
// (the store default when ttl <= 0). It returns the live slot count.
func (s *Store) Increment(ctx context.Context, accountID, requestID string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		ttl = s.slotTTL
	}
	now := s.now()
	args := []interface{}{
		requestID,
		unixMillis(now.Add(ttl)),
		ttlSeconds(ttl + s.slotBuffer),
		unixMillis(now),
	}

	count, err := s.incrementSlotScript.Run(ctx, s.client, []string{s.concurrencyKey(accountID)}, args...).Int64()
	if err != nil {
		return 0, storeErr("concurrency increment", err)
	}
	return count, nil
}

// Decrement removes the slot for requestID. Removing a missing slot is not an error.
func (s *Store) Decrement(ctx context.Context, accountID, requestID string) error {
	err := s.client.ZRem(ctx, s.concurrencyKey(accountID), requestID).Err()
	return storeErr("concurrency decrement", err)
}

// Count returns the number of slots whose expiry has not passed.
func (s *Store) Count(ctx context.Context, accountID string) (int64, error) {
	minScore := strconv.FormatInt(unixMillis(s.now()), 10)
	count, err := s.client.ZCount(ctx, s.concurrencyKey(accountID), minScore, "+inf").Result()
	if err != nil {
		return 0, storeErr("concurrency count", err)
	}
	return count, nil
}

// Cleanup purges expired slots and returns how many were removed.
func (s *Store) Cleanup(ctx context.Context, accountID string) (int64, error) {
	maxScore := "(" + strconv.FormatInt(unixMillis(s.now()), 10)
	removed, err := s.client.ZRemRangeByScore(ctx, s.concurrencyKey(accountID), "-inf", maxScore).Result()
	if err != nil {
		return 0, storeErr("concurrency cleanup", err)
	}
	return removed, nil
}
