// Package directory provides the account directories backed by shared
// storage: a Redis layout where each account is a JSON document and a
// Postgres table. Both implement account.Directory and account.Updater.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/relaymux/pkg/account"
	llmerrors "github.com/blueberrycongee/relaymux/pkg/errors"
)

// Platforms lists every platform a directory scans when the filter is empty.
var Platforms = []account.Platform{
	account.PlatformClaudeOfficial,
	account.PlatformClaudeConsole,
	account.PlatformCCR,
	account.PlatformBedrock,
	account.PlatformGemini,
	account.PlatformOpenAI,
	account.PlatformAzure,
}

// Redis stores each account as JSON under "<platform>:account:<id>" and keeps
// the ids of a platform in the set "<platform>:accounts".
type Redis struct {
	client redis.UniversalClient
	prefix string
}

var (
	_ account.Directory = (*Redis)(nil)
	_ account.Updater   = (*Redis)(nil)
)

// NewRedis creates a Redis directory. prefix, when set, is prepended as
// "<prefix>:" to every key.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (d *Redis) accountKey(p account.Platform, id string) string {
	return d.withPrefix(fmt.Sprintf("%s:account:%s", p, id))
}

func (d *Redis) indexKey(p account.Platform) string {
	return d.withPrefix(string(p) + ":accounts")
}

func (d *Redis) withPrefix(k string) string {
	if d.prefix == "" {
		return k
	}
	return d.prefix + ":" + k
}

// Put writes a and adds it to its platform index.
func (d *Redis) Put(ctx context.Context, a *account.Account) error {
	if a.ID == "" || a.Platform == "" {
		return errors.New("account id and platform are required")
	}
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}
	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, d.accountKey(a.Platform, a.ID), b, 0)
		pipe.SAdd(ctx, d.indexKey(a.Platform), a.ID)
		return nil
	})
	if err != nil {
		return llmerrors.NewStoreError("directory put", err)
	}
	return nil
}

// Delete removes the account from every platform.
func (d *Redis) Delete(ctx context.Context, id string) error {
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range Platforms {
			pipe.Del(ctx, d.accountKey(p, id))
			pipe.SRem(ctx, d.indexKey(p), id)
		}
		return nil
	})
	if err != nil {
		return llmerrors.NewStoreError("directory delete", err)
	}
	return nil
}

// ListAccounts implements account.Directory. Index entries whose document is
// gone are skipped. Results are ordered by ID.
func (d *Redis) ListAccounts(ctx context.Context, filter account.Filter) ([]*account.Account, error) {
	platforms := filter.Platforms
	if len(platforms) == 0 {
		platforms = Platforms
	}

	var result []*account.Account
	for _, p := range platforms {
		ids, err := d.client.SMembers(ctx, d.indexKey(p)).Result()
		if err != nil {
			return nil, llmerrors.NewStoreError("directory list", err)
		}
		if len(ids) == 0 {
			continue
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = d.accountKey(p, id)
		}
		vals, err := d.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, llmerrors.NewStoreError("directory list", err)
		}
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			a, err := decodeAccount(s)
			if err != nil {
				return nil, fmt.Errorf("account %s: %w", ids[i], err)
			}
			if a.Platform == "" {
				a.Platform = p
			}
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// GetAccount implements account.Directory.
func (d *Redis) GetAccount(ctx context.Context, id string) (*account.Account, error) {
	for _, p := range Platforms {
		s, err := d.client.Get(ctx, d.accountKey(p, id)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, llmerrors.NewStoreError("directory get", err)
		}
		a, err := decodeAccount(s)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", id, err)
		}
		if a.Platform == "" {
			a.Platform = p
		}
		return a, nil
	}
	return nil, nil
}

// UpdateCredentials implements account.Updater with optimistic locking on
// the account document.
func (d *Redis) UpdateCredentials(ctx context.Context, id string, creds account.Credentials, expiresAt time.Time) error {
	current, err := d.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return account.ErrNotFound
	}
	key := d.accountKey(current.Platform, id)

	err = d.client.Watch(ctx, func(tx *redis.Tx) error {
		s, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return account.ErrNotFound
		}
		if err != nil {
			return err
		}
		a, err := decodeAccount(s)
		if err != nil {
			return err
		}
		a.Credentials = creds
		a.ExpiresAt = expiresAt
		a.LastRefreshAt = time.Now()
		b, err := json.Marshal(a)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, account.ErrNotFound):
		return err
	default:
		return llmerrors.NewStoreError("directory update credentials", err)
	}
}

func decodeAccount(s string) (*account.Account, error) {
	var a account.Account
	if err := json.Unmarshal([]byte(s), &a); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	return &a, nil
}
