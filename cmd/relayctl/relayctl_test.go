package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/relaymux"
	"github.com/blueberrycongee/relaymux/internal/state"
	"github.com/blueberrycongee/relaymux/pkg/account"
	"github.com/blueberrycongee/relaymux/schedulers"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seededStore(t *testing.T) (*miniredis.Miniredis, *state.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, newStore(client, state.DefaultKeyPrefix)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, relaymux.Version+"\n", out)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Setenv("RELAYMUX_ENCRYPTION_KEY", "cli-test-secret")

	ct, err := execute(t, "encrypt", "sk-ant-api03-secret")
	require.NoError(t, err)
	ct = strings.TrimSpace(ct)
	assert.Regexp(t, `^[0-9a-f]{32}:[0-9a-f]+$`, ct)

	pt, err := execute(t, "decrypt", ct)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-api03-secret\n", pt)
}

func TestEncrypt_KeyFromFileReference(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("file-secret\n"), 0o600))

	_, err := execute(t, "encrypt", "--encryption-key", "file://"+path, "value")
	require.NoError(t, err)
}

func TestDecrypt_WrongFormat(t *testing.T) {
	t.Setenv("RELAYMUX_ENCRYPTION_KEY", "cli-test-secret")
	_, err := execute(t, "decrypt", "not-a-ciphertext")
	require.Error(t, err)
}

func TestHealthAndClear(t *testing.T) {
	mr, store := seededStore(t)
	ctx := context.Background()
	require.NoError(t, store.SetRateLimited(ctx, "acct-1", time.Hour))
	require.NoError(t, store.SetBlocked(ctx, "acct-1"))

	out, err := execute(t, "--redis-addr", mr.Addr(), "health", "acct-1")
	require.NoError(t, err)
	assert.Contains(t, out, "acct-1\trate_limited=true overloaded=false blocked=true")

	out, err = execute(t, "--redis-addr", mr.Addr(), "--json", "health", "acct-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"rate_limited": true`)

	_, err = execute(t, "--redis-addr", mr.Addr(), "clear", "acct-1", "--rate-limit")
	require.NoError(t, err)
	limited, err := store.IsRateLimited(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, limited)
	blocked, err := store.IsBlocked(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, blocked, "only the selected flag is cleared")

	_, err = execute(t, "--redis-addr", mr.Addr(), "clear", "acct-1", "--all")
	require.NoError(t, err)
	blocked, err = store.IsBlocked(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestClear_RequiresFlag(t *testing.T) {
	mr, _ := seededStore(t)
	_, err := execute(t, "--redis-addr", mr.Addr(), "clear", "acct-1")
	require.Error(t, err)
}

func TestRedisAddrFromEnvironment(t *testing.T) {
	mr, store := seededStore(t)
	require.NoError(t, store.SetOverloaded(context.Background(), "acct-2", time.Minute))
	t.Setenv("RELAYMUX_REDIS_ADDR", mr.Addr())

	out, err := execute(t, "health", "acct-2")
	require.NoError(t, err)
	assert.Contains(t, out, "overloaded=true")
}

func TestRedisAddrFromConfigFile(t *testing.T) {
	mr, _ := seededStore(t)
	path := filepath.Join(t.TempDir(), "relayctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis-addr: "+mr.Addr()+"\n"), 0o600))

	out, err := execute(t, "--config", path, "health", "acct-3")
	require.NoError(t, err)
	assert.Contains(t, out, "acct-3\trate_limited=false")
}

func TestSessionShowAndDrop(t *testing.T) {
	mr, store := seededStore(t)
	ctx := context.Background()
	sel := account.SelectedAccount{AccountID: "acct-1", Variant: account.VariantClaudeConsole}
	require.NoError(t, store.SetSession(ctx, schedulers.ClaudeSessionNamespace, "hash-1", sel, time.Hour))

	out, err := execute(t, "--redis-addr", mr.Addr(), "session", "show", "hash-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "acct-1\tclaude-console\tttl="), out)

	_, err = execute(t, "--redis-addr", mr.Addr(), "session", "drop", "hash-1")
	require.NoError(t, err)

	out, err = execute(t, "--redis-addr", mr.Addr(), "session", "show", "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "no binding\n", out)

	_, err = execute(t, "--redis-addr", mr.Addr(), "session", "--family", "mistral", "show", "hash-1")
	require.Error(t, err)
}

func TestSlotsCleanup(t *testing.T) {
	mr, store := seededStore(t)
	_, err := store.Increment(context.Background(), "acct-1", "req-1", time.Hour)
	require.NoError(t, err)

	out, err := execute(t, "--redis-addr", mr.Addr(), "slots", "cleanup", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1\tremoved=0 live=1\n", out)
}
