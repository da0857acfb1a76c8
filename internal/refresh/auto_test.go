package refresh

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/relaymux/pkg/account"
	"github.com/blueberrycongee/relaymux/schedulers"
)

func sweepAccounts() (*account.Account, *account.Account, *account.Account) {
	expiring := expiringAccount()
	expiring.Active = true

	later := expiringAccount()
	later.ID = "acct-later"
	later.Active = true
	later.ExpiresAt = time.Now().Add(time.Hour)

	inactive := expiringAccount()
	inactive.ID = "acct-off"
	return expiring, later, inactive
}

func TestRefreshExpiring_RefreshesOnlyDueAccounts(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls)
	defer srv.Close()

	expiring, later, inactive := sweepAccounts()
	dir := account.NewMemoryDirectory(expiring, later, inactive)
	r := New(newStore(t), dir, prefixCipher{}, WithClient(account.PlatformClaudeOfficial, Client{
		ClientID: "client-1",
		TokenURL: srv.URL,
	}))

	res, err := r.RefreshExpiring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expiring: 1, Refreshed: 1}, res)
	assert.Equal(t, int32(1), calls.Load())

	stored, err := dir.GetAccount(context.Background(), expiring.ID)
	require.NoError(t, err)
	assert.Equal(t, "enc:at-new", stored.Credentials.AccessToken)
	assert.True(t, stored.ExpiresAt.After(time.Now().Add(30*time.Minute)))

	untouched, err := dir.GetAccount(context.Background(), inactive.ID)
	require.NoError(t, err)
	assert.Equal(t, "enc:at-old", untouched.Credentials.AccessToken)
}

func TestRefreshExpiring_CountsFailures(t *testing.T) {
	expiring, _, _ := sweepAccounts()
	expiring.Credentials.RefreshToken = "plain"
	r := New(newStore(t), account.NewMemoryDirectory(expiring), prefixCipher{})

	res, err := r.RefreshExpiring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expiring: 1, Failed: 1}, res)
}

func TestStart_SweepsOnTick(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls)
	defer srv.Close()

	expiring, _, _ := sweepAccounts()
	dir := account.NewMemoryDirectory(expiring)
	r := New(newStore(t), dir, prefixCipher{}, WithClient(account.PlatformClaudeOfficial, Client{
		ClientID: "client-1",
		TokenURL: srv.URL,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := r.Start(ctx, 20*time.Millisecond)
	defer stop()

	assert.Eventually(t, func() bool {
		acct, err := dir.GetAccount(context.Background(), expiring.ID)
		return err == nil && acct.Credentials.AccessToken == "enc:at-new"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "a refreshed account is not refreshed again")
}

func TestDefaultThreshold_ExceedsSchedulerBuffer(t *testing.T) {
	assert.Greater(t, DefaultThreshold, schedulers.DefaultExpiryBuffer)
	assert.Greater(t, DefaultScanWindow, DefaultThreshold)

	acct := expiringAccount()
	acct.ExpiresAt = time.Now().Add(30 * time.Second)
	r := New(newStore(t), account.NewMemoryDirectory(acct), prefixCipher{})
	assert.False(t, acct.TokenExpiring(time.Now(), schedulers.DefaultExpiryBuffer))
	assert.True(t, r.NeedsRefresh(acct))
}
