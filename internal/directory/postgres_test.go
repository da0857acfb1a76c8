package directory

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/relaymux/pkg/account"
)

var accountColumns = []string{
	"id", "name", "platform", "account_type", "priority", "schedulable", "is_active",
	"status", "concurrency_limit", "expires_at", "last_refresh_at", "subscription",
	"supported_models", "custom_endpoint", "region", "credentials", "timeout_ms",
}

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(db), mock
}

func TestPostgres_ListAccountsFiltersByPlatform(t *testing.T) {
	d, mock := newMockPostgres(t)
	exp := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(accountColumns).
		AddRow("a1", "main", "claude", "dedicated", 5, true, true,
			"active", 3, exp, nil, []byte(`{"hasClaudeMax":true}`),
			[]byte(`{claude-3-5-sonnet,claude-3-opus}`), "", "", []byte(`{"access_token":"iv:ct"}`), int64(90000))

	mock.ExpectQuery(regexp.QuoteMeta("WHERE platform = ANY($1) ORDER BY id")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(rows)

	list, err := d.ListAccounts(context.Background(), account.Filter{Platforms: []account.Platform{account.PlatformClaudeOfficial}})
	require.NoError(t, err)
	require.Len(t, list, 1)

	a := list[0]
	assert.Equal(t, account.PlatformClaudeOfficial, a.Platform)
	assert.Equal(t, account.TypeDedicated, a.Type)
	assert.Equal(t, 3, a.ConcurrencyLimit)
	assert.True(t, a.ExpiresAt.Equal(exp))
	assert.True(t, a.LastRefreshAt.IsZero())
	assert.True(t, a.Subscription.HasClaudeMax)
	assert.Equal(t, []string{"claude-3-5-sonnet", "claude-3-opus"}, a.SupportedModels)
	assert.Equal(t, "iv:ct", a.Credentials.AccessToken)
	assert.Equal(t, 90*time.Second, a.Timeout)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetAccountMissing(t *testing.T) {
	d, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(accountColumns))

	a, err := d.GetAccount(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, a)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateCredentials(t *testing.T) {
	d, mock := newMockPostgres(t)
	exp := time.Now().Add(time.Hour)

	mock.ExpectExec("UPDATE relay_accounts").
		WithArgs("a1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, d.UpdateCredentials(context.Background(), "a1", account.Credentials{AccessToken: "x"}, exp))

	mock.ExpectExec("UPDATE relay_accounts").
		WithArgs("gone", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, d.UpdateCredentials(context.Background(), "gone", account.Credentials{}, exp), account.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Migrate(t *testing.T) {
	d, mock := newMockPostgres(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS relay_accounts").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, d.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PoolMetricsStop(t *testing.T) {
	d, _ := newMockPostgres(t)
	stop := d.StartPoolMetrics(context.Background(), time.Millisecond, nil)
	time.Sleep(5 * time.Millisecond)
	stop()
	stop()
}
