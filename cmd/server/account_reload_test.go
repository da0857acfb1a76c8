package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/relaymux/internal/config"
	"github.com/blueberrycongee/relaymux/pkg/account"
)

func TestAccountReloaderReplacesAccounts(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{}))
	dir := account.NewMemoryDirectory(&account.Account{ID: "old", Platform: account.PlatformClaudeConsole})

	reloader := newAccountReloader(logger, dir)
	reloader.Reload(&config.Config{
		Directory: config.DirectoryConfig{Type: "memory"},
		Accounts: []*account.Account{
			{ID: "new", Platform: account.PlatformGemini},
		},
	})

	list, err := dir.ListAccounts(context.Background(), account.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "new", list[0].ID)
}

func TestAccountReloaderIgnoresDirectoryTypeChange(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{}))
	dir := account.NewMemoryDirectory(&account.Account{ID: "kept", Platform: account.PlatformClaudeConsole})

	reloader := newAccountReloader(logger, dir)
	reloader.Reload(&config.Config{Directory: config.DirectoryConfig{Type: "redis"}})
	reloader.Reload(nil)

	acct, err := dir.GetAccount(context.Background(), "kept")
	require.NoError(t, err)
	require.NotNil(t, acct)
}
