package main

import (
	"log/slog"
	"sync/atomic"

	"github.com/blueberrycongee/relaymux/internal/config"
	"github.com/blueberrycongee/relaymux/pkg/account"
)

type accountReplacer interface {
	Replace([]*account.Account)
}

// accountReloader swaps the static account list after a configuration reload.
type accountReloader struct {
	logger     *slog.Logger
	dir        accountReplacer
	inProgress atomic.Bool
}

func newAccountReloader(logger *slog.Logger, dir accountReplacer) *accountReloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &accountReloader{logger: logger, dir: dir}
}

func (r *accountReloader) Reload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	if !r.inProgress.CompareAndSwap(false, true) {
		r.logger.Warn("account reload already in progress")
		return
	}
	defer r.inProgress.Store(false)

	if cfg.Directory.Type != "memory" {
		r.logger.Warn("directory type changed on reload; restart required", "type", cfg.Directory.Type)
		return
	}

	r.dir.Replace(cfg.Accounts)
	r.logger.Info("accounts reloaded", "accounts", len(cfg.Accounts))
}
