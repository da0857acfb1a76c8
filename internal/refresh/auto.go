package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/blueberrycongee/relaymux/pkg/account"
)

// SweepResult summarizes one background sweep.
type SweepResult struct {
	Expiring  int
	Refreshed int
	Failed    int
}

// RefreshExpiring refreshes every active account whose token expires within
// the scan window. Accounts are processed in batches of the configured size;
// individual failures are logged and counted, not returned.
func (r *Refresher) RefreshExpiring(ctx context.Context) (SweepResult, error) {
	platforms := make([]account.Platform, 0, len(r.clients))
	for p := range r.clients {
		platforms = append(platforms, p)
	}
	accounts, err := r.dir.ListAccounts(ctx, account.Filter{Platforms: platforms})
	if err != nil {
		return SweepResult{}, err
	}

	now := r.now()
	var due []*account.Account
	for _, acct := range accounts {
		if !acct.Active || acct.Credentials.RefreshToken == "" {
			continue
		}
		if acct.TokenExpiring(now, r.scanWindow) {
			due = append(due, acct)
		}
	}

	res := SweepResult{Expiring: len(due)}
	if len(due) == 0 {
		return res, nil
	}
	r.logger.Info("refreshing expiring tokens", "count", len(due))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for start := 0; start < len(due); start += r.batchSize {
		end := min(start+r.batchSize, len(due))
		for _, acct := range due[start:end] {
			wg.Add(1)
			go func(acct *account.Account) {
				defer wg.Done()
				_, err := r.Refresh(ctx, acct)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					res.Failed++
					r.logger.Warn("background token refresh failed", "account_id", acct.ID, "error", err)
					return
				}
				res.Refreshed++
			}(acct)
		}
		wg.Wait()
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}
	return res, nil
}

// Start runs RefreshExpiring immediately and then every interval until the
// returned stop function is called or ctx ends.
func (r *Refresher) Start(ctx context.Context, interval time.Duration) func() {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	stopCh := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(stopCh) }) }

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			r.sweep(ctx)
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			}
		}
	}()

	r.logger.Debug("token refresh sweep started", "interval", interval, "window", r.scanWindow)
	return stop
}

func (r *Refresher) sweep(ctx context.Context) {
	res, err := r.RefreshExpiring(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("token refresh sweep failed", "error", err)
		}
		return
	}
	if res.Expiring > 0 {
		r.logger.Info("token refresh sweep completed",
			"expiring", res.Expiring, "refreshed", res.Refreshed, "failed", res.Failed)
	}
}
