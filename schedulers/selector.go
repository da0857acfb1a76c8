package schedulers

import (
	"context"
	"sort"
	"strings"

	"github.com/blueberrycongee/relaymux/pkg/account"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

// candidates returns the pool accounts of variant that can serve model,
// sorted best first.
func (s *Scheduler) candidates(pool []*account.Account, variant account.Variant, model string) []*account.Account {
	platform := variant.Platform()
	out := make([]*account.Account, 0, len(pool))
	for _, acct := range pool {
		if acct.Platform != platform {
			continue
		}
		if model != "" && !s.supports(variant, acct, model) {
			continue
		}
		out = append(out, acct)
	}
	SortCandidates(out)
	return out
}

// pick returns the first candidate the gate accepts, or nil.
func (s *Scheduler) pick(ctx context.Context, candidates []*account.Account) (*account.Account, error) {
	for _, acct := range candidates {
		reason, err := s.gate.Check(ctx, acct)
		if err != nil {
			return nil, err
		}
		if reason == ReasonNone {
			return acct, nil
		}
		s.logger.Debug("account skipped",
			"family", s.profile.family,
			"account_id", acct.ID,
			"reason", string(reason),
		)
	}
	return nil, nil
}

// SortCandidates orders accounts by ascending priority, then least recently
// refreshed first, then by ID so the order is total.
func SortCandidates(accounts []*account.Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		a, b := accounts[i], accounts[j]
		if pa, pb := a.EffectivePriority(), b.EffectivePriority(); pa != pb {
			return pa < pb
		}
		if !a.LastRefreshAt.Equal(b.LastRefreshAt) {
			return a.LastRefreshAt.Before(b.LastRefreshAt)
		}
		return a.ID < b.ID
	})
}

// supportsListedModel checks the account's optional model allow list.
// Accounts without a list accept every model.
func supportsListedModel(acct *account.Account, model string) bool {
	if len(acct.SupportedModels) == 0 {
		return true
	}
	want := strings.ToLower(types.StripRegionPrefix(model))
	for _, m := range acct.SupportedModels {
		if strings.ToLower(types.StripRegionPrefix(m)) == want {
			return true
		}
	}
	return false
}
