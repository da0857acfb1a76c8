package schedulers

import (
	"context"

	"github.com/blueberrycongee/relaymux/internal/metrics"
	"github.com/blueberrycongee/relaymux/pkg/account"
)

// stickyLookup returns the account bound to sessionHash when it is still
// eligible. A stale mapping is deleted and nil is returned so the caller
// falls through to a fresh selection.
func (s *Scheduler) stickyLookup(ctx context.Context, sessionHash, model string, forced account.Variant) (*account.SelectedAccount, error) {
	family := string(s.profile.family)
	mapping, err := s.store.GetSession(ctx, s.profile.namespace, sessionHash)
	if err != nil {
		return nil, err
	}
	if mapping == nil {
		metrics.StickyLookups.WithLabelValues(family, "miss").Inc()
		return nil, nil
	}

	acct, reason, err := s.validateMapping(ctx, mapping, model, forced)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		s.logger.Info("sticky session account unavailable, removing mapping",
			"family", family,
			"session", sessionHash,
			"account_id", mapping.AccountID,
			"reason", reason,
		)
		metrics.StickyLookups.WithLabelValues(family, "rebind").Inc()
		if err := s.store.DeleteSession(ctx, s.profile.namespace, sessionHash); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if s.cfg.RenewalThreshold > 0 {
		if _, err := s.store.ExtendSession(ctx, s.profile.namespace, sessionHash, s.cfg.StickyTTL, s.cfg.RenewalThreshold); err != nil {
			return nil, err
		}
	}

	metrics.StickyLookups.WithLabelValues(family, "hit").Inc()
	return &account.SelectedAccount{AccountID: acct.ID, Variant: mapping.Variant, Account: acct}, nil
}

// validateMapping re-checks the bound account. It returns the account when
// usable, otherwise nil and a short reason for logging.
func (s *Scheduler) validateMapping(ctx context.Context, mapping *account.SessionMapping, model string, forced account.Variant) (*account.Account, string, error) {
	if !s.hasVariant(mapping.Variant) {
		return nil, "foreign variant", nil
	}
	if forced != "" && mapping.Variant != forced {
		return nil, "vendor prefix mismatch", nil
	}

	acct, err := s.dir.GetAccount(ctx, mapping.AccountID)
	if err != nil {
		return nil, "", err
	}
	if acct == nil {
		return nil, "not found", nil
	}
	if acct.Platform != mapping.Variant.Platform() || !acct.IsShared() {
		return nil, "platform changed", nil
	}
	if model != "" && !s.supports(mapping.Variant, acct, model) {
		return nil, "model unsupported", nil
	}

	reason, err := s.gate.Check(ctx, acct)
	if err != nil {
		return nil, "", err
	}
	if reason != ReasonNone {
		return nil, string(reason), nil
	}
	return acct, "", nil
}
