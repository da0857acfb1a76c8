package schedulers

import (
	"context"
	"time"

	"github.com/blueberrycongee/relaymux/internal/state"
	"github.com/blueberrycongee/relaymux/pkg/account"
)

// DefaultExpiryBuffer excludes accounts whose token expires this soon.
const DefaultExpiryBuffer = 10 * time.Second

// Reason explains why the gate rejected an account. The empty reason means eligible.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonInactive      Reason = "inactive"
	ReasonUnschedulable Reason = "unschedulable"
	ReasonStatus        Reason = "status"
	ReasonTokenExpiring Reason = "token_expiring"
	ReasonBlocked       Reason = "blocked"
	ReasonOverloaded    Reason = "overloaded"
	ReasonRateLimited   Reason = "rate_limited"
	ReasonConcurrency   Reason = "concurrency"
)

// HealthReader reads the shared health snapshot of an account.
type HealthReader interface {
	Health(ctx context.Context, accountID string) (state.Health, error)
}

// Gate composes account flags, live concurrency and token expiry into one
// eligibility predicate.
type Gate struct {
	health       HealthReader
	expiryBuffer time.Duration
	now          func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithExpiryBuffer overrides the token expiry safety buffer.
func WithExpiryBuffer(d time.Duration) GateOption {
	return func(g *Gate) {
		if d >= 0 {
			g.expiryBuffer = d
		}
	}
}

// WithGateClock overrides the time source.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGate creates a gate over the shared health store.
func NewGate(health HealthReader, opts ...GateOption) *Gate {
	g := &Gate{
		health:       health,
		expiryBuffer: DefaultExpiryBuffer,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check returns ReasonNone when acct may receive a new request. Static
// account fields are checked before any store round trip.
func (g *Gate) Check(ctx context.Context, acct *account.Account) (Reason, error) {
	if reason := g.checkStatic(acct); reason != ReasonNone {
		return reason, nil
	}

	h, err := g.health.Health(ctx, acct.ID)
	if err != nil {
		return ReasonNone, err
	}

	now := g.now()
	switch {
	case h.Blocked:
		return ReasonBlocked, nil
	case h.Overloaded(now):
		return ReasonOverloaded, nil
	case h.RateLimited(now):
		return ReasonRateLimited, nil
	case acct.ConcurrencyLimit > 0 && h.Concurrency >= int64(acct.ConcurrencyLimit):
		return ReasonConcurrency, nil
	}
	return ReasonNone, nil
}

func (g *Gate) checkStatic(acct *account.Account) Reason {
	switch {
	case !acct.Active:
		return ReasonInactive
	case !acct.Schedulable:
		return ReasonUnschedulable
	case acct.Status != "" && acct.Status != account.StatusActive:
		return ReasonStatus
	case acct.TokenExpiring(g.now(), g.expiryBuffer):
		return ReasonTokenExpiring
	}
	return ReasonNone
}
