package account

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryDirectory is an in-process Directory, used for static account lists
// from configuration and in tests.
type MemoryDirectory struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewMemoryDirectory creates a directory seeded with accounts.
func NewMemoryDirectory(accounts ...*Account) *MemoryDirectory {
	d := &MemoryDirectory{accounts: make(map[string]*Account, len(accounts))}
	for _, a := range accounts {
		d.accounts[a.ID] = a.Clone()
	}
	return d
}

// Put inserts or replaces an account.
func (d *MemoryDirectory) Put(a *Account) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[a.ID] = a.Clone()
}

// Delete removes an account.
func (d *MemoryDirectory) Delete(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.accounts, id)
}

// Replace swaps the whole account set, used on configuration reload.
func (d *MemoryDirectory) Replace(accounts []*Account) {
	next := make(map[string]*Account, len(accounts))
	for _, a := range accounts {
		next[a.ID] = a.Clone()
	}
	d.mu.Lock()
	d.accounts = next
	d.mu.Unlock()
}

// ListAccounts implements Directory. Results are ordered by ID.
func (d *MemoryDirectory) ListAccounts(_ context.Context, filter Filter) ([]*Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]*Account, 0, len(d.accounts))
	for _, a := range d.accounts {
		if filter.Matches(a) {
			result = append(result, a.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// GetAccount implements Directory.
func (d *MemoryDirectory) GetAccount(_ context.Context, id string) (*Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.accounts[id].Clone(), nil
}

// UpdateCredentials implements Updater.
func (d *MemoryDirectory) UpdateCredentials(_ context.Context, id string, creds Credentials, expiresAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.Credentials = creds
	a.ExpiresAt = expiresAt
	a.LastRefreshAt = time.Now()
	return nil
}
