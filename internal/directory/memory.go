package directory

import (
	"context"
	"fmt"
	"sync"

	"accountpool/pkg/platform/sentinel"
)

// Memory is an in-process Gateway used by tests and local mode. Writes are
// complete tag-set replacements per key, matching the real directory's
// semantics, so overlapping event deliveries stay safe without locking at
// the call site.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewMemory() *Memory {
	return &Memory{accounts: make(map[string]Account)}
}

// Seed inserts or replaces an account. Test helper; the directory owns
// account creation in production.
func (m *Memory) Seed(acct Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct.Tags == nil {
		acct.Tags = make(map[string]string)
	}
	m.accounts[acct.ID] = acct
}

func (m *Memory) Describe(_ context.Context, accountID string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[accountID]
	if !ok {
		return Account{}, fmt.Errorf("account %s: %w", accountID, sentinel.ErrNotFound)
	}
	return cloneAccount(acct), nil
}

func (m *Memory) ListChildren(_ context.Context, parentID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, acct := range m.accounts {
		if acct.Parent == parentID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *Memory) ListTags(_ context.Context, accountID string) (map[string]string, error) {
	acct, err := m.Describe(context.Background(), accountID)
	if err != nil {
		return nil, err
	}
	return acct.Tags, nil
}

func (m *Memory) ApplyTag(_ context.Context, accountID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, sentinel.ErrNotFound)
	}
	acct.Tags[key] = value
	m.accounts[accountID] = acct
	return nil
}

func (m *Memory) RemoveTags(_ context.Context, accountID string, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, sentinel.ErrNotFound)
	}
	for _, k := range keys {
		delete(acct.Tags, k)
	}
	m.accounts[accountID] = acct
	return nil
}

func cloneAccount(a Account) Account {
	tags := make(map[string]string, len(a.Tags))
	for k, v := range a.Tags {
		tags[k] = v
	}
	a.Tags = tags
	return a
}
