package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memStore is an in-memory Store for exercising the service logic
// without a database. Rotate mirrors the conditional-revoke semantics
// of the SQL implementation.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	tokens   map[string]*RefreshTokenRecord
}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[string]*Account),
		tokens:   make(map[string]*RefreshTokenRecord),
	}
}

func (m *memStore) Accounts() AccountStore           { return (*memAccounts)(m) }
func (m *memStore) RefreshTokens() RefreshTokenStore { return (*memTokens)(m) }

func (m *memStore) putAccount(acc *Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *acc
	m.accounts[acc.ID] = &cp
}

func (m *memStore) liveTokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.tokens {
		if !rec.Revoked {
			n++
		}
	}
	return n
}

func (m *memStore) token(id string) *RefreshTokenRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.tokens[id]; ok {
		cp := *rec
		return &cp
	}
	return nil
}

type memAccounts memStore

func (m *memAccounts) Create(ctx context.Context, acc *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acc.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *acc
	m.accounts[acc.ID] = &cp
	return nil
}

func (m *memAccounts) Find(ctx context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *acc
	return &cp, nil
}

func (m *memAccounts) FindByUsername(ctx context.Context, username string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if strings.EqualFold(acc.Username, username) {
			cp := *acc
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memAccounts) RecordLoginFailure(ctx context.Context, id string, policy LockoutPolicy, now time.Time) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	policy.RecordFailure(acc, now)
	cp := *acc
	return &cp, nil
}

func (m *memAccounts) ResetLoginState(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acc.FailedLoginAttempts = 0
	acc.LockedUntil = nil
	return nil
}

type memTokens memStore

func (m *memTokens) Create(ctx context.Context, rec *RefreshTokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[rec.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *rec
	m.tokens[rec.ID] = &cp
	return nil
}

func (m *memTokens) Find(ctx context.Context, id string) (*RefreshTokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memTokens) Rotate(ctx context.Context, oldID string, replacement *RefreshTokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.tokens[oldID]
	if !ok {
		return ErrNotFound
	}
	if old.Revoked {
		return ErrRefreshReused
	}
	old.Revoked = true
	revokedAt := replacement.IssuedAt
	old.RevokedAt = &revokedAt
	old.ReplacedBy = replacement.ID
	cp := *replacement
	m.tokens[replacement.ID] = &cp
	return nil
}

func (m *memTokens) MarkRevoked(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	if !rec.Revoked {
		rec.Revoked = true
		now := time.Now()
		rec.RevokedAt = &now
	}
	return nil
}

func (m *memTokens) MarkRevokedByAccount(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, rec := range m.tokens {
		if rec.AccountID == accountID && !rec.Revoked {
			rec.Revoked = true
			revokedAt := now
			rec.RevokedAt = &revokedAt
		}
	}
	return nil
}

func (m *memTokens) RevokeChain(ctx context.Context, fromID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	id := fromID
	for hops := 0; id != "" && hops < 64; hops++ {
		rec, ok := m.tokens[id]
		if !ok {
			return nil
		}
		if !rec.Revoked {
			rec.Revoked = true
			revokedAt := now
			rec.RevokedAt = &revokedAt
		}
		id = rec.ReplacedBy
	}
	return nil
}

func (m *memTokens) DeleteExpired(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.tokens {
		if rec.ExpiresAt.Before(cutoff) {
			delete(m.tokens, id)
			n++
		}
	}
	return n, nil
}
