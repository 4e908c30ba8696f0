package repo

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/entity"
)

// MemoryAccountRepo is an in-memory stand-in for AccountRepo, used for local
// runs without postgres and in unit tests.
type MemoryAccountRepo struct {
	mu        sync.Mutex
	accounts  map[string]entity.Account
	federated map[string]string // provider + "|" + subject -> account id
}

func NewMemoryAccountRepo() *MemoryAccountRepo {
	return &MemoryAccountRepo{
		accounts:  make(map[string]entity.Account),
		federated: make(map[string]string),
	}
}

func (m *MemoryAccountRepo) Create(ctx context.Context, a *entity.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range m.accounts {
		if strings.EqualFold(existing.Email, a.Email) {
			return ErrDuplicate
		}
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	m.accounts[a.ID] = *a
	return nil
}

func (m *MemoryAccountRepo) GetByID(ctx context.Context, id string) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *MemoryAccountRepo) GetByEmail(ctx context.Context, email string) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if strings.EqualFold(a.Email, email) {
			return &a, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryAccountRepo) GetByFederated(ctx context.Context, provider, subject string) (*entity.Account, error) {
	m.mu.Lock()
	id, ok := m.federated[provider+"|"+subject]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *MemoryAccountRepo) LinkFederated(ctx context.Context, accountID, provider, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := provider + "|" + subject
	if _, ok := m.federated[key]; ok {
		return ErrDuplicate
	}
	if _, ok := m.accounts[accountID]; !ok {
		return ErrNotFound
	}
	m.federated[key] = accountID
	return nil
}

func (m *MemoryAccountRepo) update(id string, fn func(a *entity.Account) bool) (entity.Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return entity.Account{}, false, ErrNotFound
	}
	if !fn(&a) {
		return a, false, nil
	}
	a.UpdatedAt = time.Now().UTC()
	m.accounts[id] = a
	return a, true, nil
}

func (m *MemoryAccountRepo) IncrementFailedLogin(ctx context.Context, id string) (int, error) {
	a, _, err := m.update(id, func(a *entity.Account) bool {
		a.LoginFailedAttempts++
		return true
	})
	return a.LoginFailedAttempts, err
}

func (m *MemoryAccountRepo) LockIfThreshold(ctx context.Context, id string, threshold int, lockFor time.Duration) (bool, error) {
	_, changed, err := m.update(id, func(a *entity.Account) bool {
		if a.Status != entity.StatusActive || a.LoginFailedAttempts < threshold {
			return false
		}
		until := time.Now().Add(lockFor)
		a.Status = entity.StatusLocked
		a.LockedUntil = &until
		return true
	})
	return changed, err
}

func (m *MemoryAccountRepo) ResetLoginSuccess(ctx context.Context, id string) error {
	_, _, err := m.update(id, func(a *entity.Account) bool {
		now := time.Now()
		a.LoginFailedAttempts = 0
		a.LastLoginAt = &now
		a.LockedUntil = nil
		return true
	})
	return err
}

func (m *MemoryAccountRepo) UnlockIfExpired(ctx context.Context, id string) (bool, error) {
	_, changed, err := m.update(id, func(a *entity.Account) bool {
		if a.Status != entity.StatusLocked || a.LockedUntil == nil || !a.LockedUntil.Before(time.Now()) {
			return false
		}
		a.Status = entity.StatusActive
		a.LockedUntil = nil
		a.LoginFailedAttempts = 0
		return true
	})
	return changed, err
}

func (m *MemoryAccountRepo) BumpVersion(ctx context.Context, id string) (int64, error) {
	a, _, err := m.update(id, func(a *entity.Account) bool {
		a.Version++
		return true
	})
	return a.Version, err
}

func (m *MemoryAccountRepo) UpdatePassword(ctx context.Context, id, hash, algo string) error {
	_, _, err := m.update(id, func(a *entity.Account) bool {
		now := time.Now().UTC()
		a.PasswordHash = &hash
		a.PasswordAlgo = &algo
		a.PasswordUpdatedAt = &now
		return true
	})
	return err
}

// MemoryRedirectRepo is the in-memory RedirectRepo.
type MemoryRedirectRepo struct {
	mu      sync.Mutex
	pending map[string]entity.RedirectResult
}

func NewMemoryRedirectRepo() *MemoryRedirectRepo {
	return &MemoryRedirectRepo{pending: make(map[string]entity.RedirectResult)}
}

func (m *MemoryRedirectRepo) Save(ctx context.Context, res entity.RedirectResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[res.ID]; ok {
		return ErrDuplicate
	}
	m.pending[res.ID] = res
	return nil
}

func (m *MemoryRedirectRepo) Consume(ctx context.Context, id string) (*entity.RedirectResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.pending[id]
	if !ok {
		return nil, nil
	}
	delete(m.pending, id)
	if res.ExpiresAt.Before(time.Now()) {
		return nil, nil
	}
	return &res, nil
}

func (m *MemoryRedirectRepo) Purge(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now()
	for id, res := range m.pending {
		if res.ExpiresAt.Before(now) {
			delete(m.pending, id)
			n++
		}
	}
	return n, nil
}
