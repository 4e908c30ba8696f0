package repo

import (
	"context"
	"sync"
	"time"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/profile/entity"
)

// MemoryProfileRepo keeps profiles in a map. Writes are last-write-wins,
// like the postgres table.
type MemoryProfileRepo struct {
	mu       sync.Mutex
	profiles map[string]entity.Profile
	now      func() time.Time
}

func NewMemoryProfileRepo() *MemoryProfileRepo {
	return &MemoryProfileRepo{profiles: make(map[string]entity.Profile), now: time.Now}
}

func (m *MemoryProfileRepo) Get(ctx context.Context, id string) (*entity.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryProfileRepo) Put(ctx context.Context, p *entity.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	if existing, ok := m.profiles[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.profiles[p.ID] = *p
	return nil
}

func (m *MemoryProfileRepo) Merge(ctx context.Context, id string, patch entity.Patch) (*entity.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	p, ok := m.profiles[id]
	if !ok {
		p = entity.Profile{ID: id, CreatedAt: now}
	}
	patch.Apply(&p)
	p.UpdatedAt = now
	m.profiles[id] = p
	return &p, nil
}

func (m *MemoryProfileRepo) CreateIfAbsent(ctx context.Context, p *entity.Profile) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[p.ID]; ok {
		return false, nil
	}
	now := m.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	m.profiles[p.ID] = *p
	return true, nil
}
