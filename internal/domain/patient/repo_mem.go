package patient

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a Repository backed by a map. It mirrors the Postgres
// projections so callers see the same shape from either.
type MemoryRepository struct {
	mu       sync.RWMutex
	patients map[uuid.UUID]*Patient
	// Fail, when set, is returned by every call.
	Fail error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{patients: make(map[uuid.UUID]*Patient)}
}

func restricted(p *Patient) *Patient {
	cp := *p
	cp.Email, cp.Phone = nil, nil
	return &cp
}

func (m *MemoryRepository) Create(_ context.Context, p *Patient) error {
	if m.Fail != nil {
		return m.Fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	p.ID = uuid.New()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Patient, error) {
	if m.Fail != nil {
		return nil, m.Fail
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return restricted(p), nil
}

func (m *MemoryRepository) GetContact(_ context.Context, id uuid.UUID) (*Patient, error) {
	if m.Fail != nil {
		return nil, m.Fail
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRepository) List(_ context.Context) ([]*Patient, error) {
	if m.Fail != nil {
		return nil, m.Fail
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Patient, 0, len(m.patients))
	for _, p := range m.patients {
		out = append(out, restricted(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	return out, nil
}

func (m *MemoryRepository) Update(_ context.Context, id uuid.UUID, patch Patch, now time.Time) (*Patient, error) {
	if m.Fail != nil {
		return nil, m.Fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	patch.Apply(p)
	p.UpdatedAt = now
	return restricted(p), nil
}

func (m *MemoryRepository) Delete(_ context.Context, id uuid.UUID) error {
	if m.Fail != nil {
		return m.Fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[id]; !ok {
		return ErrNotFound
	}
	delete(m.patients, id)
	return nil
}

func (m *MemoryRepository) VideoURLs(_ context.Context) ([]string, error) {
	if m.Fail != nil {
		return nil, m.Fail
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var urls []string
	for _, p := range m.patients {
		if p.VideoURL != nil {
			urls = append(urls, *p.VideoURL)
		}
	}
	return urls, nil
}
