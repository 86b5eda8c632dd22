package sample

import (
	"context"
	"sync"
	"time"

	"github.com/helixlabs/lims/internal/apperr"
)

// Store is the persistence contract. Update takes the expected updated_at for
// optimistic concurrency: a mismatch returns Conflict and the caller retries.
type Store interface {
	Create(ctx context.Context, s *Sample) error
	GetByID(ctx context.Context, id string) (*Sample, error)
	GetByBarcode(ctx context.Context, barcode string) (*Sample, error)
	Update(ctx context.Context, s *Sample, expectedUpdatedAt time.Time) error
	List(ctx context.Context, status Status, limit int) ([]*Sample, error)
}

// MemoryStore backs tests and the no-database fallback mode.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*Sample
	byBarcode map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*Sample),
		byBarcode: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byBarcode[s.Barcode]; exists {
		return apperr.Newf(apperr.KindDuplicateBarcode, "barcode %s already exists", s.Barcode)
	}
	cp := cloneSample(s)
	m.byID[s.ID] = cp
	m.byBarcode[s.Barcode] = s.ID
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.byID[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "sample %s not found", id)
	}
	return cloneSample(s), nil
}

func (m *MemoryStore) GetByBarcode(_ context.Context, barcode string) (*Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byBarcode[barcode]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "barcode %s not found", barcode)
	}
	return cloneSample(m.byID[id]), nil
}

func (m *MemoryStore) Update(_ context.Context, s *Sample, expectedUpdatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.byID[s.ID]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "sample %s not found", s.ID)
	}
	if !current.UpdatedAt.Equal(expectedUpdatedAt) {
		return apperr.Newf(apperr.KindConflict, "sample %s modified concurrently", s.ID)
	}
	if s.Barcode != current.Barcode {
		if _, exists := m.byBarcode[s.Barcode]; exists {
			return apperr.Newf(apperr.KindDuplicateBarcode, "barcode %s already exists", s.Barcode)
		}
		delete(m.byBarcode, current.Barcode)
		m.byBarcode[s.Barcode] = s.ID
	}
	m.byID[s.ID] = cloneSample(s)
	return nil
}

func (m *MemoryStore) List(_ context.Context, status Status, limit int) ([]*Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Sample
	for _, s := range m.byID {
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, cloneSample(s))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func cloneSample(s *Sample) *Sample {
	cp := *s
	if s.TemplateID != nil {
		v := *s.TemplateID
		cp.TemplateID = &v
	}
	if s.LocationID != nil {
		v := *s.LocationID
		cp.LocationID = &v
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
