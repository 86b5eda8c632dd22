package storage

import (
	"context"
	"sync"
	"time"

	"github.com/helixlabs/lims/internal/apperr"
)

// Store is the persistence contract. Allocate, Release, and Transfer are
// atomic: the capacity check and the container write happen under the same
// location lock, so two concurrent allocations can never oversubscribe a
// location.
type Store interface {
	CreateLocation(ctx context.Context, l *Location) error
	GetLocation(ctx context.Context, id string) (*Location, error)
	ListLocations(ctx context.Context) ([]*Location, error)
	SetLocationStatus(ctx context.Context, id string, status LocationStatus, at time.Time) (*Location, error)

	// Allocate places c in its location, failing with CapacityExceeded when
	// the location is full. Returns the location after the write.
	Allocate(ctx context.Context, c *Container) (*Location, error)
	// Release removes the sample's container from the given location.
	// Returns NotFound when the sample is not stored there.
	Release(ctx context.Context, locationID, sampleID string) (*Container, *Location, error)
	// Transfer atomically moves a sample to another location, releasing the
	// old slot and claiming the new one.
	Transfer(ctx context.Context, sampleID, toLocationID, position, actor string, at time.Time) (moved *Container, fromLocationID string, err error)

	FindBySample(ctx context.Context, sampleID string) (*Container, error)
	ListContainers(ctx context.Context, locationID string) ([]*Container, error)
}

// MemoryStore backs tests and the no-database fallback mode.
type MemoryStore struct {
	mu         sync.RWMutex
	locations  map[string]*Location
	containers map[string]*Container // keyed by sample id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locations:  make(map[string]*Location),
		containers: make(map[string]*Container),
	}
}

func (m *MemoryStore) CreateLocation(_ context.Context, l *Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.locations[l.ID]; exists {
		return apperr.Newf(apperr.KindConflict, "location %s already exists", l.ID)
	}
	cp := *l
	m.locations[l.ID] = &cp
	return nil
}

func (m *MemoryStore) GetLocation(_ context.Context, id string) (*Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocationLocked(id)
}

func (m *MemoryStore) getLocationLocked(id string) (*Location, error) {
	l, ok := m.locations[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "location %s not found", id)
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) SetLocationStatus(_ context.Context, id string, status LocationStatus, at time.Time) (*Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locations[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "location %s not found", id)
	}
	l.Status = status
	l.UpdatedAt = at
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) ListLocations(_ context.Context) ([]*Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Location, 0, len(m.locations))
	for _, l := range m.locations {
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Allocate(_ context.Context, c *Container) (*Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateLocked(c)
}

func (m *MemoryStore) allocateLocked(c *Container) (*Location, error) {
	loc, ok := m.locations[c.LocationID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "location %s not found", c.LocationID)
	}
	if !loc.Accepting() {
		return nil, apperr.Newf(apperr.KindBusinessRule, "location %s is %s and accepts no new samples", loc.ID, loc.Status)
	}
	if loc.Full() {
		return nil, apperr.Newf(apperr.KindCapacityExceeded, "location %s is full (%d/%d)", loc.ID, loc.Used, loc.Capacity)
	}
	if existing, ok := m.containers[c.SampleID]; ok {
		return nil, apperr.Newf(apperr.KindConflict, "sample %s already stored in %s", c.SampleID, existing.LocationID)
	}
	if c.Position != "" {
		for _, other := range m.containers {
			if other.LocationID == c.LocationID && other.Position == c.Position {
				return nil, apperr.Newf(apperr.KindConflict, "position %s in location %s is taken", c.Position, c.LocationID)
			}
		}
	}
	cp := *c
	m.containers[c.SampleID] = &cp
	loc.Used++
	loc.UpdatedAt = c.StoredAt
	out := *loc
	return &out, nil
}

func (m *MemoryStore) Release(_ context.Context, locationID, sampleID string) (*Container, *Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(locationID, sampleID)
}

func (m *MemoryStore) releaseLocked(locationID, sampleID string) (*Container, *Location, error) {
	c, ok := m.containers[sampleID]
	if !ok || c.LocationID != locationID {
		return nil, nil, apperr.Newf(apperr.KindNotFound, "sample %s is not stored in location %s", sampleID, locationID)
	}
	delete(m.containers, sampleID)

	loc := m.locations[locationID]
	if loc != nil && loc.Used > 0 {
		loc.Used--
	}
	var locCopy *Location
	if loc != nil {
		cp := *loc
		locCopy = &cp
	}
	cc := *c
	return &cc, locCopy, nil
}

func (m *MemoryStore) Transfer(_ context.Context, sampleID, toLocationID, position, actor string, at time.Time) (*Container, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.containers[sampleID]
	if !ok {
		return nil, "", apperr.Newf(apperr.KindNotFound, "sample %s is not in storage", sampleID)
	}
	from := current.LocationID
	if from == toLocationID {
		cp := *current
		return &cp, from, nil
	}

	if _, _, err := m.releaseLocked(from, sampleID); err != nil {
		return nil, "", err
	}
	moved := &Container{
		ID:           current.ID,
		LocationID:   toLocationID,
		SampleID:     sampleID,
		RequiredZone: current.RequiredZone,
		Position:     position,
		StoredAt:     at,
		StoredBy:     actor,
	}
	if _, err := m.allocateLocked(moved); err != nil {
		// Roll the release back so the sample never dangles.
		restore := *current
		m.containers[sampleID] = &restore
		if loc := m.locations[from]; loc != nil {
			loc.Used++
		}
		return nil, "", err
	}
	cp := *moved
	return &cp, from, nil
}

func (m *MemoryStore) FindBySample(_ context.Context, sampleID string) (*Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.containers[sampleID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "sample %s is not in storage", sampleID)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListContainers(_ context.Context, locationID string) ([]*Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Container
	for _, c := range m.containers {
		if c.LocationID == locationID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}
