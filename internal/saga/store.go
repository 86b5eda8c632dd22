package saga

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/helixlabs/lims/internal/apperr"
)

// Store persists saga instances. Save overwrites the whole instance; the
// coordinator is the only writer, so no optimistic check is needed, but the
// write must be durable before the next step runs.
type Store interface {
	Create(ctx context.Context, in *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	Save(ctx context.Context, in *Instance) error
	// ListInStates returns instances in any of the given states, oldest
	// first. Recovery scans Running and Compensating.
	ListInStates(ctx context.Context, states ...State) ([]*Instance, error)
}

// MemoryStore backs tests and the no-database fallback mode.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]*Instance)}
}

func (m *MemoryStore) Create(_ context.Context, in *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instances[in.ID]; exists {
		return apperr.Newf(apperr.KindConflict, "saga %s already exists", in.ID)
	}
	cp, err := cloneInstance(in)
	if err != nil {
		return err
	}
	m.instances[in.ID] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	in, ok := m.instances[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "saga %s not found", id)
	}
	return cloneInstance(in)
}

func (m *MemoryStore) Save(_ context.Context, in *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[in.ID]; !ok {
		return apperr.Newf(apperr.KindNotFound, "saga %s not found", in.ID)
	}
	cp, err := cloneInstance(in)
	if err != nil {
		return err
	}
	m.instances[in.ID] = cp
	return nil
}

func (m *MemoryStore) ListInStates(_ context.Context, states ...State) ([]*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	var out []*Instance
	for _, in := range m.instances {
		if want[in.State] {
			cp, err := cloneInstance(in)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// cloneInstance deep-copies through JSON; instances are small and this keeps
// the copy faithful to what the Postgres store round-trips.
func cloneInstance(in *Instance) (*Instance, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "encode saga instance", err)
	}
	var cp Instance
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "decode saga instance", err)
	}
	return &cp, nil
}
