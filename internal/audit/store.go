package audit

import (
	"context"
	"sync"
	"time"

	"github.com/helixlabs/lims/internal/apperr"
)

// Store is the append-only persistence contract. There are deliberately no
// update or delete operations.
type Store interface {
	// Append assigns the per-entity sequence and hash chain, then persists.
	Append(ctx context.Context, e *Entry) error
	// History returns all entries for an entity ordered by (timestamp, sequence).
	History(ctx context.Context, entityType, entityID string) ([]*Entry, error)
	// Recent returns the most recent entries across all entities, newest last.
	Recent(ctx context.Context, limit int) ([]*Entry, error)
}

// MemoryStore keeps the audit log in process. Used by tests and as the
// fallback when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	byKey   map[string][]*Entry
	ordered []*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[string][]*Entry)}
}

func entityKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey(e.EntityType, e.EntityID)
	chain := s.byKey[key]

	prevHash := ""
	if n := len(chain); n > 0 {
		last := chain[n-1]
		prevHash = last.ContentHash
		e.Sequence = last.Sequence + 1
		// Timestamps per entity are monotonic; a clock standing still is
		// disambiguated by the strictly increasing sequence.
		if e.Timestamp.Before(last.Timestamp) {
			e.Timestamp = last.Timestamp
		}
	} else {
		e.Sequence = 1
	}
	e.ContentHash = chainHash(prevHash, e)

	s.byKey[key] = append(chain, e)
	s.ordered = append(s.ordered, e)
	return nil
}

func (s *MemoryStore) History(_ context.Context, entityType, entityID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.byKey[entityKey(entityType, entityID)]
	out := make([]*Entry, len(chain))
	copy(out, chain)
	return out, nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.ordered)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Entry, n)
	copy(out, s.ordered[len(s.ordered)-n:])
	return out, nil
}

// Custody returns the chain-of-custody for an entity: the ordered sequence of
// custody-relevant entries (storage admissions, releases and moves).
func Custody(ctx context.Context, store Store, entityType, entityID string) ([]*Entry, error) {
	history, err := store.History(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	var custody []*Entry
	for _, e := range history {
		switch e.Action {
		case "sample.stored", "sample.moved", "sample.released":
			custody = append(custody, e)
		}
	}
	return custody, nil
}

// VerifyChain recomputes the hash chain for an entity and reports the first
// entry whose stored hash does not match, if any.
func VerifyChain(ctx context.Context, store Store, entityType, entityID string) error {
	history, err := store.History(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	prev := ""
	var lastTS time.Time
	for _, e := range history {
		if e.Timestamp.Before(lastTS) {
			return apperr.Newf(apperr.KindInternal, "audit chain for %s/%s: timestamp regression at seq %d",
				entityType, entityID, e.Sequence)
		}
		lastTS = e.Timestamp
		if chainHash(prev, e) != e.ContentHash {
			return apperr.Newf(apperr.KindInternal, "audit chain for %s/%s: hash mismatch at seq %d",
				entityType, entityID, e.Sequence)
		}
		prev = e.ContentHash
	}
	return nil
}
