package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixlabs/lims/internal/events"
)

func entryAt(ts time.Time, entityID, action string) *Entry {
	return &Entry{
		ID:         "aud-" + action + "-" + ts.Format("150405.000"),
		EntityType: "sample",
		EntityID:   entityID,
		Action:     action,
		Actor:      "tech-1",
		Timestamp:  ts,
	}
}

func TestAppendAssignsIncreasingSequencePerEntity(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, entryAt(base, "s-1", "sample.created")))
	require.NoError(t, store.Append(ctx, entryAt(base.Add(time.Second), "s-1", "sample.stored")))
	require.NoError(t, store.Append(ctx, entryAt(base, "s-2", "sample.created")))

	history, err := store.History(ctx, "sample", "s-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(1), history[0].Sequence)
	assert.Equal(t, int64(2), history[1].Sequence)

	other, err := store.History(ctx, "sample", "s-2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].Sequence)
}

func TestTimestampsStayMonotonicPerEntity(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, entryAt(base.Add(time.Minute), "s-1", "sample.created")))
	// Writer with a lagging clock: entry must not move backwards in time.
	require.NoError(t, store.Append(ctx, entryAt(base, "s-1", "sample.stored")))

	history, _ := store.History(ctx, "sample", "s-1")
	require.Len(t, history, 2)
	assert.False(t, history[1].Timestamp.Before(history[0].Timestamp))
	assert.NoError(t, VerifyChain(ctx, store, "sample", "s-1"))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, entryAt(base, "s-1", "sample.created")))
	require.NoError(t, store.Append(ctx, entryAt(base.Add(time.Second), "s-1", "sample.stored")))
	require.NoError(t, VerifyChain(ctx, store, "sample", "s-1"))

	history, _ := store.History(ctx, "sample", "s-1")
	history[0].Actor = "someone-else"
	assert.Error(t, VerifyChain(ctx, store, "sample", "s-1"))
}

func TestCustodyFiltersToStorageMoves(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, entryAt(base, "s-1", "sample.created")))
	require.NoError(t, store.Append(ctx, entryAt(base.Add(time.Second), "s-1", "sample.stored")))
	require.NoError(t, store.Append(ctx, entryAt(base.Add(2*time.Second), "s-1", "sample.status_changed")))
	require.NoError(t, store.Append(ctx, entryAt(base.Add(3*time.Second), "s-1", "sample.moved")))

	custody, err := Custody(ctx, store, "sample", "s-1")
	require.NoError(t, err)
	require.Len(t, custody, 2)
	assert.Equal(t, "sample.stored", custody[0].Action)
	assert.Equal(t, "sample.moved", custody[1].Action)
}

func TestRecorderPersistsEventsOfInterest(t *testing.T) {
	store := NewMemoryStore()
	bus := events.NewBus(events.Options{})
	bus.RegisterHandler(NewRecorder(store))
	ctx := context.Background()

	bus.Publish(ctx, events.Event{
		Type:       events.TypeSampleStatusChanged,
		Source:     "sample-service",
		EntityType: "sample",
		EntityID:   "s-9",
		Actor:      "tech-2",
		Payload: map[string]interface{}{
			"before": map[string]interface{}{"status": "Pending"},
			"after":  map[string]interface{}{"status": "Validated"},
		},
	})
	// Not of interest: no audit row.
	bus.Publish(ctx, events.Event{Type: "debug.ping", EntityType: "sample", EntityID: "s-9"})

	history, err := store.History(ctx, "sample", "s-9")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, events.TypeSampleStatusChanged, history[0].Action)
	assert.Equal(t, "Pending", history[0].Before["status"])
	assert.Equal(t, "Validated", history[0].After["status"])
}
