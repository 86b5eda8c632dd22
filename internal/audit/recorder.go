package audit

import (
	"context"
	"log"

	"github.com/helixlabs/lims/internal/events"
)

// eventsOfInterest are the bus event types the recorder persists. Everything
// else stays in the bus's in-memory history only.
var eventsOfInterest = map[string]bool{
	events.TypeSampleCreated:       true,
	events.TypeSampleUpdated:       true,
	events.TypeSampleDeleted:       true,
	events.TypeSampleStatusChanged: true,
	events.TypeSampleStored:        true,
	events.TypeSampleMoved:         true,
	events.TypeLocationCreated:     true,
	events.TypeAuthLoginSucceeded:  true,
	events.TypeAuthLoginFailed:     true,
	events.TypeAuthAccountLocked:   true,
	events.TypeAuthPasswordReset:   true,
	events.TypeSagaStarted:         true,
	events.TypeSagaCompensating:    true,
	events.TypeSagaCompleted:       true,
	events.TypeSagaCompensated:     true,
	events.TypeSagaFailed:          true,
}

// Recorder is the default bus handler that turns events of interest into
// immutable audit entries.
type Recorder struct {
	store  Store
	logger *log.Logger
}

// NewRecorder creates the audit recorder over the given store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{
		store:  store,
		logger: log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
	}
}

func (r *Recorder) Name() string { return "audit-recorder" }

func (r *Recorder) CanHandle(eventType string) bool {
	return eventsOfInterest[eventType]
}

// Handle appends one entry per envelope. It never emits follow-up events.
func (r *Recorder) Handle(ctx context.Context, env *events.Envelope) ([]events.Event, error) {
	entry := &Entry{
		ID:            "aud-" + env.ID,
		EntityType:    env.EntityType,
		EntityID:      env.EntityID,
		Action:        env.Type,
		Actor:         env.Actor,
		Timestamp:     env.CreatedAt,
		CorrelationID: env.CorrelationID,
	}
	if before, ok := env.Payload["before"].(map[string]interface{}); ok {
		entry.Before = before
	}
	if after, ok := env.Payload["after"].(map[string]interface{}); ok {
		entry.After = after
	}

	if err := r.store.Append(ctx, entry); err != nil {
		r.logger.Printf("append failed for %s (%s/%s): %v", env.Type, env.EntityType, env.EntityID, err)
		return nil, err
	}
	return nil, nil
}
