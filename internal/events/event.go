package events

import (
	"encoding/json"
	"time"
)

// Event is what a component hands to the bus. The bus wraps it in an
// Envelope before dispatch.
type Event struct {
	Type          string                 `json:"type"`
	Source        string                 `json:"source"`
	EntityType    string                 `json:"entity_type,omitempty"`
	EntityID      string                 `json:"entity_id,omitempty"`
	Actor         string                 `json:"actor,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// Envelope is the dispatched form of an event. A durable copy of envelopes
// of interest lands in the audit log via the audit recorder handler.
type Envelope struct {
	ID            string                 `json:"event_id"`
	Type          string                 `json:"event_type"`
	Source        string                 `json:"source_component"`
	EntityType    string                 `json:"entity_type,omitempty"`
	EntityID      string                 `json:"entity_id,omitempty"`
	Actor         string                 `json:"actor,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	RetryCount    int                    `json:"retry_count"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// JSON serializes the envelope.
func (e *Envelope) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Event types emitted by the core. The audit recorder keys off these.
const (
	TypeSampleCreated       = "sample.created"
	TypeSampleUpdated       = "sample.updated"
	TypeSampleDeleted       = "sample.deleted"
	TypeSampleStatusChanged = "sample.status_changed"
	TypeSampleStored        = "sample.stored"
	TypeSampleMoved         = "sample.moved"
	TypeSampleReleased      = "sample.released"
	TypeLocationCreated     = "storage.location_created"
	TypeLocationStatus      = "storage.location_status_changed"
	TypeCapacityWarning     = "storage.capacity_warning"
	TypeCapacityCritical    = "storage.capacity_critical"
	TypeAuthLoginSucceeded  = "auth.login_succeeded"
	TypeAuthLoginFailed     = "auth.login_failed"
	TypeAuthAccountLocked   = "auth.account_locked"
	TypeAuthPasswordReset   = "auth.password_reset"
	TypeSagaStarted         = "saga.started"
	TypeSagaStepCompleted   = "saga.step_completed"
	TypeSagaStepFailed      = "saga.step_failed"
	TypeSagaCompensating    = "saga.compensating"
	TypeSagaCompleted       = "saga.completed"
	TypeSagaCompensated     = "saga.compensated"
	TypeSagaFailed          = "saga.failed"
	TypeNotificationSent    = "notification.sent"
)
