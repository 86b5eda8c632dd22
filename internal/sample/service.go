package sample

import (
	"context"
	"log"
	"strings"

	"github.com/helixlabs/lims/internal/apperr"
	"github.com/helixlabs/lims/internal/clock"
	"github.com/helixlabs/lims/internal/events"
	"github.com/helixlabs/lims/internal/idgen"
)

// StorageReleaser is the slice of the storage engine the state machine needs:
// leaving InStorage/InSequencing must release the occupancy in the same
// operation that clears location_id.
type StorageReleaser interface {
	Release(ctx context.Context, locationID, sampleID, actor, correlationID string) error
}

// Service is the sample state machine.
type Service struct {
	store    Store
	releaser StorageReleaser
	clock    clock.Clock
	ids      idgen.Generator
	bus      events.Emitter
	logger   *log.Logger
}

// conflictRetries bounds optimistic-concurrency retry loops on sample rows.
const conflictRetries = 3

// NewService wires the sample state machine. releaser and bus may be nil.
func NewService(store Store, releaser StorageReleaser, clk clock.Clock, ids idgen.Generator, bus events.Emitter) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if ids == nil {
		ids = idgen.UUIDGenerator{}
	}
	return &Service{
		store:    store,
		releaser: releaser,
		clock:    clk,
		ids:      ids,
		bus:      bus,
		logger:   log.New(log.Writer(), "[SAMPLE] ", log.LstdFlags),
	}
}

// CreateRequest is the create payload.
type CreateRequest struct {
	Name          string                 `json:"name"`
	Barcode       string                 `json:"barcode,omitempty"`
	SampleType    Type                   `json:"sample_type"`
	TemplateID    *string                `json:"template_id,omitempty"`
	Concentration float64                `json:"concentration"`
	Volume        float64                `json:"volume"`
	Unit          string                 `json:"unit,omitempty"`
	QualityScore  float64                `json:"quality_score,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Create inserts a new sample in status Pending. The barcode is generated
// when absent and validated when supplied.
func (s *Service) Create(ctx context.Context, req CreateRequest, actor, correlationID string) (*Sample, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, apperr.New(apperr.KindValidation, "sample name is required")
	}
	if !ValidType(req.SampleType) {
		return nil, apperr.Newf(apperr.KindValidation, "unknown sample type %q", req.SampleType)
	}
	if req.Volume < 0 || req.Concentration < 0 {
		return nil, apperr.New(apperr.KindValidation, "volume and concentration must not be negative")
	}
	if req.TemplateID != nil && len(req.Metadata) == 0 {
		return nil, apperr.New(apperr.KindValidation, "template-based samples require metadata")
	}

	now := s.clock.Now()
	barcode := req.Barcode
	if barcode == "" {
		barcode = GenerateBarcode(req.SampleType, now)
	} else if !ValidBarcode(barcode) {
		return nil, apperr.Newf(apperr.KindValidation, "barcode %q does not match the required format", barcode)
	}

	unit := req.Unit
	if unit == "" {
		unit = "µL"
	}
	smp := &Sample{
		ID:            s.ids.NewID(),
		Name:          req.Name,
		Barcode:       barcode,
		SampleType:    req.SampleType,
		Status:        StatusPending,
		TemplateID:    req.TemplateID,
		Concentration: req.Concentration,
		Volume:        req.Volume,
		Unit:          unit,
		QualityScore:  req.QualityScore,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
		CreatedBy:     actor,
		UpdatedBy:     actor,
	}
	if err := s.store.Create(ctx, smp); err != nil {
		return nil, err
	}

	s.publish(ctx, events.TypeSampleCreated, smp.ID, actor, correlationID, map[string]interface{}{
		"after": smp.snapshot(),
	})
	return smp, nil
}

// UpdateRequest is a partial patch; nil fields are left untouched.
type UpdateRequest struct {
	Name          *string                `json:"name,omitempty"`
	Barcode       *string                `json:"barcode,omitempty"`
	SampleType    *Type                  `json:"sample_type,omitempty"`
	TemplateID    *string                `json:"template_id,omitempty"`
	Concentration *float64               `json:"concentration,omitempty"`
	Volume        *float64               `json:"volume,omitempty"`
	Unit          *string                `json:"unit,omitempty"`
	QualityScore  *float64               `json:"quality_score,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Update patches mutable fields. Barcode changes re-check format here and
// uniqueness at the store; type changes re-validate against the enumeration.
func (s *Service) Update(ctx context.Context, id string, patch UpdateRequest, actor string) (*Sample, error) {
	var updated *Sample
	err := s.withConflictRetry(ctx, id, actor, func(smp *Sample, buf *eventBuffer) error {
		before := smp.snapshot()

		if patch.Name != nil {
			if strings.TrimSpace(*patch.Name) == "" {
				return apperr.New(apperr.KindValidation, "sample name cannot be empty")
			}
			smp.Name = *patch.Name
		}
		if patch.Barcode != nil && *patch.Barcode != smp.Barcode {
			if !ValidBarcode(*patch.Barcode) {
				return apperr.Newf(apperr.KindValidation, "barcode %q does not match the required format", *patch.Barcode)
			}
			smp.Barcode = *patch.Barcode
		}
		if patch.SampleType != nil {
			if !ValidType(*patch.SampleType) {
				return apperr.Newf(apperr.KindValidation, "unknown sample type %q", *patch.SampleType)
			}
			smp.SampleType = *patch.SampleType
		}
		if patch.TemplateID != nil {
			smp.TemplateID = patch.TemplateID
		}
		if patch.Concentration != nil {
			smp.Concentration = *patch.Concentration
		}
		if patch.Volume != nil {
			smp.Volume = *patch.Volume
		}
		if patch.Unit != nil {
			smp.Unit = *patch.Unit
		}
		if patch.QualityScore != nil {
			smp.QualityScore = *patch.QualityScore
		}
		if patch.Metadata != nil {
			smp.Metadata = patch.Metadata
		}
		if smp.TemplateID != nil && len(smp.Metadata) == 0 {
			return apperr.New(apperr.KindValidation, "template-based samples require metadata")
		}

		buf.add(ctx, s, events.TypeSampleUpdated, smp, actor, "", map[string]interface{}{
			"before": before,
		})
		updated = smp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// StatusOption tweaks a SetStatus call.
type StatusOption func(*statusOptions)

type statusOptions struct {
	locationID    *string
	reason        string
	correlationID string
	force         bool
}

// WithLocation supplies the location recorded when entering InStorage. The
// allocation itself already happened in the storage engine.
func WithLocation(locationID string) StatusOption {
	return func(o *statusOptions) { o.locationID = &locationID }
}

// WithReason annotates the transition in the event payload.
func WithReason(reason string) StatusOption {
	return func(o *statusOptions) { o.reason = reason }
}

// WithCorrelation tags the transition with a saga transaction id.
func WithCorrelation(id string) StatusOption {
	return func(o *statusOptions) { o.correlationID = id }
}

// forced bypasses the transition table. Only Delete and RevertStatus use it, on saga
// compensation paths.
func forced() StatusOption {
	return func(o *statusOptions) { o.force = true }
}

// SetStatus transitions a sample, enforcing the lifecycle table and the
// location invariant. It returns the updated sample and the prior status.
// Setting the current status again is an idempotent no-op.
func (s *Service) SetStatus(ctx context.Context, id string, next Status, actor string, opts ...StatusOption) (*Sample, Status, error) {
	var o statusOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !ValidStatus(next) {
		return nil, "", apperr.Newf(apperr.KindValidation, "unknown status %q", next)
	}

	var (
		updated *Sample
		prior   Status
	)
	err := s.withConflictRetry(ctx, id, actor, func(smp *Sample, buf *eventBuffer) error {
		prior = smp.Status
		if next == prior {
			updated = smp
			return nil
		}
		if !o.force && !CanTransition(prior, next) {
			return apperr.Newf(apperr.KindInvalidTransition, "illegal transition %s -> %s", prior, next).
				WithCorrelation(o.correlationID)
		}

		before := smp.snapshot()

		// Leaving an occupancy status releases the slot in the same operation.
		if StatusRequiresLocation(prior) && !StatusRequiresLocation(next) && smp.LocationID != nil {
			if s.releaser != nil {
				if err := s.releaser.Release(ctx, *smp.LocationID, smp.ID, actor, o.correlationID); err != nil {
					return err
				}
			}
			smp.LocationID = nil
		}
		if StatusRequiresLocation(next) {
			if o.locationID != nil {
				smp.LocationID = o.locationID
			}
			if smp.LocationID == nil {
				return apperr.Newf(apperr.KindBusinessRule, "transition to %s requires a storage location", next)
			}
		}

		smp.Status = next

		payload := map[string]interface{}{
			"before": before,
			"from":   string(prior),
			"to":     string(next),
		}
		if o.reason != "" {
			payload["reason"] = o.reason
		}
		buf.add(ctx, s, events.TypeSampleStatusChanged, smp, actor, o.correlationID, payload)
		updated = smp
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return updated, prior, nil
}

// Delete soft-deletes via a transition to Deleted. A sample in sequencing is
// never deletable, even with force; force only bypasses the transition table
// on compensation paths.
func (s *Service) Delete(ctx context.Context, id string, force bool, actor, reason, correlationID string) error {
	current, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == StatusDeleted {
		return nil // idempotent
	}
	if current.Status == StatusInSequencing {
		return apperr.New(apperr.KindBusinessRule, "a sample in sequencing cannot be deleted")
	}

	opts := []StatusOption{WithReason(reason), WithCorrelation(correlationID)}
	if force {
		opts = append(opts, forced())
	}
	if _, _, err := s.SetStatus(ctx, id, StatusDeleted, actor, opts...); err != nil {
		return err
	}
	s.publish(ctx, events.TypeSampleDeleted, id, actor, correlationID, map[string]interface{}{
		"before": current.snapshot(),
	})
	return nil
}

// RevertStatus puts a sample back to an earlier status, bypassing the
// transition table. Compensation paths use it to undo a transition whose
// forward edge has no legal inverse. Already at the target is a no-op.
func (s *Service) RevertStatus(ctx context.Context, id string, to Status, actor, correlationID string) error {
	if !ValidStatus(to) {
		return apperr.Newf(apperr.KindValidation, "unknown status %q", to)
	}
	_, _, err := s.SetStatus(ctx, id, to, actor,
		WithReason("workflow rollback"), WithCorrelation(correlationID), forced())
	return err
}

// RecordLocation stamps the location on a sample that just entered storage.
// Called after a successful allocation, together with the Validated ->
// InStorage transition.
func (s *Service) RecordLocation(ctx context.Context, id, locationID, actor, correlationID string) (*Sample, error) {
	smp, _, err := s.SetStatus(ctx, id, StatusInStorage, actor,
		WithLocation(locationID), WithCorrelation(correlationID))
	return smp, err
}

// Get returns a sample by id.
func (s *Service) Get(ctx context.Context, id string) (*Sample, error) {
	return s.store.GetByID(ctx, id)
}

// GetByBarcode returns a sample by barcode.
func (s *Service) GetByBarcode(ctx context.Context, barcode string) (*Sample, error) {
	return s.store.GetByBarcode(ctx, barcode)
}

// List returns samples, optionally filtered by status.
func (s *Service) List(ctx context.Context, status Status, limit int) ([]*Sample, error) {
	if status != "" && !ValidStatus(status) {
		return nil, apperr.Newf(apperr.KindValidation, "unknown status %q", status)
	}
	return s.store.List(ctx, status, limit)
}

// ValidationReport is the result of Validate.
type ValidationReport struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Validate checks the current row and reports errors and warnings without
// mutating anything.
func (s *Service) Validate(ctx context.Context, id string) (*ValidationReport, error) {
	smp, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &ValidationReport{}
	if strings.TrimSpace(smp.Name) == "" {
		report.Errors = append(report.Errors, "name is empty")
	}
	if !ValidType(smp.SampleType) {
		report.Errors = append(report.Errors, "sample type is not in the allowed set")
	}
	if !ValidBarcode(smp.Barcode) {
		report.Errors = append(report.Errors, "barcode does not match the required format")
	}
	if smp.TemplateID != nil && len(smp.Metadata) == 0 {
		report.Errors = append(report.Errors, "template-based sample has no metadata")
	}
	if StatusRequiresLocation(smp.Status) != (smp.LocationID != nil) {
		report.Errors = append(report.Errors, "location_id is inconsistent with status")
	}
	if smp.Volume == 0 {
		report.Warnings = append(report.Warnings, "volume is zero")
	}
	if smp.Concentration == 0 {
		report.Warnings = append(report.Warnings, "concentration is zero")
	}
	if smp.QualityScore > 0 && smp.QualityScore < 0.5 {
		report.Warnings = append(report.Warnings, "quality score below 0.5")
	}
	report.IsValid = len(report.Errors) == 0
	return report, nil
}

// --- internal ---

// eventBuffer defers event publication until the optimistic write succeeds,
// so a retried attempt never double-publishes.
type eventBuffer struct {
	fns []func()
}

func (b *eventBuffer) add(ctx context.Context, s *Service, eventType string, smp *Sample, actor, correlationID string, payload map[string]interface{}) {
	after := smp.snapshot()
	b.fns = append(b.fns, func() {
		if payload == nil {
			payload = map[string]interface{}{}
		}
		payload["after"] = after
		s.publish(ctx, eventType, smp.ID, actor, correlationID, payload)
	})
}

func (b *eventBuffer) flush() {
	for _, fn := range b.fns {
		fn()
	}
	b.fns = nil
}

// withConflictRetry loads the sample, applies fn, and saves under optimistic
// concurrency, retrying a bounded number of times on Conflict.
func (s *Service) withConflictRetry(ctx context.Context, id, actor string, fn func(*Sample, *eventBuffer) error) error {
	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		smp, err := s.store.GetByID(ctx, id)
		if err != nil {
			return err
		}
		expected := smp.UpdatedAt

		var buf eventBuffer
		if err := fn(smp, &buf); err != nil {
			return err
		}
		if len(buf.fns) == 0 {
			// Nothing changed; skip the write.
			return nil
		}

		smp.UpdatedAt = s.clock.Now()
		if !smp.UpdatedAt.After(expected) {
			// Frozen clock in tests; keep updated_at strictly monotonic.
			smp.UpdatedAt = expected.Add(1)
		}
		smp.UpdatedBy = actor

		err = s.store.Update(ctx, smp, expected)
		if err == nil {
			buf.flush()
			return nil
		}
		if !apperr.IsKind(err, apperr.KindConflict) {
			return err
		}
		s.logger.Printf("optimistic conflict on sample %s (attempt %d), retrying", id, attempt+1)
		lastErr = err
	}
	return lastErr
}

func (s *Service) publish(ctx context.Context, eventType, entityID, actor, correlationID string, payload map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.Event{
		Type:          eventType,
		Source:        "sample-service",
		EntityType:    "sample",
		EntityID:      entityID,
		Actor:         actor,
		CorrelationID: correlationID,
		Payload:       payload,
	})
}
