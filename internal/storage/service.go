package storage

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/helixlabs/lims/internal/apperr"
	"github.com/helixlabs/lims/internal/clock"
	"github.com/helixlabs/lims/internal/events"
	"github.com/helixlabs/lims/internal/idgen"
)

// Service is the storage engine facade. Every successful placement, move,
// and release lands on the bus; stored/moved/released events form the
// chain-of-custody trail in the audit log.
type Service struct {
	store      Store
	clock      clock.Clock
	ids        idgen.Generator
	bus        events.Emitter
	metrics    *Metrics
	thresholds Thresholds
	logger     *log.Logger
}

func NewService(store Store, clk clock.Clock, ids idgen.Generator, bus events.Emitter, metrics *Metrics, thresholds Thresholds) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if ids == nil {
		ids = idgen.UUIDGenerator{}
	}
	if metrics == nil {
		metrics = NewNopMetrics()
	}
	if thresholds.Warning <= 0 {
		thresholds.Warning = CapacityWarning
	}
	if thresholds.Critical <= 0 {
		thresholds.Critical = CapacityCritical
	}
	return &Service{
		store:      store,
		clock:      clk,
		ids:        ids,
		bus:        bus,
		metrics:    metrics,
		thresholds: thresholds,
		logger:     log.New(log.Writer(), "[STORAGE] ", log.LstdFlags),
	}
}

// Level classifies a location against the service's configured thresholds.
func (s *Service) Level(l *Location) string {
	return s.thresholds.Level(l)
}

// CreateLocationRequest is the create payload. Status defaults to active.
type CreateLocationRequest struct {
	Name     string         `json:"name"`
	Zone     Zone           `json:"zone"`
	Capacity int            `json:"capacity"`
	Status   LocationStatus `json:"status,omitempty"`
}

// CreateLocation registers a new storage location.
func (s *Service) CreateLocation(ctx context.Context, req CreateLocationRequest, actor string) (*Location, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, apperr.New(apperr.KindValidation, "location name is required")
	}
	if !ValidZone(req.Zone) {
		return nil, apperr.Newf(apperr.KindValidation, "unknown temperature zone %q", req.Zone)
	}
	if req.Capacity <= 0 {
		return nil, apperr.New(apperr.KindValidation, "capacity must be positive")
	}
	status := req.Status
	if status == "" {
		status = LocationActive
	}
	if !ValidLocationStatus(status) {
		return nil, apperr.Newf(apperr.KindValidation, "unknown location status %q", req.Status)
	}

	now := s.clock.Now()
	loc := &Location{
		ID:        s.ids.NewID(),
		Name:      req.Name,
		Zone:      req.Zone,
		Capacity:  req.Capacity,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateLocation(ctx, loc); err != nil {
		return nil, err
	}
	s.updateGauge(loc)
	s.publish(ctx, events.TypeLocationCreated, loc.ID, actor, "", map[string]interface{}{
		"name": loc.Name, "zone": string(loc.Zone), "capacity": loc.Capacity,
	})
	return loc, nil
}

// SetLocationStatus moves a location between active, maintenance, and
// decommissioned. Stored samples stay put; a non-active location only stops
// admitting new ones.
func (s *Service) SetLocationStatus(ctx context.Context, id string, status LocationStatus, actor string) (*Location, error) {
	if !ValidLocationStatus(status) {
		return nil, apperr.Newf(apperr.KindValidation, "unknown location status %q", status)
	}
	loc, err := s.store.SetLocationStatus(ctx, id, status, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.TypeLocationStatus, loc.ID, actor, "", map[string]interface{}{
		"name":   loc.Name,
		"status": string(loc.Status),
	})
	return loc, nil
}

// AllocateRequest asks for a slot for one sample.
type AllocateRequest struct {
	SampleID     string `json:"sample_id"`
	RequiredZone Zone   `json:"required_zone"`
	// LocationID pins the placement; empty lets the engine choose the
	// compatible location with the most headroom.
	LocationID string `json:"location_id,omitempty"`
	Position   string `json:"position,omitempty"`
}

// Allocation is the result of a successful (or already-applied) placement.
type Allocation struct {
	Container      *Container `json:"container"`
	Location       *Location  `json:"location"`
	AlreadyApplied bool       `json:"already_applied"`
}

// Allocate places a sample. Re-allocating an already stored sample returns
// the existing placement with AlreadyApplied set, so retried workflow steps
// stay idempotent.
func (s *Service) Allocate(ctx context.Context, req AllocateRequest, actor, correlationID string) (*Allocation, error) {
	if req.SampleID == "" {
		return nil, apperr.New(apperr.KindValidation, "sample_id is required")
	}
	if !ValidZone(req.RequiredZone) {
		return nil, apperr.Newf(apperr.KindValidation, "unknown temperature zone %q", req.RequiredZone)
	}

	if existing, err := s.store.FindBySample(ctx, req.SampleID); err == nil {
		loc, lerr := s.store.GetLocation(ctx, existing.LocationID)
		if lerr != nil {
			return nil, lerr
		}
		return &Allocation{Container: existing, Location: loc, AlreadyApplied: true}, nil
	} else if !apperr.IsKind(err, apperr.KindNotFound) {
		return nil, err
	}

	target, err := s.pickLocation(ctx, req)
	if err != nil {
		return nil, err
	}

	c := &Container{
		ID:           s.ids.NewID(),
		LocationID:   target.ID,
		SampleID:     req.SampleID,
		RequiredZone: req.RequiredZone,
		Position:     req.Position,
		StoredAt:     s.clock.Now(),
		StoredBy:     actor,
	}
	loc, err := s.store.Allocate(ctx, c)
	if err != nil {
		if apperr.IsKind(err, apperr.KindCapacityExceeded) {
			s.metrics.Rejections.WithLabelValues("capacity").Inc()
		}
		return nil, err
	}

	s.metrics.Allocations.Inc()
	s.updateGauge(loc)
	s.publish(ctx, events.TypeSampleStored, req.SampleID, actor, correlationID, map[string]interface{}{
		"location_id": loc.ID,
		"zone":        string(loc.Zone),
		"position":    c.Position,
	})
	s.checkThresholds(ctx, loc, actor)
	return &Allocation{Container: c, Location: loc}, nil
}

// pickLocation resolves the target for an allocation: the pinned location if
// compatible, otherwise the compatible location with the most free slots.
func (s *Service) pickLocation(ctx context.Context, req AllocateRequest) (*Location, error) {
	if req.LocationID != "" {
		loc, err := s.store.GetLocation(ctx, req.LocationID)
		if err != nil {
			return nil, err
		}
		if !loc.Accepting() {
			s.metrics.Rejections.WithLabelValues("status").Inc()
			return nil, apperr.Newf(apperr.KindBusinessRule,
				"location %s is %s and accepts no new samples", loc.ID, loc.Status)
		}
		if !ZoneCompatible(req.RequiredZone, loc.Zone) {
			s.metrics.Rejections.WithLabelValues("temperature").Inc()
			return nil, apperr.Newf(apperr.KindTemperatureViolation,
				"sample requires zone %s but location %s is zone %s", req.RequiredZone, loc.ID, loc.Zone)
		}
		if loc.Full() {
			s.metrics.Rejections.WithLabelValues("capacity").Inc()
			return nil, apperr.Newf(apperr.KindCapacityExceeded, "location %s is full (%d/%d)", loc.ID, loc.Used, loc.Capacity)
		}
		return loc, nil
	}

	locations, err := s.store.ListLocations(ctx)
	if err != nil {
		return nil, err
	}
	var candidates []*Location
	for _, loc := range locations {
		if loc.Accepting() && ZoneCompatible(req.RequiredZone, loc.Zone) && !loc.Full() {
			candidates = append(candidates, loc)
		}
	}
	if len(candidates) == 0 {
		s.metrics.Rejections.WithLabelValues("no_location").Inc()
		return nil, apperr.Newf(apperr.KindCapacityExceeded,
			"no compatible location with free capacity for zone %s", req.RequiredZone)
	}
	sort.Slice(candidates, func(i, j int) bool {
		fi := candidates[i].Capacity - candidates[i].Used
		fj := candidates[j].Capacity - candidates[j].Used
		if fi != fj {
			return fi > fj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], nil
}

// Release frees a sample's slot. Releasing a sample that is not stored is a
// no-op, so compensations can retry safely.
func (s *Service) Release(ctx context.Context, locationID, sampleID, actor, correlationID string) error {
	c, loc, err := s.store.Release(ctx, locationID, sampleID)
	if apperr.IsKind(err, apperr.KindNotFound) {
		s.logger.Printf("release of sample %s from %s: nothing stored, treating as applied", sampleID, locationID)
		return nil
	}
	if err != nil {
		return err
	}

	s.metrics.Releases.Inc()
	if loc != nil {
		s.updateGauge(loc)
	}
	s.publish(ctx, events.TypeSampleReleased, sampleID, actor, correlationID, map[string]interface{}{
		"location_id": c.LocationID,
		"position":    c.Position,
	})
	return nil
}

// Move relocates a stored sample, re-checking zone compatibility against the
// target. The released and claimed slots change atomically in the store.
func (s *Service) Move(ctx context.Context, sampleID, toLocationID, position, actor, correlationID string) (*Container, error) {
	current, err := s.store.FindBySample(ctx, sampleID)
	if err != nil {
		return nil, err
	}
	target, err := s.store.GetLocation(ctx, toLocationID)
	if err != nil {
		return nil, err
	}
	if !target.Accepting() {
		s.metrics.Rejections.WithLabelValues("status").Inc()
		return nil, apperr.Newf(apperr.KindBusinessRule,
			"location %s is %s and accepts no new samples", target.ID, target.Status)
	}
	if !ZoneCompatible(current.RequiredZone, target.Zone) {
		s.metrics.Rejections.WithLabelValues("temperature").Inc()
		return nil, apperr.Newf(apperr.KindTemperatureViolation,
			"sample requires zone %s but location %s is zone %s", current.RequiredZone, target.ID, target.Zone)
	}

	moved, fromID, err := s.store.Transfer(ctx, sampleID, toLocationID, position, actor, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if fromID == toLocationID {
		return moved, nil // idempotent re-move
	}

	s.metrics.Moves.Inc()
	s.refreshGauges(ctx, fromID, toLocationID)
	s.publish(ctx, events.TypeSampleMoved, sampleID, actor, correlationID, map[string]interface{}{
		"from_location_id": fromID,
		"to_location_id":   toLocationID,
		"position":         position,
	})
	if loc, err := s.store.GetLocation(ctx, toLocationID); err == nil {
		s.checkThresholds(ctx, loc, actor)
	}
	return moved, nil
}

// GetLocation returns one location.
func (s *Service) GetLocation(ctx context.Context, id string) (*Location, error) {
	return s.store.GetLocation(ctx, id)
}

// FindSample returns the placement of a stored sample.
func (s *Service) FindSample(ctx context.Context, sampleID string) (*Container, error) {
	return s.store.FindBySample(ctx, sampleID)
}

// Contents lists the containers in a location.
func (s *Service) Contents(ctx context.Context, locationID string) ([]*Container, error) {
	if _, err := s.store.GetLocation(ctx, locationID); err != nil {
		return nil, err
	}
	return s.store.ListContainers(ctx, locationID)
}

// Report summarizes capacity across all locations, worst first.
func (s *Service) Report(ctx context.Context) ([]*CapacityReport, error) {
	locations, err := s.store.ListLocations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*CapacityReport, 0, len(locations))
	for _, loc := range locations {
		out = append(out, &CapacityReport{
			LocationID:  loc.ID,
			Name:        loc.Name,
			Zone:        loc.Zone,
			Capacity:    loc.Capacity,
			Used:        loc.Used,
			Utilization: loc.Utilization(),
			Level:       s.thresholds.Level(loc),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Utilization != out[j].Utilization {
			return out[i].Utilization > out[j].Utilization
		}
		return out[i].LocationID < out[j].LocationID
	})
	return out, nil
}

// --- internal ---

func (s *Service) checkThresholds(ctx context.Context, loc *Location, actor string) {
	util := loc.Utilization()
	switch {
	case util >= s.thresholds.Critical:
		s.logger.Printf("location %s at critical capacity: %d/%d", loc.ID, loc.Used, loc.Capacity)
		s.publish(ctx, events.TypeCapacityCritical, loc.ID, actor, "", capacityPayload(loc))
	case util >= s.thresholds.Warning:
		s.publish(ctx, events.TypeCapacityWarning, loc.ID, actor, "", capacityPayload(loc))
	}
}

func capacityPayload(loc *Location) map[string]interface{} {
	return map[string]interface{}{
		"name":        loc.Name,
		"zone":        string(loc.Zone),
		"used":        loc.Used,
		"capacity":    loc.Capacity,
		"utilization": fmt.Sprintf("%.2f", loc.Utilization()),
	}
}

func (s *Service) updateGauge(loc *Location) {
	s.metrics.Utilization.WithLabelValues(loc.ID, string(loc.Zone)).Set(loc.Utilization())
}

func (s *Service) refreshGauges(ctx context.Context, ids ...string) {
	for _, id := range ids {
		if loc, err := s.store.GetLocation(ctx, id); err == nil {
			s.updateGauge(loc)
		}
	}
}

func (s *Service) publish(ctx context.Context, eventType, entityID, actor, correlationID string, payload map[string]interface{}) {
	if s.bus == nil {
		return
	}
	entityType := "sample"
	if strings.HasPrefix(eventType, "storage.") {
		entityType = "location"
	}
	s.bus.Publish(ctx, events.Event{
		Type:          eventType,
		Source:        "storage-service",
		EntityType:    entityType,
		EntityID:      entityID,
		Actor:         actor,
		CorrelationID: correlationID,
		Payload:       payload,
	})
}
