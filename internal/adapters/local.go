package adapters

import (
	"context"
	"encoding/json"
	"log"

	"github.com/helixlabs/lims/internal/apperr"
	"github.com/helixlabs/lims/internal/events"
	"github.com/helixlabs/lims/internal/sample"
	"github.com/helixlabs/lims/internal/saga"
	"github.com/helixlabs/lims/internal/storage"
)

// systemActor stamps writes made on behalf of a workflow rather than a user.
const systemActor = "saga-coordinator"

// LocalSampleAPI binds the saga to the in-process sample service.
type LocalSampleAPI struct {
	samples *sample.Service
}

func NewLocalSampleAPI(samples *sample.Service) *LocalSampleAPI {
	return &LocalSampleAPI{samples: samples}
}

func (a *LocalSampleAPI) Create(ctx context.Context, txID string, payload map[string]interface{}) (string, error) {
	var req sample.CreateRequest
	b, err := json.Marshal(payload)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, "decode sample payload", err)
	}
	if err := json.Unmarshal(b, &req); err != nil {
		return "", apperr.Wrap(apperr.KindValidation, "decode sample payload", err)
	}

	smp, err := a.samples.Create(ctx, req, systemActor, txID)
	if apperr.IsKind(err, apperr.KindDuplicateBarcode) && req.Barcode != "" {
		// The previous attempt applied; recover its id.
		if existing, lookupErr := a.samples.GetByBarcode(ctx, req.Barcode); lookupErr == nil {
			return existing.ID, saga.ErrAlreadyApplied
		}
	}
	if err != nil {
		return "", err
	}
	return smp.ID, nil
}

func (a *LocalSampleAPI) Validate(ctx context.Context, txID, sampleID string) (string, error) {
	_, prior, err := a.samples.SetStatus(ctx, sampleID, sample.StatusValidated, systemActor,
		sample.WithCorrelation(txID))
	if err == nil && prior == sample.StatusValidated {
		return string(prior), saga.ErrAlreadyApplied
	}
	if err != nil {
		return "", err
	}
	return string(prior), nil
}

func (a *LocalSampleAPI) RevertStatus(ctx context.Context, txID, sampleID, priorStatus string) error {
	err := a.samples.RevertStatus(ctx, sampleID, sample.Status(priorStatus), systemActor, txID)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return saga.ErrAlreadyApplied
	}
	return err
}

func (a *LocalSampleAPI) MarkStored(ctx context.Context, txID, sampleID, locationID string) error {
	_, err := a.samples.RecordLocation(ctx, sampleID, locationID, systemActor, txID)
	return err
}

func (a *LocalSampleAPI) Delete(ctx context.Context, txID, sampleID string) error {
	err := a.samples.Delete(ctx, sampleID, true, systemActor, "workflow rollback", txID)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return saga.ErrAlreadyApplied
	}
	return err
}

// LocalStorageAPI binds the saga to the in-process storage engine.
type LocalStorageAPI struct {
	storage *storage.Service
}

func NewLocalStorageAPI(svc *storage.Service) *LocalStorageAPI {
	return &LocalStorageAPI{storage: svc}
}

func (a *LocalStorageAPI) Allocate(ctx context.Context, txID, sampleID, requiredZone, pinLocation string) (string, error) {
	alloc, err := a.storage.Allocate(ctx, storage.AllocateRequest{
		SampleID:     sampleID,
		RequiredZone: storage.Zone(requiredZone),
		LocationID:   pinLocation,
	}, systemActor, txID)
	if err != nil {
		return "", err
	}
	return alloc.Container.LocationID, nil
}

func (a *LocalStorageAPI) Release(ctx context.Context, txID, locationID, sampleID string) error {
	return a.storage.Release(ctx, locationID, sampleID, systemActor, txID)
}

// LocalNotificationAPI publishes the completion notice on the event bus;
// subscribers (websocket stream, webhook bridge) take it from there.
type LocalNotificationAPI struct {
	bus    events.Emitter
	logger *log.Logger
}

func NewLocalNotificationAPI(bus events.Emitter) *LocalNotificationAPI {
	return &LocalNotificationAPI{
		bus:    bus,
		logger: log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}
}

func (a *LocalNotificationAPI) SampleProcessed(ctx context.Context, txID, sampleID, locationID string) error {
	if a.bus == nil {
		a.logger.Printf("sample %s processed (tx %s), no bus attached", sampleID, txID)
		return nil
	}
	a.bus.Publish(ctx, events.Event{
		Type:          events.TypeNotificationSent,
		Source:        "notification-service",
		EntityType:    "sample",
		EntityID:      sampleID,
		Actor:         systemActor,
		CorrelationID: txID,
		Payload: map[string]interface{}{
			"template":    "sample_processed",
			"location_id": locationID,
		},
	})
	return nil
}
