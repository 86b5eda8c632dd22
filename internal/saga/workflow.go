package saga

import (
	"context"
	"errors"
	"time"

	"github.com/helixlabs/lims/internal/apperr"
)

// ProcessSampleWorkflow is the definition name for new-sample intake.
const ProcessSampleWorkflow = "process_new_sample"

// SampleAPI is the sample-service surface the intake workflow needs.
type SampleAPI interface {
	Create(ctx context.Context, txID string, payload map[string]interface{}) (sampleID string, err error)
	Validate(ctx context.Context, txID, sampleID string) (priorStatus string, err error)
	RevertStatus(ctx context.Context, txID, sampleID, priorStatus string) error
	MarkStored(ctx context.Context, txID, sampleID, locationID string) error
	Delete(ctx context.Context, txID, sampleID string) error
}

// StorageAPI is the storage-service surface the intake workflow needs.
// A non-empty pinLocation pins the placement; empty lets the engine choose.
type StorageAPI interface {
	Allocate(ctx context.Context, txID, sampleID, requiredZone, pinLocation string) (locationID string, err error)
	Release(ctx context.Context, txID, locationID, sampleID string) error
}

// NotificationAPI delivers the completion notice. Best effort: its failure
// still unwinds the saga, but its absence of a compensation means nothing is
// undone on later failures.
type NotificationAPI interface {
	SampleProcessed(ctx context.Context, txID, sampleID, locationID string) error
}

// WorkflowConfig tunes the per-step budgets of the shipped workflow. Zero
// values keep the package defaults.
type WorkflowConfig struct {
	StepTimeout time.Duration
	StepRetries int
}

// NewProcessSampleWorkflow builds the new-sample intake saga:
//
//	create_sample    -> delete on unwind (mandatory)
//	validate_sample  -> revert to prior status on unwind (mandatory)
//	allocate_storage -> release on unwind (best effort)
//	notify           -> no compensation
//
// Context data: "sample" (creation payload), "required_zone", and the
// optional "location_id" pin.
func NewProcessSampleWorkflow(samples SampleAPI, storage StorageAPI, notify NotificationAPI, cfg WorkflowConfig) *Definition {
	return &Definition{
		Name: ProcessSampleWorkflow,
		Steps: []StepDef{
			{
				Name:       "create_sample",
				Timeout:    cfg.StepTimeout,
				MaxRetries: cfg.StepRetries,
				Run: func(ctx context.Context, tx *Transaction) (map[string]interface{}, error) {
					payload, _ := tx.Context("sample")
					spec, ok := payload.(map[string]interface{})
					if !ok {
						return nil, apperr.New(apperr.KindValidation, "saga context is missing the sample payload")
					}
					id, err := samples.Create(ctx, tx.ID, spec)
					if err != nil && !errors.Is(err, ErrAlreadyApplied) {
						return nil, err
					}
					// Keep the id in the step record even when a retried
					// create finds the first attempt landed.
					return map[string]interface{}{"sample_id": id}, err
				},
				Compensate: func(ctx context.Context, tx *Transaction) error {
					id := tx.StepResultString("create_sample", "sample_id")
					if id == "" {
						return nil
					}
					return samples.Delete(ctx, tx.ID, id)
				},
				Mandatory: true,
			},
			{
				Name:       "validate_sample",
				Timeout:    cfg.StepTimeout,
				MaxRetries: cfg.StepRetries,
				Run: func(ctx context.Context, tx *Transaction) (map[string]interface{}, error) {
					id := tx.StepResultString("create_sample", "sample_id")
					prior, err := samples.Validate(ctx, tx.ID, id)
					if err != nil && !errors.Is(err, ErrAlreadyApplied) {
						return nil, err
					}
					return map[string]interface{}{"prior_status": prior}, err
				},
				Compensate: func(ctx context.Context, tx *Transaction) error {
					id := tx.StepResultString("create_sample", "sample_id")
					prior := tx.StepResultString("validate_sample", "prior_status")
					if id == "" || prior == "" {
						return nil
					}
					return samples.RevertStatus(ctx, tx.ID, id, prior)
				},
				Mandatory: true,
			},
			{
				Name:       "allocate_storage",
				Timeout:    cfg.StepTimeout,
				MaxRetries: cfg.StepRetries,
				Run: func(ctx context.Context, tx *Transaction) (map[string]interface{}, error) {
					id := tx.StepResultString("create_sample", "sample_id")
					zone := tx.ContextString("required_zone")
					pin := tx.ContextString("location_id")
					locID, err := storage.Allocate(ctx, tx.ID, id, zone, pin)
					if err != nil {
						return nil, err
					}
					if err := samples.MarkStored(ctx, tx.ID, id, locID); err != nil {
						// Undo the slot right away; the step either fully
						// applies or leaves nothing behind.
						_ = storage.Release(ctx, tx.ID, locID, id)
						return nil, err
					}
					return map[string]interface{}{"location_id": locID}, nil
				},
				Compensate: func(ctx context.Context, tx *Transaction) error {
					id := tx.StepResultString("create_sample", "sample_id")
					locID := tx.StepResultString("allocate_storage", "location_id")
					if locID == "" {
						return nil
					}
					return storage.Release(ctx, tx.ID, locID, id)
				},
			},
			{
				Name:       "notify",
				Timeout:    cfg.StepTimeout,
				MaxRetries: cfg.StepRetries,
				Run: func(ctx context.Context, tx *Transaction) (map[string]interface{}, error) {
					id := tx.StepResultString("create_sample", "sample_id")
					locID := tx.StepResultString("allocate_storage", "location_id")
					return nil, notify.SampleProcessed(ctx, tx.ID, id, locID)
				},
			},
		},
	}
}
