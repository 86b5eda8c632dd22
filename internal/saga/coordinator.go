package saga

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/helixlabs/lims/internal/apperr"
	"github.com/helixlabs/lims/internal/clock"
	"github.com/helixlabs/lims/internal/events"
	"github.com/helixlabs/lims/internal/idgen"
)

// Config tunes a Coordinator. Zero values get sensible defaults.
type Config struct {
	Clock   clock.Clock
	IDs     idgen.Generator
	Bus     events.Emitter
	Metrics *Metrics
	// Sleep waits between retry attempts; tests inject an instant version.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Coordinator runs saga instances: forward steps in order, compensations in
// reverse on failure. Every state change is persisted before the next step
// runs, so Recover can resume after a crash.
type Coordinator struct {
	store   Store
	clock   clock.Clock
	ids     idgen.Generator
	bus     events.Emitter
	metrics *Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *log.Logger

	mu          sync.Mutex
	definitions map[string]*Definition
	canceled    map[string]bool
	closed      bool

	wg sync.WaitGroup
}

func NewCoordinator(store Store, cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.IDs == nil {
		cfg.IDs = idgen.UUIDGenerator{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewNopMetrics()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Coordinator{
		store:       store,
		clock:       cfg.Clock,
		ids:         cfg.IDs,
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		sleep:       cfg.Sleep,
		logger:      log.New(log.Writer(), "[SAGA] ", log.LstdFlags),
		definitions: make(map[string]*Definition),
		canceled:    make(map[string]bool),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Register adds a workflow definition. Registering the same name twice is an
// error.
func (c *Coordinator) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid saga definition", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.definitions[def.Name]; exists {
		return apperr.Newf(apperr.KindConflict, "saga definition %s already registered", def.Name)
	}
	c.definitions[def.Name] = def
	return nil
}

// Definitions lists registered workflow names.
func (c *Coordinator) Definitions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.definitions))
	for name := range c.definitions {
		out = append(out, name)
	}
	return out
}

// Begin creates a persisted instance in Created without running it.
func (c *Coordinator) Begin(ctx context.Context, definition string, contextData map[string]interface{}, actor string) (*Instance, error) {
	def, err := c.definition(definition)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	in := &Instance{
		ID:          c.ids.NewTransactionID(),
		Definition:  def.Name,
		State:       StateCreated,
		Actor:       actor,
		ContextData: contextData,
		Steps:       make([]*StepRecord, len(def.Steps)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i, step := range def.Steps {
		in.Steps[i] = &StepRecord{Name: step.Name, Status: StepPending}
	}
	if err := c.store.Create(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

// Run executes an instance synchronously and returns its terminal form.
func (c *Coordinator) Run(ctx context.Context, definition string, contextData map[string]interface{}, actor string) (*Instance, error) {
	in, err := c.Begin(ctx, definition, contextData, actor)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, in)
}

// Start executes an instance in the background and returns it immediately in
// Created. Callers poll Get for progress.
func (c *Coordinator) Start(ctx context.Context, definition string, contextData map[string]interface{}, actor string) (*Instance, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperr.New(apperr.KindInternal, "coordinator is shut down")
	}
	c.mu.Unlock()

	in, err := c.Begin(ctx, definition, contextData, actor)
	if err != nil {
		return nil, err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		// Detach from the request context; the saga outlives the HTTP call.
		if _, err := c.execute(context.WithoutCancel(ctx), in); err != nil {
			c.logger.Printf("saga %s (%s) finished with error: %v", in.ID, in.Definition, err)
		}
	}()
	return in, nil
}

// Get returns an instance by id.
func (c *Coordinator) Get(ctx context.Context, id string) (*Instance, error) {
	return c.store.Get(ctx, id)
}

// Cancel requests cancellation. The in-flight step is allowed to finish;
// compensation then unwinds whatever completed. Terminal instances reject.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	in, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if in.State.Terminal() {
		return apperr.Newf(apperr.KindInvalidTransition, "saga %s is already %s", id, in.State)
	}
	c.mu.Lock()
	c.canceled[id] = true
	c.mu.Unlock()
	c.logger.Printf("saga %s: cancellation requested", id)
	return nil
}

// Recover resumes instances left in Running or Compensating by a previous
// process. Running instances continue forward from their checkpoint (a step
// that was mid-flight re-runs and relies on idempotent apply detection);
// Compensating instances resume their unwind. Returns the number resumed.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	stuck, err := c.store.ListInStates(ctx, StateRunning, StateCompensating)
	if err != nil {
		return 0, err
	}
	for _, in := range stuck {
		def, err := c.definition(in.Definition)
		if err != nil {
			c.logger.Printf("saga %s: cannot recover, definition %s not registered", in.ID, in.Definition)
			continue
		}
		in := in
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.logger.Printf("saga %s (%s): resuming in state %s at step %d", in.ID, in.Definition, in.State, in.CurrentStep)
			if in.State == StateCompensating {
				c.compensate(context.WithoutCancel(ctx), in, def, in.Error)
				return
			}
			if _, err := c.resume(context.WithoutCancel(ctx), in, def); err != nil {
				c.logger.Printf("saga %s: recovery finished with error: %v", in.ID, err)
			}
		}()
	}
	return len(stuck), nil
}

// Shutdown waits for in-flight sagas to reach a checkpoint, bounded by ctx.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- execution ---

func (c *Coordinator) definition(name string) (*Definition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.definitions[name]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "saga definition %s not registered", name)
	}
	return def, nil
}

func (c *Coordinator) execute(ctx context.Context, in *Instance) (*Instance, error) {
	def, err := c.definition(in.Definition)
	if err != nil {
		return nil, err
	}
	if err := c.setState(ctx, in, StateRunning); err != nil {
		return nil, err
	}
	c.metrics.Started.WithLabelValues(in.Definition).Inc()
	c.emit(ctx, events.TypeSagaStarted, in, map[string]interface{}{
		"definition": in.Definition,
		"steps":      len(in.Steps),
	})
	return c.resume(ctx, in, def)
}

func (c *Coordinator) resume(ctx context.Context, in *Instance, def *Definition) (*Instance, error) {
	tx := &Transaction{ID: in.ID, Actor: in.Actor, instance: in}

	for i := in.CurrentStep; i < len(def.Steps); i++ {
		if c.cancelRequested(in.ID) {
			c.logger.Printf("saga %s: canceled before step %s", in.ID, def.Steps[i].Name)
			in.Error = "canceled"
			c.compensate(ctx, in, def, "canceled")
			return c.store.Get(ctx, in.ID)
		}

		step := def.Steps[i]
		rec := in.Steps[i]
		if rec.Status == StepCompleted {
			in.CurrentStep = i + 1
			continue
		}

		// Checkpoint before running: a crash here leaves Executing, and
		// recovery re-runs the step.
		started := c.clock.Now()
		rec.Status = StepExecuting
		rec.StartedAt = &started
		if err := c.save(ctx, in); err != nil {
			return nil, err
		}

		result, attempts, err := c.runStep(ctx, step, tx)
		finished := c.clock.Now()
		rec.Attempts += attempts
		rec.FinishedAt = &finished

		if err != nil {
			err = wrapStepError(err)
			rec.Status = StepFailed
			rec.Error = err.Error()
			in.Error = fmt.Sprintf("step %s: %v", step.Name, err)
			if serr := c.save(ctx, in); serr != nil {
				return nil, serr
			}
			c.emit(ctx, events.TypeSagaStepFailed, in, map[string]interface{}{
				"step": step.Name, "attempts": rec.Attempts, "error": err.Error(),
			})
			c.compensate(ctx, in, def, in.Error)
			return c.store.Get(ctx, in.ID)
		}

		rec.Status = StepCompleted
		rec.Result = result
		in.CurrentStep = i + 1
		if err := c.save(ctx, in); err != nil {
			return nil, err
		}
		c.emit(ctx, events.TypeSagaStepCompleted, in, map[string]interface{}{
			"step": step.Name, "attempts": rec.Attempts,
		})
	}

	if c.cancelRequested(in.ID) && in.CurrentStep >= len(def.Steps) {
		// Cancellation raced completion of the last step: the saga is done.
		c.clearCancel(in.ID)
	}

	now := c.clock.Now()
	in.FinishedAt = &now
	if err := c.setState(ctx, in, StateCompleted); err != nil {
		return nil, err
	}
	c.finish(ctx, in, events.TypeSagaCompleted, nil)
	return in, nil
}

// wrapStepError reports a failed downstream call as ServiceCommunicationFailed
// on the instance record, keeping the original kind in the details. Context
// errors pass through untouched; they mean the saga itself was canceled or
// timed out, not that a service misbehaved.
func wrapStepError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	kind := apperr.KindOf(err)
	if kind == apperr.KindServiceCommunication {
		return err
	}
	return apperr.Wrap(apperr.KindServiceCommunication, "downstream call failed", err).
		WithDetail("original_kind", string(kind))
}

// runStep executes one forward step with its retry budget. Returns the
// result, the number of attempts consumed, and the terminal error if any.
func (c *Coordinator) runStep(ctx context.Context, step StepDef, tx *Transaction) (map[string]interface{}, int, error) {
	retryable := step.Retryable
	if retryable == nil {
		retryable = apperr.Retryable
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= step.maxRetries(); attempt++ {
		if attempt > 0 {
			c.metrics.StepRetries.Inc()
			if err := c.sleep(ctx, backoffDelay(attempt-1)); err != nil {
				return nil, attempts, err
			}
		}
		attempts++

		stepCtx, cancel := context.WithTimeout(ctx, step.timeout())
		result, err := step.Run(stepCtx, tx)
		cancel()

		if err == nil {
			return result, attempts, nil
		}
		if errors.Is(err, ErrAlreadyApplied) {
			c.logger.Printf("saga %s: step %s already applied", tx.ID, step.Name)
			return result, attempts, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, attempts, ctx.Err()
		}
		if !retryable(err) {
			return nil, attempts, err
		}
		c.logger.Printf("saga %s: step %s attempt %d failed: %v", tx.ID, step.Name, attempts, err)
	}
	return nil, attempts, lastErr
}

// compensate unwinds completed steps in reverse. A mandatory compensation
// that exhausts its retries fails the instance and flags it for manual
// intervention; best-effort ones are logged and skipped.
func (c *Coordinator) compensate(ctx context.Context, in *Instance, def *Definition, cause string) {
	defer c.clearCancel(in.ID)

	if in.State != StateCompensating {
		if err := c.setState(ctx, in, StateCompensating); err != nil {
			c.logger.Printf("saga %s: cannot enter compensation: %v", in.ID, err)
			return
		}
		c.emit(ctx, events.TypeSagaCompensating, in, map[string]interface{}{"cause": cause})
	}

	tx := &Transaction{ID: in.ID, Actor: in.Actor, instance: in}
	completed := in.completedSteps()
	for i := len(completed) - 1; i >= 0; i-- {
		idx := completed[i]
		step := def.Steps[idx]
		if c.compensationDone(in, step.Name) {
			continue
		}

		rec := c.compensationRecord(in, step.Name, step.Mandatory)
		if step.Compensate == nil {
			rec.Status = CompensationSkipped
			_ = c.save(ctx, in)
			continue
		}

		started := c.clock.Now()
		rec.Status = CompensationExecuting
		rec.StartedAt = &started
		if err := c.save(ctx, in); err != nil {
			c.logger.Printf("saga %s: checkpoint failed during compensation: %v", in.ID, err)
			return
		}

		err := c.runCompensation(ctx, step, tx, rec)
		finished := c.clock.Now()
		rec.FinishedAt = &finished
		c.metrics.Compensations.Inc()

		if err == nil {
			rec.Status = CompensationCompleted
			_ = c.save(ctx, in)
			continue
		}

		rec.Error = err.Error()
		if step.Mandatory {
			rec.Status = CompensationFailed
			in.Error = fmt.Sprintf("%s; mandatory compensation %s failed: %v", cause, step.Name, err)
			now := c.clock.Now()
			in.FinishedAt = &now
			if serr := c.setState(ctx, in, StateFailed); serr != nil {
				c.logger.Printf("saga %s: %v", in.ID, serr)
			}
			c.finish(ctx, in, events.TypeSagaFailed, map[string]interface{}{
				"cause":               in.Error,
				"manual_intervention": true,
				"step":                step.Name,
			})
			c.logger.Printf("saga %s: FAILED, mandatory compensation %s did not apply: %v", in.ID, step.Name, err)
			return
		}

		rec.Status = CompensationSkipped
		c.metrics.CompensationSkip.Inc()
		_ = c.save(ctx, in)
		c.logger.Printf("saga %s: best-effort compensation %s skipped: %v", in.ID, step.Name, err)
	}

	now := c.clock.Now()
	in.FinishedAt = &now
	if err := c.setState(ctx, in, StateCompensated); err != nil {
		c.logger.Printf("saga %s: %v", in.ID, err)
		return
	}
	c.finish(ctx, in, events.TypeSagaCompensated, map[string]interface{}{"cause": cause})
}

func (c *Coordinator) runCompensation(ctx context.Context, step StepDef, tx *Transaction, rec *CompensationRecord) error {
	var lastErr error
	for attempt := 0; attempt <= step.compRetries(); attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, backoffDelay(attempt-1)); err != nil {
				return err
			}
		}
		rec.Attempts++

		compCtx, cancel := context.WithTimeout(ctx, step.compTimeout())
		err := step.Compensate(compCtx, tx)
		cancel()

		if err == nil || errors.Is(err, ErrAlreadyApplied) {
			return nil
		}
		lastErr = err
		c.logger.Printf("saga %s: compensation %s attempt %d failed: %v", tx.ID, step.Name, rec.Attempts, err)
	}
	return lastErr
}

// --- bookkeeping ---

func (c *Coordinator) setState(ctx context.Context, in *Instance, next State) error {
	if !CanTransition(in.State, next) {
		return apperr.Newf(apperr.KindInvalidTransition, "saga state %s -> %s is illegal", in.State, next)
	}
	in.State = next
	return c.save(ctx, in)
}

func (c *Coordinator) save(ctx context.Context, in *Instance) error {
	in.UpdatedAt = c.clock.Now()
	return c.store.Save(ctx, in)
}

func (c *Coordinator) finish(ctx context.Context, in *Instance, eventType string, payload map[string]interface{}) {
	c.metrics.Finished.WithLabelValues(in.Definition, string(in.State)).Inc()
	if in.FinishedAt != nil {
		c.metrics.Duration.WithLabelValues(in.Definition).Observe(in.FinishedAt.Sub(in.CreatedAt).Seconds())
	}
	c.emit(ctx, eventType, in, payload)
}

func (c *Coordinator) cancelRequested(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled[id]
}

func (c *Coordinator) clearCancel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.canceled, id)
}

func (c *Coordinator) emit(ctx context.Context, eventType string, in *Instance, payload map[string]interface{}) {
	if c.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["definition"] = in.Definition
	payload["state"] = string(in.State)
	c.bus.Publish(ctx, events.Event{
		Type:          eventType,
		Source:        "saga-coordinator",
		EntityType:    "saga",
		EntityID:      in.ID,
		Actor:         in.Actor,
		CorrelationID: in.ID,
		Payload:       payload,
	})
}

func (c *Coordinator) compensationDone(in *Instance, stepName string) bool {
	for _, rec := range in.Compensations {
		if rec.StepName == stepName &&
			(rec.Status == CompensationCompleted || rec.Status == CompensationSkipped) {
			return true
		}
	}
	return false
}

func (c *Coordinator) compensationRecord(in *Instance, stepName string, mandatory bool) *CompensationRecord {
	for _, rec := range in.Compensations {
		if rec.StepName == stepName {
			return rec
		}
	}
	rec := &CompensationRecord{StepName: stepName, Status: CompensationPending, Mandatory: mandatory}
	in.Compensations = append(in.Compensations, rec)
	return rec
}
