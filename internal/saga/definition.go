// Package saga implements multi-step workflows with compensation: forward
// steps run in order with per-step retry budgets, and on failure the
// completed steps are undone in reverse. Instances checkpoint to the store
// before and after every step so a crashed coordinator can resume.
package saga

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyApplied is returned by a step or compensation that detects its
// effect is already in place. The coordinator records the attempt as
// successful without retrying.
var ErrAlreadyApplied = errors.New("operation already applied")

// StepFunc performs a forward step. The returned map is stored on the step
// record; it is visible to later steps through Transaction.StepResult but is
// never merged into the instance's context data.
type StepFunc func(ctx context.Context, tx *Transaction) (map[string]interface{}, error)

// CompensationFunc undoes a completed step.
type CompensationFunc func(ctx context.Context, tx *Transaction) error

// Default budgets for steps and compensations.
const (
	DefaultStepTimeout   = 30 * time.Second
	DefaultStepRetries   = 3
	DefaultCompTimeout   = 15 * time.Second
	DefaultCompRetries   = 2
	defaultBackoffBase   = 100 * time.Millisecond
	defaultBackoffCap    = 30 * time.Second
	defaultBackoffFactor = 2.0
	defaultBackoffJitter = 0.25
)

// StepDef declares one forward step and its optional compensation.
type StepDef struct {
	Name    string
	Run     StepFunc
	Timeout time.Duration
	// MaxRetries counts retries after the first attempt. Zero means the
	// default budget; a negative value disables retries.
	MaxRetries int
	// Retryable overrides the default error classification (apperr
	// retryability) for this step.
	Retryable func(error) bool

	Compensate  CompensationFunc
	CompTimeout time.Duration
	CompRetries int
	// Mandatory marks a compensation whose failure (after retries) fails the
	// whole instance instead of being logged and skipped.
	Mandatory bool
}

func (s StepDef) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultStepTimeout
}

func (s StepDef) maxRetries() int {
	if s.MaxRetries > 0 {
		return s.MaxRetries
	}
	if s.MaxRetries < 0 {
		return 0
	}
	return DefaultStepRetries
}

func (s StepDef) compTimeout() time.Duration {
	if s.CompTimeout > 0 {
		return s.CompTimeout
	}
	return DefaultCompTimeout
}

func (s StepDef) compRetries() int {
	if s.CompRetries > 0 {
		return s.CompRetries
	}
	return DefaultCompRetries
}

// Definition is a named workflow.
type Definition struct {
	Name  string
	Steps []StepDef
}

// Validate rejects unusable definitions at registration time.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.New("saga definition needs a name")
	}
	if len(d.Steps) == 0 {
		return errors.New("saga definition needs at least one step")
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if step.Name == "" {
			return errors.New("saga step needs a name")
		}
		if step.Run == nil {
			return errors.New("saga step " + step.Name + " has no handler")
		}
		if seen[step.Name] {
			return errors.New("duplicate saga step name " + step.Name)
		}
		seen[step.Name] = true
	}
	return nil
}

// Transaction is the read view handed to step and compensation functions.
type Transaction struct {
	// ID is the saga transaction id; adapters propagate it downstream for
	// idempotency and tracing.
	ID string
	// Actor is who started the saga.
	Actor    string
	instance *Instance
}

// Context returns a value from the instance's immutable context data.
func (t *Transaction) Context(key string) (interface{}, bool) {
	v, ok := t.instance.ContextData[key]
	return v, ok
}

// ContextString returns a string context value ("" when absent).
func (t *Transaction) ContextString(key string) string {
	if v, ok := t.instance.ContextData[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// StepResult returns a value recorded by an earlier completed step.
func (t *Transaction) StepResult(stepName, key string) (interface{}, bool) {
	for _, rec := range t.instance.Steps {
		if rec.Name == stepName && rec.Status == StepCompleted {
			v, ok := rec.Result[key]
			return v, ok
		}
	}
	return nil, false
}

// StepResultString returns a string step result ("" when absent).
func (t *Transaction) StepResultString(stepName, key string) string {
	if v, ok := t.StepResult(stepName, key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
