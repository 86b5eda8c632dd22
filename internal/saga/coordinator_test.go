package saga

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixlabs/lims/internal/apperr"
	"github.com/helixlabs/lims/internal/clock"
	"github.com/helixlabs/lims/internal/events"
)

func instantSleep(context.Context, time.Duration) error { return nil }

func newTestCoordinator(t *testing.T) (*Coordinator, *MemoryStore, *events.Bus) {
	t.Helper()
	clk := clock.NewMock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	bus := events.NewBus(events.Options{Clock: clk})
	store := NewMemoryStore()
	coord := NewCoordinator(store, Config{Clock: clk, Bus: bus, Sleep: instantSleep})
	return coord, store, bus
}

// script records step/compensation invocations in order.
type script struct {
	calls []string
}

func (s *script) step(name string, results map[string]interface{}, errs ...error) StepDef {
	attempt := 0
	return StepDef{
		Name: name,
		Run: func(context.Context, *Transaction) (map[string]interface{}, error) {
			s.calls = append(s.calls, name)
			if attempt < len(errs) && errs[attempt] != nil {
				err := errs[attempt]
				attempt++
				return nil, err
			}
			attempt++
			return results, nil
		},
	}
}

func withComp(def StepDef, mandatory bool, errs ...error) StepDef {
	attempt := 0
	def.Mandatory = mandatory
	def.Compensate = func(context.Context, *Transaction) error {
		if attempt < len(errs) && errs[attempt] != nil {
			err := errs[attempt]
			attempt++
			return err
		}
		attempt++
		return nil
	}
	return def
}

func eventTypes(bus *events.Bus) []string {
	var out []string
	for _, env := range bus.History(0) {
		out = append(out, env.Type)
	}
	return out
}

func TestHappyPath(t *testing.T) {
	coord, _, bus := newTestCoordinator(t)
	sc := &script{}

	def := &Definition{Name: "wf", Steps: []StepDef{
		sc.step("one", map[string]interface{}{"key": "v1"}),
		sc.step("two", nil),
		sc.step("three", nil),
	}}
	require.NoError(t, coord.Register(def))

	in, err := coord.Run(context.Background(), "wf", map[string]interface{}{"input": "x"}, "tech-1")
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, in.State)
	assert.Equal(t, []string{"one", "two", "three"}, sc.calls)
	require.NotNil(t, in.FinishedAt)
	for _, rec := range in.Steps {
		assert.Equal(t, StepCompleted, rec.Status)
		assert.Equal(t, 1, rec.Attempts)
	}
	assert.Equal(t, "v1", in.Steps[0].Result["key"])
	assert.Empty(t, in.Compensations)

	types := eventTypes(bus)
	assert.Contains(t, types, events.TypeSagaStarted)
	assert.Contains(t, types, events.TypeSagaCompleted)
	assert.NotContains(t, types, events.TypeSagaCompensating)
}

func TestFailureCompensatesInReverse(t *testing.T) {
	coord, _, bus := newTestCoordinator(t)
	sc := &script{}
	var compOrder []string
	comp := func(name string) CompensationFunc {
		return func(context.Context, *Transaction) error {
			compOrder = append(compOrder, name)
			return nil
		}
	}

	boom := apperr.New(apperr.KindBusinessRule, "no capacity")
	def := &Definition{Name: "wf", Steps: []StepDef{
		{Name: "one", Run: sc.step("one", nil).Run, Compensate: comp("one"), Mandatory: true},
		{Name: "two", Run: sc.step("two", nil).Run, Compensate: comp("two"), Mandatory: true},
		sc.step("three", nil, boom),
	}}
	require.NoError(t, coord.Register(def))

	in, err := coord.Run(context.Background(), "wf", nil, "tech-1")
	require.NoError(t, err)

	assert.Equal(t, StateCompensated, in.State)
	assert.Equal(t, []string{"two", "one"}, compOrder, "reverse order")
	assert.Equal(t, StepFailed, in.Steps[2].Status)
	assert.Contains(t, in.Error, "no capacity")

	require.Len(t, in.Compensations, 2)
	assert.Equal(t, "two", in.Compensations[0].StepName)
	assert.Equal(t, CompensationCompleted, in.Compensations[0].Status)
	assert.Equal(t, "one", in.Compensations[1].StepName)

	types := eventTypes(bus)
	assert.Contains(t, types, events.TypeSagaStepFailed)
	assert.Contains(t, types, events.TypeSagaCompensating)
	assert.Contains(t, types, events.TypeSagaCompensated)
}

func TestRetryableStepEventuallySucceeds(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	sc := &script{}

	flaky := apperr.New(apperr.KindServiceCommunication, "connection refused")
	def := &Definition{Name: "wf", Steps: []StepDef{
		sc.step("one", nil, flaky, flaky), // fails twice, then succeeds
	}}
	require.NoError(t, coord.Register(def))

	in, err := coord.Run(context.Background(), "wf", nil, "tech-1")
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, in.State)
	assert.Equal(t, 3, in.Steps[0].Attempts)
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	sc := &script{}

	terminal := apperr.New(apperr.KindValidation, "bad input")
	def := &Definition{Name: "wf", Steps: []StepDef{
		sc.step("one", nil, terminal, nil),
	}}
	require.NoError(t, coord.Register(def))

	in, err := coord.Run(context.Background(), "wf", nil, "tech-1")
	require.NoError(t, err)

	assert.Equal(t, StateCompensated, in.State)
	assert.Equal(t, 1, in.Steps[0].Attempts, "validation errors are not retried")
}

func TestStepFailureWrapsDownstreamKind(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	sc := &script{}

	terminal := apperr.New(apperr.KindCapacityExceeded, "no capacity")
	def := &Definition{Name: "wf", Steps: []StepDef{
		sc.step("one", nil, terminal),
	}}
	require.NoError(t, coord.Register(def))

	in, err := coord.Run(context.Background(), "wf", nil, "tech-1")
	require.NoError(t, err)

	assert.Equal(t, StateCompensated, in.State)
	assert.Contains(t, in.Error, string(apperr.KindServiceCommunication))
	assert.Contains(t, in.Error, "no capacity")

	wrapped := wrapStepError(terminal)
	assert.Equal(t, apperr.KindServiceCommunication, apperr.KindOf(wrapped))
	var ae *apperr.Error
	require.ErrorAs(t, wrapped, &ae)
	assert.Equal(t, string(apperr.KindCapacityExceeded), ae.Details["original_kind"])

	assert.Same(t, wrapped, wrapStepError(wrapped), "communication failures are not double-wrapped")
	assert.NoError(t, wrapStepError(nil))
}

func TestRetryBudgetExhausted(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	sc := &script{}

	flaky := apperr.New(apperr.KindTimeout, "deadline exceeded")
	def := &Definition{Name: "wf", Steps: []StepDef{
		{
			Name:       "one",
			Run:        sc.step("one", nil, flaky, flaky, flaky, flaky, flaky).Run,
			MaxRetries: 2,
		},
	}}
	require.NoError(t, coord.Register(def))

	in, err := coord.Run(context.Background(), "wf", nil, "tech-1")
	require.NoError(t, err)

	assert.Equal(t, StateCompensated, in.State)
	assert.Equal(t, 3, in.Steps[0].Attempts, "initial attempt plus two retries")
}

func TestRetryBudgetDefaultsAndOptOut(t *testing.T) {
	assert.Equal(t, DefaultStepRetries, StepDef{}.maxRetries(), "unset budget gets the default")
	assert.Equal(t, 5, StepDef{MaxRetries: 5}.maxRetries())
	assert.Equal(t, 0, StepDef{MaxRetries: -1}.maxRetries())

	coord, _, _ := newTestCoordinator(t)
	sc := &script{}

	flaky := apperr.New(apperr.KindServiceCommunication, "connection refused")
	def := &Definition{Name: "wf", Steps: []StepDef{
		{
			Name:       "one",
			Run:        sc.step("one", nil, flaky).Run,
			MaxRetries: -1,
		},
	}}
	require.NoError(t, coord.Register(def))

	in, err := coord.Run(context.Background(), "wf", nil, "tech-1")
	require.NoError(t, err)

	assert.Equal(t, StateCompensated, in.State)
	assert.Equal(t, 1, in.Steps[0].Attempts, "a negative budget disables retries")
}

func TestAlreadyAppliedCountsAsSuccess(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	def := &Definition{Name: "wf", Steps: []StepDef{
		{
			Name: "one",
			Run: func(context.Context, *Transaction) (map[string]interface{}, error) {
				return nil, ErrAlreadyApplied
			},
		},
	}}
	require.NoError(t, coord.Register(def))

	in, err := coord.Run(context.Background(), "wf", nil, "tech-1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, in.State)
	assert.Equal(t, StepCompleted, in.Steps[0].Status)
}

func TestMandatoryCompensationFailureFailsSaga(t *testing.T) {
	coord, _, bus := newTestCoordinator(t)
	sc := &script{}

	compErr := apperr.New(apperr.KindServiceCommunication, "service down")
	boom := apperr.New(apperr.KindBusinessRule, "step two broke")
	def := &Definition{Name: "wf", Steps: []StepDef{
		withComp(sc.step("one", nil), true, compErr, compErr, compErr, compErr),
		sc.step("two", nil, boom),
	}}
	require.NoError(t, coord.Register(def))

	in, err := coord.Run(context.Background(), "wf", nil, "tech-1")
	require.NoError(t, err)

	assert.Equal(t, StateFailed, in.State)
	assert.Contains(t, in.Error, "mandatory compensation one failed")
	require.Len(t, in.Compensations, 1)
	assert.Equal(t, CompensationFailed, in.Compensations[0].Status)
	assert.Equal(t, 3, in.Compensations[0].Attempts, "initial attempt plus default two retries")

	var failed *events.Envelope
	for _, env := range bus.History(0) {
		if env.Type == events.TypeSagaFailed {
			failed = env
		}
	}
	require.NotNil(t, failed, "a failed saga raises an operator alert")
	assert.Equal(t, true, failed.Payload["manual_intervention"])
}

func TestBestEffortCompensationSkips(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	sc := &script{}
	var secondCompRan bool

	compErr := apperr.New(apperr.KindServiceCommunication, "service down")
	boom := apperr.New(apperr.KindBusinessRule, "step three broke")
	def := &Definition{Name: "wf", Steps: []StepDef{
		{
			Name: "one",
			Run:  sc.step("one", nil).Run,
			Compensate: func(context.Context, *Transaction) error {
				secondCompRan = true
				return nil
			},
			Mandatory: true,
		},
		withComp(sc.step("two", nil), false, compErr, compErr, compErr),
		sc.step("three", nil, boom),
	}}
	require.NoError(t, coord.Register(def))

	in, err := coord.Run(context.Background(), "wf", nil, "tech-1")
	require.NoError(t, err)

	// The best-effort failure is skipped and the unwind keeps going.
	assert.Equal(t, StateCompensated, in.State)
	assert.True(t, secondCompRan)
	require.Len(t, in.Compensations, 2)
	assert.Equal(t, CompensationSkipped, in.Compensations[0].Status)
	assert.Equal(t, CompensationCompleted, in.Compensations[1].Status)
}

func TestCancelAfterInFlightStep(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	var compOrder []string
	comp := func(name string) CompensationFunc {
		return func(context.Context, *Transaction) error {
			compOrder = append(compOrder, name)
			return nil
		}
	}

	def := &Definition{Name: "wf", Steps: []StepDef{
		{
			Name: "one",
			Run: func(context.Context, *Transaction) (map[string]interface{}, error) {
				return nil, nil
			},
			Compensate: comp("one"), Mandatory: true,
		},
		{
			Name: "two",
			Run: func(_ context.Context, tx *Transaction) (map[string]interface{}, error) {
				// Cancellation arrives while this step is in flight; the
				// step still finishes.
				require.NoError(t, coord.Cancel(context.Background(), tx.ID))
				return nil, nil
			},
			Compensate: comp("two"), Mandatory: true,
		},
		{
			Name: "three",
			Run: func(context.Context, *Transaction) (map[string]interface{}, error) {
				t.Fatal("step three must not run after cancellation")
				return nil, nil
			},
		},
	}}
	require.NoError(t, coord.Register(def))

	in, err := coord.Run(context.Background(), "wf", nil, "tech-1")
	require.NoError(t, err)

	assert.Equal(t, StateCompensated, in.State)
	assert.Equal(t, StepCompleted, in.Steps[1].Status, "in-flight step finished first")
	assert.Equal(t, StepPending, in.Steps[2].Status)
	assert.Equal(t, []string{"two", "one"}, compOrder)
}

func TestCancelTerminalSagaRejected(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	sc := &script{}
	def := &Definition{Name: "wf", Steps: []StepDef{sc.step("one", nil)}}
	require.NoError(t, coord.Register(def))

	in, err := coord.Run(context.Background(), "wf", nil, "tech-1")
	require.NoError(t, err)

	err = coord.Cancel(context.Background(), in.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidTransition))
}

func TestRecoverResumesFromCheckpoint(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	sc := &script{}
	def := &Definition{Name: "wf", Steps: []StepDef{
		sc.step("one", nil),
		sc.step("two", nil),
		sc.step("three", nil),
	}}
	require.NoError(t, coord.Register(def))

	// Simulate a crash after step one: Running, checkpoint at step 1, step
	// two was mid-flight.
	in, err := coord.Begin(context.Background(), "wf", nil, "tech-1")
	require.NoError(t, err)
	in.State = StateRunning
	in.CurrentStep = 1
	in.Steps[0].Status = StepCompleted
	in.Steps[0].Attempts = 1
	in.Steps[1].Status = StepExecuting
	require.NoError(t, store.Save(context.Background(), in))

	n, err := coord.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, coord.Shutdown(ctx))

	got, err := store.Get(context.Background(), in.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	// Step one was not re-run; two and three each ran once.
	assert.Equal(t, []string{"two", "three"}, sc.calls)
}

func TestRecoverResumesCompensation(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	var compOrder []string
	comp := func(name string) CompensationFunc {
		return func(context.Context, *Transaction) error {
			compOrder = append(compOrder, name)
			return nil
		}
	}
	def := &Definition{Name: "wf", Steps: []StepDef{
		{Name: "one", Run: func(context.Context, *Transaction) (map[string]interface{}, error) { return nil, nil },
			Compensate: comp("one"), Mandatory: true},
		{Name: "two", Run: func(context.Context, *Transaction) (map[string]interface{}, error) { return nil, nil },
			Compensate: comp("two"), Mandatory: true},
	}}
	require.NoError(t, coord.Register(def))

	// Crash mid-unwind: two's compensation already completed, one's pending.
	in, err := coord.Begin(context.Background(), "wf", nil, "tech-1")
	require.NoError(t, err)
	in.State = StateCompensating
	in.Error = "step two: boom"
	in.Steps[0].Status = StepCompleted
	in.Steps[1].Status = StepCompleted
	in.Compensations = []*CompensationRecord{
		{StepName: "two", Status: CompensationCompleted, Mandatory: true, Attempts: 1},
	}
	require.NoError(t, store.Save(context.Background(), in))

	_, err = coord.Recover(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, coord.Shutdown(ctx))

	got, err := store.Get(context.Background(), in.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompensated, got.State)
	assert.Equal(t, []string{"one"}, compOrder, "already-compensated step is not redone")
}

func TestStepResultsStayOutOfContext(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	def := &Definition{Name: "wf", Steps: []StepDef{
		{
			Name: "one",
			Run: func(context.Context, *Transaction) (map[string]interface{}, error) {
				return map[string]interface{}{"sample_id": "s-1"}, nil
			},
		},
		{
			Name: "two",
			Run: func(_ context.Context, tx *Transaction) (map[string]interface{}, error) {
				// Results flow through step records, not context data.
				if _, ok := tx.Context("sample_id"); ok {
					return nil, apperr.New(apperr.KindInternal, "result leaked into context")
				}
				if got := tx.StepResultString("one", "sample_id"); got != "s-1" {
					return nil, apperr.Newf(apperr.KindInternal, "unexpected step result %q", got)
				}
				return nil, nil
			},
		},
	}}
	require.NoError(t, coord.Register(def))

	in, err := coord.Run(context.Background(), "wf", map[string]interface{}{"input": "x"}, "tech-1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, in.State)
	assert.Equal(t, map[string]interface{}{"input": "x"}, in.ContextData)
}

func TestRegisterValidation(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	err := coord.Register(&Definition{Name: "empty"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	sc := &script{}
	def := &Definition{Name: "wf", Steps: []StepDef{sc.step("one", nil)}}
	require.NoError(t, coord.Register(def))
	err = coord.Register(def)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	_, err = coord.Run(context.Background(), "nope", nil, "tech-1")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}
