package saga

import "time"

// State is the saga instance lifecycle state.
type State string

const (
	StateCreated      State = "Created"
	StateRunning      State = "Running"
	StateCompleted    State = "Completed"
	StateCompensating State = "Compensating"
	StateCompensated  State = "Compensated"
	StateFailed       State = "Failed"
)

// stateTransitions is the legal edge set for instances. Completed,
// Compensated, and Failed are terminal.
var stateTransitions = map[State][]State{
	StateCreated:      {StateRunning},
	StateRunning:      {StateCompleted, StateCompensating, StateFailed},
	StateCompensating: {StateCompensated, StateFailed},
	StateCompleted:    {},
	StateCompensated:  {},
	StateFailed:       {},
}

// CanTransition reports whether the edge from -> to is legal.
func CanTransition(from, to State) bool {
	for _, allowed := range stateTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no edge leaves the state.
func (s State) Terminal() bool { return len(stateTransitions[s]) == 0 }

// StepStatus is the per-step execution status.
type StepStatus string

const (
	StepPending   StepStatus = "Pending"
	StepExecuting StepStatus = "Executing"
	StepCompleted StepStatus = "Completed"
	StepFailed    StepStatus = "Failed"
)

// StepRecord is the durable record of one forward step.
type StepRecord struct {
	Name       string                 `json:"name"`
	Status     StepStatus             `json:"status"`
	Attempts   int                    `json:"attempts"`
	Result     map[string]interface{} `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

// CompensationStatus is the per-compensation status.
type CompensationStatus string

const (
	CompensationPending   CompensationStatus = "Pending"
	CompensationExecuting CompensationStatus = "Executing"
	CompensationCompleted CompensationStatus = "Completed"
	CompensationFailed    CompensationStatus = "Failed"
	CompensationSkipped   CompensationStatus = "Skipped"
)

// CompensationRecord is the durable record of one compensation run.
type CompensationRecord struct {
	StepName   string             `json:"step_name"`
	Status     CompensationStatus `json:"status"`
	Mandatory  bool               `json:"mandatory"`
	Attempts   int                `json:"attempts"`
	Error      string             `json:"error,omitempty"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

// Instance is one saga execution. ContextData is set at start and never
// mutated afterwards; step results live on the step records.
type Instance struct {
	ID            string                 `json:"id"`
	Definition    string                 `json:"definition"`
	State         State                  `json:"state"`
	Actor         string                 `json:"actor"`
	ContextData   map[string]interface{} `json:"context_data,omitempty"`
	Steps         []*StepRecord          `json:"steps"`
	Compensations []*CompensationRecord  `json:"compensations,omitempty"`
	// CurrentStep indexes the next step to run when the instance resumes.
	CurrentStep int        `json:"current_step"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Step returns the record for a named step, or nil.
func (in *Instance) Step(name string) *StepRecord {
	for _, rec := range in.Steps {
		if rec.Name == name {
			return rec
		}
	}
	return nil
}

// completedSteps returns indexes of completed steps in execution order.
func (in *Instance) completedSteps() []int {
	var out []int
	for i, rec := range in.Steps {
		if rec.Status == StepCompleted {
			out = append(out, i)
		}
	}
	return out
}
