package job

import "time"

type State string

const (
	StateWaiting   State = "waiting"   // queued, eligible for submission
	StateSubmitted State = "submitted" // accepted by the driver, not yet confirmed
	StateRunning   State = "running"   // status marker observed
	StateDone      State = "done"      // success marker observed
	StateExit      State = "exit"      // failed with no retries left
)

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateExit
}

// InFlight reports whether s occupies a worker slot.
func (s State) InFlight() bool {
	return s == StateSubmitted || s == StateRunning
}

// ReasonInterrupted marks a job sent back to waiting because the scheduler
// stopped, not because the attempt failed.
const ReasonInterrupted = "interrupted by shutdown"

// States lists every state in lifecycle order.
var States = []State{StateWaiting, StateSubmitted, StateRunning, StateDone, StateExit}

// RetryFunc decides whether a failed job should be resubmitted.
// The caller's own context is reached through the closure.
type RetryFunc func(info Info) bool

// ExitFunc is invoked exactly once when a job reaches a terminal state.
type ExitFunc func(info Info)

// Spec is the caller-supplied description of a job.
type Spec struct {
	Name      string    `json:"name" yaml:"name"`             // Job name
	Command   string    `json:"command" yaml:"command"`       // Executable to run
	Args      []string  `json:"args" yaml:"args"`             // Argument vector, without the command
	RunPath   string    `json:"run_path" yaml:"run_path"`     // Working directory, created on add
	NumCPU    int       `json:"num_cpu" yaml:"num_cpu"`       // Requested CPU slots
	MaxSubmit int       `json:"max_submit" yaml:"max_submit"` // 0 uses the queue default, <0 unlimited
	Retry     RetryFunc `json:"-" yaml:"-"`
	Exit      ExitFunc  `json:"-" yaml:"-"`
}

// Info is a read-only snapshot of a job handed to callbacks and observers.
type Info struct {
	Index       int       `json:"index"`
	RunID       string    `json:"run_id"`
	Name        string    `json:"name"`
	RunPath     string    `json:"run_path"`
	State       State     `json:"state"`
	SubmitCount int       `json:"submit_count"`
	MaxSubmit   int       `json:"max_submit"`
	Reason      string    `json:"reason,omitempty"` // Last failure reason
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
}

// Event describes one state transition.
type Event struct {
	Job  Info      `json:"job"`
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}
