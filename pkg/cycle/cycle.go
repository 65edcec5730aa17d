// Package cycle implements the cycle report data model and the fixed
// Daily/Weekly/Monthly task batteries the runner iterates.
package cycle

import (
	"context"
	"time"

	"github.com/cgast/autonomy/pkg/gate"
)

// Kind identifies which fixed task battery a cycle runs.
type Kind string

const (
	Daily   Kind = "Daily"
	Weekly  Kind = "Weekly"
	Monthly Kind = "Monthly"
	Manual  Kind = "Manual"
)

// Status is a cycle's or a task's terminal disposition.
type Status string

const (
	StatusRunning            Status = "Running"
	StatusCompleted          Status = "Completed"
	StatusCompletedWithError Status = "CompletedWithErrors"
	StatusCancelled          Status = "Cancelled"
	StatusSkipped            Status = "Skipped"
	StatusError              Status = "Error"
)

// Handler is the opaque per-task body the runner executes under timeout
// and retry. Concrete task bodies (security sweeps, compliance scans) are
// collaborators outside this package's scope, resolved by name through an
// ActionResolver the caller supplies; Handler is the uniform interface
// they present once resolved.
type Handler func(ctx context.Context, task Task) (output any, err error)

// Task is a single unit of work in a cycle battery.
type Task struct {
	ID       string
	Name     string
	HDMLevel gate.Level
	Action   string // resolved against an ActionResolver at run time
}

// Battery is the fixed, ordered task sequence for a cycle kind.
type Battery []Task

// ActionResolver maps a fixed action name to the Handler that performs
// it. The Engine implements this; the cycle package stays agnostic to
// what an action does.
type ActionResolver interface {
	ResolveAction(name string) (Handler, bool)
}

// TaskResult is the outcome of running a single task within a cycle.
type TaskResult struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Status    Status    `json:"status"`
	Output    any       `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Report is the full record of one cycle run. EndTime is a pointer so it
// is genuinely absent (omitted from JSON, nil in memory) exactly while
// Status is Running, per the invariant that endTime >= startTime once set
// and is absent only during a run in progress.
type Report struct {
	ID        string       `json:"id"`
	Kind      Kind         `json:"kind"`
	StartTime time.Time    `json:"startTime"`
	EndTime   *time.Time   `json:"endTime,omitempty"`
	Tasks     []TaskResult `json:"tasks"`
	Errors    []string     `json:"errors,omitempty"`
	Status    Status       `json:"status"`
}
