// Package agent defines the contract between the task engine and the
// AI driver that executes a task inside a browser session.
package agent

import (
	"context"
	"errors"
)

// ErrBrowserCrashed is returned in Outcome.Err when the browser session
// died underneath the runner. The engine records a dedicated failure
// reason for it.
var ErrBrowserCrashed = errors.New("browser session crashed")

// StepData is one unit of progress reported by a runner. Step numbers are
// assigned by the engine when the step is persisted.
type StepData struct {
	Title         string
	SummaryHTML   string
	URL           string
	ScreenshotB64 string
	RawState      map[string]interface{}
	RawOutput     map[string]interface{}
}

// Run carries everything a runner needs for one execution over a task.
// A continuation reuses the same task with a fresh Run and a new prompt.
type Run struct {
	TaskID          string
	Prompt          string // initial instructions or continuation prompt
	Model           string
	Temperature     *float64
	ReasoningEffort string
	StepBudget      int    // steps this run may report before the engine aborts it
	BrowserDir      string // persistent browser profile directory
	ResumeURL       string // last page visited, for resuming a preserved session
}

// Callbacks are supplied by the engine for the duration of one run.
type Callbacks struct {
	// OnStep records a captured step. A non-nil error tells the runner to
	// abandon the run immediately and surface the error in its outcome.
	OnStep func(step StepData) error

	// OnAskHuman blocks until an operator responds, the context is
	// cancelled, or the engine times the request out.
	OnAskHuman func(ctx context.Context, question string) (string, error)
}

// Outcome is the terminal result of a run.
type Outcome struct {
	Completed     bool   // the agent finished its goal
	ResultSummary string // final answer text, shown on the task record
	Err           error  // non-nil when the run failed or was interrupted
}

// Runner drives the agent for a single task run. Run blocks until the run
// ends. Cancelling ctx must make the runner abandon work and return
// promptly; the engine decides the terminal task status in that case.
type Runner interface {
	Run(ctx context.Context, run Run, cb Callbacks) Outcome
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, run Run, cb Callbacks) Outcome

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, run Run, cb Callbacks) Outcome {
	return f(ctx, run, cb)
}
