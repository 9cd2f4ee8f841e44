package agent

import (
	"context"
	"sync"
	"time"
)

var _ Runner = (*ScriptedRunner)(nil)

// ScriptAction is one scripted move: report a step, ask for help, or hold
// the run open for a while. Fields combine; Pause happens first.
type ScriptAction struct {
	Pause time.Duration
	Emit  *StepData
	Ask   string
}

// ScriptedRunner replays a fixed action sequence and then returns Outcome.
// It stands in for the real agent driver in engine and API tests.
type ScriptedRunner struct {
	Script  []ScriptAction
	Outcome Outcome

	mu        sync.Mutex
	runs      int
	active    int
	maxActive int
	responses []string
	lastRun   Run
}

// Run implements Runner.
func (r *ScriptedRunner) Run(ctx context.Context, run Run, cb Callbacks) Outcome {
	r.mu.Lock()
	r.runs++
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	r.lastRun = run
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	for _, action := range r.Script {
		if action.Pause > 0 {
			select {
			case <-ctx.Done():
				return Outcome{Err: ctx.Err()}
			case <-time.After(action.Pause):
			}
		}
		select {
		case <-ctx.Done():
			return Outcome{Err: ctx.Err()}
		default:
		}

		if action.Emit != nil {
			if err := cb.OnStep(*action.Emit); err != nil {
				return Outcome{Err: err}
			}
		}
		if action.Ask != "" {
			resp, err := cb.OnAskHuman(ctx, action.Ask)
			if err != nil {
				return Outcome{Err: err}
			}
			r.mu.Lock()
			r.responses = append(r.responses, resp)
			r.mu.Unlock()
		}
	}
	return r.Outcome
}

// Runs reports how many times Run has been invoked.
func (r *ScriptedRunner) Runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

// MaxActive reports the highest number of concurrently live runs observed.
func (r *ScriptedRunner) MaxActive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxActive
}

// Responses returns the operator answers received through OnAskHuman.
func (r *ScriptedRunner) Responses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.responses))
	copy(out, r.responses)
	return out
}

// LastRun returns the Run passed to the most recent invocation.
func (r *ScriptedRunner) LastRun() Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun
}
