package agent

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestScriptedRunnerEmitsStepsInOrder(t *testing.T) {
	r := &ScriptedRunner{
		Script: []ScriptAction{
			{Emit: &StepData{SummaryHTML: "one"}},
			{Emit: &StepData{SummaryHTML: "two"}},
		},
		Outcome: Outcome{Completed: true, ResultSummary: "done"},
	}

	var seen []string
	outcome := r.Run(context.Background(), Run{TaskID: "t1"}, Callbacks{
		OnStep: func(step StepData) error {
			seen = append(seen, step.SummaryHTML)
			return nil
		},
	})

	if !outcome.Completed || outcome.ResultSummary != "done" {
		t.Errorf("unexpected outcome: %+v", outcome)
	}
	if len(seen) != 2 || seen[0] != "one" || seen[1] != "two" {
		t.Errorf("steps out of order: %v", seen)
	}
	if r.Runs() != 1 {
		t.Errorf("runs = %d, want 1", r.Runs())
	}
}

func TestScriptedRunnerStopsWhenStepRejected(t *testing.T) {
	budget := errors.New("over budget")
	r := &ScriptedRunner{
		Script: []ScriptAction{
			{Emit: &StepData{SummaryHTML: "one"}},
			{Emit: &StepData{SummaryHTML: "two"}},
		},
		Outcome: Outcome{Completed: true},
	}

	calls := 0
	outcome := r.Run(context.Background(), Run{}, Callbacks{
		OnStep: func(StepData) error {
			calls++
			return budget
		},
	})

	if calls != 1 {
		t.Errorf("runner kept going after rejected step: %d calls", calls)
	}
	if !errors.Is(outcome.Err, budget) {
		t.Errorf("outcome should carry the rejection, got %v", outcome.Err)
	}
	if outcome.Completed {
		t.Error("rejected run must not report completion")
	}
}

func TestScriptedRunnerAskHuman(t *testing.T) {
	r := &ScriptedRunner{
		Script:  []ScriptAction{{Ask: "continue?"}},
		Outcome: Outcome{Completed: true},
	}

	outcome := r.Run(context.Background(), Run{}, Callbacks{
		OnAskHuman: func(_ context.Context, question string) (string, error) {
			if question != "continue?" {
				t.Errorf("question = %q", question)
			}
			return "yes", nil
		},
	})

	if !outcome.Completed {
		t.Errorf("unexpected outcome: %+v", outcome)
	}
	if got := r.Responses(); len(got) != 1 || got[0] != "yes" {
		t.Errorf("responses = %v", got)
	}
}

func TestScriptedRunnerHonorsCancel(t *testing.T) {
	r := &ScriptedRunner{
		Script:  []ScriptAction{{Pause: 5 * time.Second}, {Emit: &StepData{}}},
		Outcome: Outcome{Completed: true},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		done <- r.Run(ctx, Run{}, Callbacks{
			OnStep: func(StepData) error {
				t.Error("step emitted after cancel")
				return nil
			},
		})
	}()

	cancel()
	select {
	case outcome := <-done:
		if !errors.Is(outcome.Err, context.Canceled) {
			t.Errorf("outcome err = %v, want context.Canceled", outcome.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not return promptly after cancel")
	}
}

func TestRunnerFunc(t *testing.T) {
	called := false
	var r Runner = RunnerFunc(func(context.Context, Run, Callbacks) Outcome {
		called = true
		return Outcome{Completed: true}
	})

	if outcome := r.Run(context.Background(), Run{}, Callbacks{}); !outcome.Completed {
		t.Errorf("unexpected outcome: %+v", outcome)
	}
	if !called {
		t.Error("adapter did not invoke the function")
	}
}
