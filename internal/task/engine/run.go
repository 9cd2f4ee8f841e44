package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/webai/webai/internal/agent"
	"github.com/webai/webai/internal/metrics"
	v1 "github.com/webai/webai/pkg/api/v1"
)

var htmlTagRE = regexp.MustCompile(`<[^>]+>`)

// stripHTML drops markup from a step summary so it can be embedded in a
// continuation prompt.
func stripHTML(s string) string {
	return strings.TrimSpace(htmlTagRE.ReplaceAllString(s, ""))
}

// supervise drives one run to completion. It owns the task's terminal
// transition unless the run was cancelled by Delete or by shutdown.
func (e *Engine) supervise(lr *liveRun, runCtx context.Context) {
	defer e.wg.Done()

	startedAt := time.Now()
	outcome := e.executeRun(lr, runCtx)
	e.finalize(lr, outcome, time.Since(startedAt))

	e.clearActive(lr.taskID)
	close(lr.done)
	lr.cancel()
}

// executeRun waits for a run slot, opens the browser session, moves the
// task to running, and blocks in the runner until the run ends.
func (e *Engine) executeRun(lr *liveRun, runCtx context.Context) agent.Outcome {
	taskID := lr.taskID

	// The task sits in pending while it waits for a slot.
	if e.runSlots != nil {
		if err := e.runSlots.Acquire(runCtx, 1); err != nil {
			return agent.Outcome{Err: err}
		}
		defer e.runSlots.Release(1)
	}

	lock := e.taskLock(taskID)
	lock.Lock()

	cur, ok := e.snapshot(taskID)
	if !ok || runCtx.Err() != nil {
		lock.Unlock()
		return agent.Outcome{Err: context.Canceled}
	}

	profileDir, err := e.store.BrowserDir(taskID)
	if err != nil {
		lock.Unlock()
		return agent.Outcome{Err: fmt.Errorf("failed to prepare browser profile: %w", err)}
	}
	sess, err := e.browsers.Open(runCtx, taskID, profileDir, lr.resumeURL)
	if err != nil {
		lock.Unlock()
		return agent.Outcome{Err: fmt.Errorf("failed to open browser session: %w", err)}
	}
	token, err := e.broker.Mint(taskID, sess.VNCAddr)
	if err != nil {
		lock.Unlock()
		return agent.Outcome{Err: fmt.Errorf("failed to mint VNC token: %w", err)}
	}

	from := cur.Status
	next := cloneRecord(cur)
	next.Status = v1.TaskStatusRunning
	next.BrowserOpen = true
	next.VNCToken = token
	next.NeedsAttention = false
	next.UpdatedAt = time.Now().UTC()
	if err := e.commit(next); err != nil {
		lock.Unlock()
		return agent.Outcome{Err: err}
	}
	lock.Unlock()

	e.events.TaskStatusChanged(runCtx, taskID, from, v1.TaskStatusRunning)
	metrics.TaskTransitions.WithLabelValues(string(v1.TaskStatusRunning)).Inc()
	e.logger.Info("Run started",
		zap.String("task_id", taskID),
		zap.String("model", next.ModelName),
		zap.Int("step_budget", next.MaxSteps),
	)

	rs := &runState{budget: next.MaxSteps}
	run := agent.Run{
		TaskID:          taskID,
		Prompt:          lr.prompt,
		Model:           next.ModelName,
		Temperature:     next.Temperature,
		ReasoningEffort: derefString(next.ReasoningEffort),
		StepBudget:      next.MaxSteps,
		BrowserDir:      profileDir,
		ResumeURL:       lr.resumeURL,
	}
	cb := agent.Callbacks{
		OnStep:     e.stepCallback(lr, runCtx, rs),
		OnAskHuman: e.askHumanCallback(lr),
	}
	return e.runner.Run(runCtx, run, cb)
}

// runState tracks per-run step accounting. Each run gets the full budget
// again: continuations are fresh runs over the same task.
type runState struct {
	budget int
	steps  int
}

// stepCallback persists each reported step under the task lock and keeps
// the record's step counter in sync with the log.
func (e *Engine) stepCallback(lr *liveRun, runCtx context.Context, rs *runState) func(agent.StepData) error {
	return func(step agent.StepData) error {
		if err := runCtx.Err(); err != nil {
			return err
		}
		if rs.budget > 0 && rs.steps >= rs.budget {
			return errStepBudgetExceeded
		}

		lock := e.taskLock(lr.taskID)
		lock.Lock()
		defer lock.Unlock()

		cur, ok := e.snapshot(lr.taskID)
		if !ok {
			return context.Canceled
		}

		now := time.Now().UTC()
		stepNumber := cur.StepCount + 1
		rec := v1.TaskStep{
			StepNumber:  stepNumber,
			SummaryHTML: step.SummaryHTML,
			CreatedAt:   now,
			RawState:    step.RawState,
			RawOutput:   step.RawOutput,
		}
		if step.ScreenshotB64 != "" {
			rec.ScreenshotB64 = &step.ScreenshotB64
		}
		if step.URL != "" {
			rec.URL = &step.URL
		}
		if step.Title != "" {
			rec.Title = &step.Title
		}
		if err := e.store.AppendStep(lr.taskID, rec); err != nil {
			return fmt.Errorf("failed to persist step: %w", err)
		}

		next := cloneRecord(cur)
		next.StepCount = stepNumber
		next.UpdatedAt = now
		if err := e.commit(next); err != nil {
			return err
		}
		rs.steps++

		e.appendChat(lr.taskID, v1.ChatRoleAssistant, fmt.Sprintf("Step %d completed.", stepNumber))
		e.events.TaskStepAppended(runCtx, lr.taskID, stepNumber)
		metrics.StepsAppended.Inc()
		return nil
	}
}

// askHumanCallback parks the run in waiting_for_input until an operator
// answers, the assist times out, or the run is cancelled.
func (e *Engine) askHumanCallback(lr *liveRun) func(context.Context, string) (string, error) {
	return func(ctx context.Context, question string) (string, error) {
		pa := &pendingAssist{question: question, ch: make(chan string, 1)}

		lock := e.taskLock(lr.taskID)
		lock.Lock()
		cur, ok := e.snapshot(lr.taskID)
		if !ok {
			lock.Unlock()
			return "", context.Canceled
		}
		now := time.Now().UTC()
		next := cloneRecord(cur)
		next.Status = v1.TaskStatusWaitingForInput
		next.NeedsAttention = true
		next.Assistance = &v1.AssistanceRequest{Question: question, RequestedAt: now}
		next.UpdatedAt = now
		if err := e.commit(next); err != nil {
			lock.Unlock()
			return "", err
		}
		lr.setAssist(pa)
		lock.Unlock()

		e.appendChat(lr.taskID, v1.ChatRoleAssistant, "Agent needs help:\n"+question)
		e.events.TaskAssistRequested(ctx, lr.taskID, question)
		e.events.TaskStatusChanged(ctx, lr.taskID, cur.Status, v1.TaskStatusWaitingForInput)
		metrics.AssistRequests.Inc()
		e.logger.Info("Run is waiting for operator input", zap.String("task_id", lr.taskID))

		timer := time.NewTimer(e.nodeCfg.AssistTimeout())
		defer timer.Stop()

		select {
		case answer := <-pa.ch:
			metrics.AssistResolved.WithLabelValues("answered").Inc()
			return answer, nil

		case <-timer.C:
			if _, owned := lr.takeAssist(); !owned {
				// An operator answer is committing right now; take it.
				select {
				case answer := <-pa.ch:
					metrics.AssistResolved.WithLabelValues("answered").Inc()
					return answer, nil
				case <-ctx.Done():
					metrics.AssistResolved.WithLabelValues("cancelled").Inc()
					return "", ctx.Err()
				}
			}
			e.resolveAssistTimeout(lr.taskID)
			metrics.AssistResolved.WithLabelValues("timeout").Inc()
			return assistTimeoutText, nil

		case <-ctx.Done():
			lr.takeAssist()
			metrics.AssistResolved.WithLabelValues("cancelled").Inc()
			return "", ctx.Err()
		}
	}
}

const assistTimeoutText = "Timed out waiting for user input."

// resolveAssistTimeout records the expiry and puts the task back to running.
func (e *Engine) resolveAssistTimeout(taskID string) {
	lock := e.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	cur, ok := e.snapshot(taskID)
	if !ok || cur.Status != v1.TaskStatusWaitingForInput {
		return
	}
	now := time.Now().UTC()
	next := cloneRecord(cur)
	next.Status = v1.TaskStatusRunning
	next.NeedsAttention = false
	if next.Assistance != nil {
		text := assistTimeoutText
		next.Assistance.RespondedAt = &now
		next.Assistance.ResponseText = &text
	}
	next.UpdatedAt = now
	if err := e.commit(next); err != nil {
		e.logger.Error("Failed to persist assist timeout",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}
	e.events.TaskStatusChanged(context.Background(), taskID, v1.TaskStatusWaitingForInput, v1.TaskStatusRunning)
	e.logger.Info("Assist request timed out", zap.String("task_id", taskID))
}

// finalize writes the run's terminal state. Deleted runs are cleaned up by
// Delete itself, and shutdown leaves records for restart recovery, exactly
// as if the process had crashed.
func (e *Engine) finalize(lr *liveRun, outcome agent.Outcome, elapsed time.Duration) {
	cause := lr.stopCause()
	if cause == stopDeleted || cause == stopShutdown {
		return
	}
	taskID := lr.taskID

	lock := e.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	cur, ok := e.snapshot(taskID)
	if !ok {
		return
	}
	if cur.Status.IsTerminal() {
		// A stop that outlived its grace period already wrote the
		// terminal state.
		return
	}

	now := time.Now().UTC()
	from := cur.Status
	next := cloneRecord(cur)
	next.NeedsAttention = false
	next.CompletedAt = &now
	next.UpdatedAt = now

	var doneMsg string
	switch {
	case cause == stopRequested:
		next.Status = v1.TaskStatusStopped
		reason := v1.ReasonCancelled
		next.LastError = &reason
	case stderrors.Is(outcome.Err, errStepBudgetExceeded):
		next.Status = v1.TaskStatusFailed
		reason := v1.ReasonStepBudgetExceeded
		next.LastError = &reason
	case stderrors.Is(outcome.Err, agent.ErrBrowserCrashed):
		next.Status = v1.TaskStatusFailed
		reason := v1.ReasonBrowserCrashed
		next.LastError = &reason
	case outcome.Err != nil:
		next.Status = v1.TaskStatusFailed
		msg := outcome.Err.Error()
		next.LastError = &msg
	default:
		next.Status = v1.TaskStatusCompleted
		next.LastError = nil
		lines := []string{"Task completed."}
		if elapsed > 0 {
			lines = append(lines, fmt.Sprintf("Duration: %.2fs", elapsed.Seconds()))
		}
		if outcome.ResultSummary != "" {
			next.ResultSummary = &outcome.ResultSummary
			lines = append(lines, "Final result: "+outcome.ResultSummary)
		}
		doneMsg = strings.Join(lines, "\n")
	}

	keepBrowser := next.LeaveBrowserOpen && next.Status == v1.TaskStatusCompleted
	if !keepBrowser {
		if err := e.browsers.Close(context.Background(), taskID); err != nil {
			e.logger.Warn("Failed to close browser session",
				zap.String("task_id", taskID),
				zap.Error(err))
		}
		e.broker.Revoke(taskID)
		next.BrowserOpen = false
		next.VNCToken = ""
	}

	if err := e.commit(next); err != nil {
		e.logger.Error("Failed to persist terminal task state",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}

	if doneMsg != "" {
		e.appendChat(taskID, v1.ChatRoleAssistant, doneMsg)
	}
	e.appendChat(taskID, v1.ChatRoleSystem, fmt.Sprintf("Task finished with status %s.", next.Status))

	e.events.TaskStatusChanged(context.Background(), taskID, from, next.Status)
	metrics.TaskTransitions.WithLabelValues(string(next.Status)).Inc()
	e.logger.Info("Run finished",
		zap.String("task_id", taskID),
		zap.String("status", string(next.Status)),
		zap.Duration("elapsed", elapsed),
	)
}

// appendChat writes a chat log entry; failures are logged, not fatal.
func (e *Engine) appendChat(taskID string, role v1.ChatRole, content string) {
	msg := v1.ChatMessage{Role: role, Content: content, CreatedAt: time.Now().UTC()}
	if err := e.store.AppendChat(taskID, msg); err != nil {
		e.logger.Warn("Failed to append chat message",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// composeContinuationPrompt rebuilds the agent prompt for a continued task
// from the chat history and recent steps.
func composeContinuationPrompt(rec *v1.TaskRecord, chat []v1.ChatMessage, steps []v1.TaskStep) string {
	initialGoal := rec.Instructions
	if len(chat) > 0 {
		initialGoal = chat[0].Content
	}

	var followups []string
	for i, msg := range chat {
		if i == 0 {
			continue
		}
		if msg.Role == v1.ChatRoleUser && strings.TrimSpace(msg.Content) != "" {
			followups = append(followups, msg.Content)
		}
	}
	latest := ""
	if len(followups) > 0 {
		latest = followups[len(followups)-1]
		followups = followups[:len(followups)-1]
	}
	if len(followups) > 4 {
		followups = followups[len(followups)-4:]
	}

	var sections []string
	if initialGoal != "" {
		sections = append(sections, "Primary goal:\n"+strings.TrimSpace(initialGoal))
	}
	if len(followups) > 0 {
		bullets := make([]string, len(followups))
		for i, f := range followups {
			bullets[i] = "- " + f
		}
		sections = append(sections, "Earlier follow-up requests:\n"+strings.Join(bullets, "\n"))
	}
	if latest != "" {
		sections = append(sections, "Current follow-up request:\n"+strings.TrimSpace(latest))
	}

	recent := steps
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	var summaries []string
	for _, step := range recent {
		summary := stripHTML(step.SummaryHTML)
		if summary == "" && step.Title != nil {
			summary = *step.Title
		}
		if summary == "" && step.URL != nil {
			summary = "Visited " + *step.URL
		}
		if summary == "" {
			summary = "No summary provided."
		}
		summaries = append(summaries, fmt.Sprintf("Step %d: %s", step.StepNumber, summary))
	}
	if len(summaries) > 0 {
		sections = append(sections, "Completed steps so far:\n"+strings.Join(summaries, "\n"))
	}

	sections = append(sections, "Continue from the existing browser session. Build on the completed work instead of starting over.")

	var kept []string
	for _, s := range sections {
		if strings.TrimSpace(s) != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, "\n\n")
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
