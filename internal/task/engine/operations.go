package engine

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webai/webai/internal/common/errors"
	"github.com/webai/webai/internal/metrics"
	"github.com/webai/webai/internal/vnc"
	v1 "github.com/webai/webai/pkg/api/v1"
)

const (
	titleMinLen        = 3
	titleMaxLen        = 200
	instructionsMinLen = 5
	maxStepsCeiling    = 200
)

// Create validates the request, persists a new task, and either schedules
// it or submits it to the run queue.
func (e *Engine) Create(ctx context.Context, req v1.CreateTaskRequest) (*v1.TaskDetail, error) {
	title := strings.TrimSpace(req.Title)
	if n := utf8.RuneCountInString(title); n < titleMinLen || n > titleMaxLen {
		return nil, errors.ValidationError("title", "must be between 3 and 200 characters")
	}
	instructions := strings.TrimSpace(req.Instructions)
	if utf8.RuneCountInString(instructions) < instructionsMinLen {
		return nil, errors.ValidationError("instructions", "must be at least 5 characters")
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return nil, errors.ValidationError("temperature", "must be between 0 and 2")
	}

	modelName := req.Model
	if modelName == "" {
		modelName = e.catalog.Default()
	}
	if err := e.catalog.ValidateModel(modelName); err != nil {
		return nil, err
	}
	if req.ReasoningEffort != nil {
		if err := e.catalog.ValidateReasoningEffort(*req.ReasoningEffort); err != nil {
			return nil, err
		}
	}

	maxSteps := req.MaxSteps
	if maxSteps == 0 {
		maxSteps = e.agentCfg.MaxStepsDefault
	}
	if maxSteps < 1 || maxSteps > maxStepsCeiling {
		return nil, errors.ValidationError("max_steps", "must be between 1 and 200")
	}

	now := time.Now().UTC()
	var scheduledFor *time.Time
	if req.ScheduledFor != nil {
		when := req.ScheduledFor.UTC()
		if !when.After(now) {
			return nil, errors.InvalidInput("Scheduled start time must be in the future.")
		}
		scheduledFor = &when
	}

	temperature := req.Temperature
	if temperature == nil {
		t := e.agentCfg.Temperature
		temperature = &t
	}

	rec := &v1.TaskRecord{
		ID:               uuid.New().String(),
		NodeID:           e.nodeCfg.ID,
		Title:            title,
		Instructions:     instructions,
		Status:           v1.TaskStatusPending,
		LeaveBrowserOpen: req.LeaveBrowserOpen,
		CreatedAt:        now,
		UpdatedAt:        now,
		ModelName:        modelName,
		Temperature:      temperature,
		ReasoningEffort:  req.ReasoningEffort,
		MaxSteps:         maxSteps,
	}
	if scheduledFor != nil {
		rec.Status = v1.TaskStatusScheduled
		rec.ScheduledFor = scheduledFor
	}

	lock := e.taskLock(rec.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := e.commit(rec); err != nil {
		return nil, err
	}
	e.appendChat(rec.ID, v1.ChatRoleUser, instructions)
	e.events.TaskCreated(ctx, rec)
	metrics.TasksCreated.Inc()
	e.logger.Info("Task created",
		zap.String("task_id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.String("model", rec.ModelName),
	)

	if rec.Status == v1.TaskStatusScheduled {
		if err := e.sched.Schedule(rec.ID, *rec.ScheduledFor); err != nil {
			return nil, errors.InternalError("failed to schedule task", err)
		}
	} else if err := e.startRun(rec.ID, rec.Instructions, ""); err != nil {
		return nil, err
	}

	return e.detail(rec.ID)
}

// Get returns the task's record plus its step and chat logs. When the
// browser is open the response carries the VNC launch URL.
func (e *Engine) Get(taskID string) (*v1.TaskDetail, error) {
	return e.detail(taskID)
}

// Has reports whether this node owns the task. Serves the head's
// lightweight ownership probe without loading the step and chat logs.
func (e *Engine) Has(taskID string) bool {
	_, ok := e.snapshot(taskID)
	return ok
}

func (e *Engine) detail(taskID string) (*v1.TaskDetail, error) {
	rec, ok := e.snapshot(taskID)
	if !ok {
		return nil, errors.NotFound("task", taskID)
	}
	steps, err := e.store.LoadSteps(taskID)
	if err != nil {
		return nil, errors.InternalError("failed to load task steps", err)
	}
	chat, err := e.store.LoadChat(taskID)
	if err != nil {
		return nil, errors.InternalError("failed to load task chat", err)
	}

	detail := &v1.TaskDetail{
		Record:      *cloneRecord(rec),
		Steps:       steps,
		ChatHistory: chat,
	}
	if rec.BrowserOpen && rec.VNCToken != "" {
		url := vnc.LaunchPath(taskID, rec.VNCToken)
		detail.VNCLaunchURL = &url
	}
	return detail, nil
}

// List returns task summaries, newest first.
func (e *Engine) List() []v1.TaskSummary {
	e.mu.RLock()
	summaries := make([]v1.TaskSummary, 0, len(e.records))
	for _, rec := range e.records {
		summaries = append(summaries, v1.TaskSummary{
			ID:               rec.ID,
			NodeID:           rec.NodeID,
			Title:            rec.Title,
			Status:           rec.Status,
			BrowserOpen:      rec.BrowserOpen,
			LeaveBrowserOpen: rec.LeaveBrowserOpen,
			NeedsAttention:   rec.NeedsAttention,
			CreatedAt:        rec.CreatedAt,
			UpdatedAt:        rec.UpdatedAt,
			ScheduledFor:     cloneTimePtr(rec.ScheduledFor),
			StepCount:        rec.StepCount,
			ModelName:        rec.ModelName,
		})
	}
	e.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].ID < summaries[j].ID
		}
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries
}

// Delete stops any live run, records the cancellation, and removes the
// task's on-disk directory.
func (e *Engine) Delete(ctx context.Context, taskID string) error {
	lock := e.taskLock(taskID)
	lock.Lock()
	if _, ok := e.snapshot(taskID); !ok {
		lock.Unlock()
		return errors.NotFound("task", taskID)
	}
	lr, live := e.liveRunFor(taskID)
	if live {
		lr.markStop(stopDeleted)
		lr.cancel()
	}
	lock.Unlock()

	if live {
		select {
		case <-lr.done:
		case <-time.After(e.nodeCfg.StopGrace()):
			e.logger.Warn("Run did not exit within the stop grace period, deleting anyway",
				zap.String("task_id", taskID))
		}
	}

	lock.Lock()
	defer lock.Unlock()

	if cur, ok := e.snapshot(taskID); ok && live && !cur.Status.IsTerminal() {
		now := time.Now().UTC()
		next := cloneRecord(cur)
		next.Status = v1.TaskStatusCancelled
		reason := v1.ReasonCancelled
		next.LastError = &reason
		next.NeedsAttention = false
		next.BrowserOpen = false
		next.VNCToken = ""
		next.CompletedAt = &now
		next.UpdatedAt = now
		if err := e.commit(next); err != nil {
			e.logger.Warn("Failed to record cancellation before delete",
				zap.String("task_id", taskID),
				zap.Error(err))
		} else {
			e.events.TaskStatusChanged(ctx, taskID, cur.Status, v1.TaskStatusCancelled)
			metrics.TaskTransitions.WithLabelValues(string(v1.TaskStatusCancelled)).Inc()
		}
	}

	if err := e.browsers.Close(ctx, taskID); err != nil {
		e.logger.Warn("Failed to close browser session during delete",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
	e.broker.Revoke(taskID)
	e.sched.Cancel(taskID)

	if err := e.store.Delete(taskID); err != nil {
		return errors.InternalError("failed to delete task data", err)
	}

	e.mu.Lock()
	delete(e.records, taskID)
	delete(e.active, taskID)
	delete(e.locks, taskID)
	e.mu.Unlock()

	e.logger.Info("Task deleted", zap.String("task_id", taskID))
	return nil
}

// Assist answers a pending assistance request and resumes the runner.
func (e *Engine) Assist(ctx context.Context, taskID, message string) (*v1.TaskDetail, error) {
	if strings.TrimSpace(message) == "" {
		return nil, errors.ValidationError("message", "must not be empty")
	}

	lock := e.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	cur, ok := e.snapshot(taskID)
	if !ok {
		return nil, errors.NotFound("task", taskID)
	}
	if cur.Status != v1.TaskStatusWaitingForInput {
		return nil, errors.Conflict("Task is not waiting for input.")
	}
	lr, live := e.liveRunFor(taskID)
	if !live {
		return nil, errors.Conflict("Task is not waiting for input.")
	}
	pa, owned := lr.takeAssist()
	if !owned {
		return nil, errors.Conflict("Task is not waiting for input.")
	}

	now := time.Now().UTC()
	next := cloneRecord(cur)
	next.Status = v1.TaskStatusRunning
	next.NeedsAttention = false
	if next.Assistance != nil {
		next.Assistance.RespondedAt = &now
		next.Assistance.ResponseText = &message
	}
	next.UpdatedAt = now
	if err := e.commit(next); err != nil {
		lr.setAssist(pa)
		return nil, err
	}

	e.appendChat(taskID, v1.ChatRoleUser, message)
	pa.ch <- message
	e.events.TaskStatusChanged(ctx, taskID, v1.TaskStatusWaitingForInput, v1.TaskStatusRunning)
	e.logger.Info("Assist answered", zap.String("task_id", taskID))

	return e.detail(taskID)
}

// Continue starts a follow-up run on top of the task's preserved browser
// profile. Valid whenever no runner is alive and the task is not scheduled.
func (e *Engine) Continue(ctx context.Context, taskID, instructions string) (*v1.TaskDetail, error) {
	trimmed := strings.TrimSpace(instructions)
	if trimmed == "" {
		return nil, errors.InvalidInput("Additional instructions are required to continue.")
	}

	lock := e.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	cur, ok := e.snapshot(taskID)
	if !ok {
		return nil, errors.NotFound("task", taskID)
	}
	if cur.Status == v1.TaskStatusScheduled {
		return nil, errors.Conflict("Task is scheduled and has not started yet.")
	}
	if _, live := e.liveRunFor(taskID); live {
		return nil, errors.Conflict("Task is already running.")
	}

	steps, err := e.store.LoadSteps(taskID)
	if err != nil {
		return nil, errors.InternalError("failed to load task steps", err)
	}
	chat, err := e.store.LoadChat(taskID)
	if err != nil {
		return nil, errors.InternalError("failed to load task chat", err)
	}

	now := time.Now().UTC()
	next := cloneRecord(cur)
	next.Status = v1.TaskStatusPending
	next.BrowserOpen = false
	next.VNCToken = ""
	next.LastError = nil
	next.ResultSummary = nil
	next.CompletedAt = nil
	next.NeedsAttention = false
	next.Assistance = nil
	next.FollowUpInstructions = append(next.FollowUpInstructions, trimmed)
	next.UpdatedAt = now
	if err := e.commit(next); err != nil {
		return nil, err
	}
	e.appendChat(taskID, v1.ChatRoleUser, trimmed)

	// The previous run's session is torn down; the new run reopens the
	// same profile and resumes at the last visited page.
	if err := e.browsers.Close(ctx, taskID); err != nil {
		e.logger.Warn("Failed to close previous browser session",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
	e.broker.Revoke(taskID)
	e.events.TaskStatusChanged(ctx, taskID, cur.Status, v1.TaskStatusPending)

	chat = append(chat, v1.ChatMessage{Role: v1.ChatRoleUser, Content: trimmed, CreatedAt: now})
	prompt := composeContinuationPrompt(next, chat, steps)
	resumeURL := ""
	if len(steps) > 0 && steps[len(steps)-1].URL != nil {
		resumeURL = *steps[len(steps)-1].URL
	}
	if err := e.startRun(taskID, prompt, resumeURL); err != nil {
		return nil, err
	}

	e.logger.Info("Task continued", zap.String("task_id", taskID))
	return e.detail(taskID)
}

// Stop cancels a live run and waits for it to wind down, bounded by the
// stop grace period.
func (e *Engine) Stop(ctx context.Context, taskID string) (*v1.TaskDetail, error) {
	lock := e.taskLock(taskID)
	lock.Lock()
	if _, ok := e.snapshot(taskID); !ok {
		lock.Unlock()
		return nil, errors.NotFound("task", taskID)
	}
	lr, live := e.liveRunFor(taskID)
	if !live {
		lock.Unlock()
		return nil, errors.Conflict("Task is not running.")
	}
	lr.markStop(stopRequested)
	lr.cancel()
	lock.Unlock()

	select {
	case <-lr.done:
	case <-time.After(e.nodeCfg.StopGrace()):
		e.logger.Warn("Run did not exit within the stop grace period, forcing stop",
			zap.String("task_id", taskID))
		if err := e.browsers.Close(ctx, taskID); err != nil {
			e.logger.Warn("Failed to close browser session",
				zap.String("task_id", taskID),
				zap.Error(err))
		}
		e.broker.Revoke(taskID)

		lock.Lock()
		if cur, ok := e.snapshot(taskID); ok && !cur.Status.IsTerminal() {
			now := time.Now().UTC()
			next := cloneRecord(cur)
			next.Status = v1.TaskStatusStopped
			reason := v1.ReasonCancelled
			next.LastError = &reason
			next.NeedsAttention = false
			next.BrowserOpen = false
			next.VNCToken = ""
			next.CompletedAt = &now
			next.UpdatedAt = now
			if err := e.commit(next); err != nil {
				e.logger.Error("Failed to persist forced stop",
					zap.String("task_id", taskID),
					zap.Error(err))
			} else {
				e.events.TaskStatusChanged(ctx, taskID, cur.Status, v1.TaskStatusStopped)
				metrics.TaskTransitions.WithLabelValues(string(v1.TaskStatusStopped)).Inc()
			}
		}
		lock.Unlock()
	}

	return e.detail(taskID)
}

// OpenBrowser reopens a preserved session for a task that is not running.
// Reopening an already-open session is a no-op.
func (e *Engine) OpenBrowser(ctx context.Context, taskID string) (*v1.TaskDetail, error) {
	lock := e.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	cur, ok := e.snapshot(taskID)
	if !ok {
		return nil, errors.NotFound("task", taskID)
	}
	if _, live := e.liveRunFor(taskID); live {
		return nil, errors.Conflict("Task is already running.")
	}
	if cur.BrowserOpen {
		return e.detail(taskID)
	}

	steps, err := e.store.LoadSteps(taskID)
	if err != nil {
		return nil, errors.InternalError("failed to load task steps", err)
	}
	startURL := ""
	if len(steps) > 0 && steps[len(steps)-1].URL != nil {
		startURL = *steps[len(steps)-1].URL
	}

	profileDir, err := e.store.BrowserDir(taskID)
	if err != nil {
		return nil, errors.InternalError("failed to prepare browser profile", err)
	}
	sess, err := e.browsers.Open(ctx, taskID, profileDir, startURL)
	if err != nil {
		return nil, errors.InternalError("failed to open browser session", err)
	}
	token, err := e.broker.Mint(taskID, sess.VNCAddr)
	if err != nil {
		return nil, errors.InternalError("failed to mint VNC token", err)
	}

	next := cloneRecord(cur)
	next.BrowserOpen = true
	next.LeaveBrowserOpen = true
	next.VNCToken = token
	next.UpdatedAt = time.Now().UTC()
	if err := e.commit(next); err != nil {
		e.broker.Revoke(taskID)
		if cerr := e.browsers.Close(ctx, taskID); cerr != nil {
			e.logger.Warn("Failed to close browser session after commit failure",
				zap.String("task_id", taskID),
				zap.Error(cerr))
		}
		return nil, err
	}

	e.logger.Info("Browser session reopened", zap.String("task_id", taskID))
	return e.detail(taskID)
}

// CloseBrowser tears down a preserved session and invalidates its token.
func (e *Engine) CloseBrowser(ctx context.Context, taskID string) (*v1.TaskDetail, error) {
	lock := e.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	cur, ok := e.snapshot(taskID)
	if !ok {
		return nil, errors.NotFound("task", taskID)
	}
	if _, live := e.liveRunFor(taskID); live {
		return nil, errors.Conflict("Task is already running.")
	}

	if err := e.browsers.Close(ctx, taskID); err != nil {
		e.logger.Warn("Failed to close browser session",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
	e.broker.Revoke(taskID)

	if cur.BrowserOpen || cur.LeaveBrowserOpen || cur.VNCToken != "" {
		next := cloneRecord(cur)
		next.BrowserOpen = false
		next.LeaveBrowserOpen = false
		next.VNCToken = ""
		next.UpdatedAt = time.Now().UTC()
		if err := e.commit(next); err != nil {
			return nil, err
		}
	}

	e.logger.Info("Browser session closed", zap.String("task_id", taskID))
	return e.detail(taskID)
}

// AdminVNC rotates the task's VNC token and returns a fresh launch URL.
func (e *Engine) AdminVNC(taskID string) (*v1.VNCLaunchResponse, error) {
	lock := e.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	cur, ok := e.snapshot(taskID)
	if !ok {
		return nil, errors.NotFound("task", taskID)
	}
	if !cur.BrowserOpen {
		return nil, errors.Conflict("Browser session is not open.")
	}
	sess, ok := e.browsers.Get(taskID)
	if !ok {
		return nil, errors.Conflict("Browser session is not open.")
	}

	token, err := e.broker.Mint(taskID, sess.VNCAddr)
	if err != nil {
		return nil, errors.InternalError("failed to mint VNC token", err)
	}
	next := cloneRecord(cur)
	next.VNCToken = token
	next.UpdatedAt = time.Now().UTC()
	if err := e.commit(next); err != nil {
		return nil, err
	}

	return &v1.VNCLaunchResponse{VNCLaunchURL: vnc.LaunchPath(taskID, token)}, nil
}

// RunNow promotes a scheduled task immediately.
func (e *Engine) RunNow(ctx context.Context, taskID string) (*v1.TaskDetail, error) {
	lock := e.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	cur, ok := e.snapshot(taskID)
	if !ok {
		return nil, errors.NotFound("task", taskID)
	}
	if cur.Status != v1.TaskStatusScheduled {
		return nil, errors.Conflict("Task is not scheduled.")
	}
	e.sched.Cancel(taskID)

	next := cloneRecord(cur)
	next.Status = v1.TaskStatusPending
	next.ScheduledFor = nil
	next.UpdatedAt = time.Now().UTC()
	if err := e.commit(next); err != nil {
		return nil, err
	}
	e.events.TaskStatusChanged(ctx, taskID, v1.TaskStatusScheduled, v1.TaskStatusPending)

	if err := e.startRun(taskID, next.Instructions, ""); err != nil {
		return nil, err
	}

	e.logger.Info("Scheduled task started early", zap.String("task_id", taskID))
	return e.detail(taskID)
}

// Reschedule moves a scheduled task to a new future start time.
func (e *Engine) Reschedule(ctx context.Context, taskID string, when time.Time) (*v1.TaskDetail, error) {
	lock := e.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	cur, ok := e.snapshot(taskID)
	if !ok {
		return nil, errors.NotFound("task", taskID)
	}
	if cur.Status != v1.TaskStatusScheduled {
		return nil, errors.Conflict("Task is not scheduled.")
	}

	utc := when.UTC()
	if !utc.After(time.Now().UTC()) {
		return nil, errors.InvalidInput("Scheduled time must be in the future.")
	}

	if err := e.sched.Reschedule(taskID, utc); err != nil {
		if err := e.sched.Schedule(taskID, utc); err != nil {
			return nil, errors.InternalError("failed to reschedule task", err)
		}
	}

	next := cloneRecord(cur)
	next.ScheduledFor = &utc
	next.UpdatedAt = time.Now().UTC()
	if err := e.commit(next); err != nil {
		return nil, err
	}

	e.logger.Info("Task rescheduled",
		zap.String("task_id", taskID),
		zap.Time("scheduled_for", utc),
	)
	return e.detail(taskID)
}

// ResolveVNC authorizes a VNC connection attempt and returns the backend
// endpoint to bridge to. Implements the proxy's resolver contract.
func (e *Engine) ResolveVNC(taskID, token string) (string, error) {
	rec, ok := e.snapshot(taskID)
	if !ok {
		return "", errors.NotFound("task", taskID)
	}
	// A presented token is judged before the session state: a revoked or
	// mismatched token is a forbidden attempt even after the browser closed.
	if token == "" && !rec.BrowserOpen {
		return "", errors.NotFound("browser session", taskID)
	}
	if !e.broker.Authorize(taskID, token) {
		return "", errors.Forbidden("invalid VNC token")
	}
	upstream, ok := e.broker.Upstream(taskID)
	if !ok {
		return "", errors.NotFound("browser session", taskID)
	}
	return upstream, nil
}
