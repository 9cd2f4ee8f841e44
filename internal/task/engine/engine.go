// Package engine owns the task lifecycle: it persists records through the
// store, supervises one runner per task, enforces the status state machine,
// and keeps the browser sessions and VNC tokens consistent with it.
package engine

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/webai/webai/internal/agent"
	"github.com/webai/webai/internal/browser"
	"github.com/webai/webai/internal/common/config"
	"github.com/webai/webai/internal/common/errors"
	"github.com/webai/webai/internal/common/logger"
	"github.com/webai/webai/internal/events"
	"github.com/webai/webai/internal/metrics"
	"github.com/webai/webai/internal/model"
	"github.com/webai/webai/internal/task/scheduler"
	"github.com/webai/webai/internal/task/store"
	"github.com/webai/webai/internal/vnc"
	v1 "github.com/webai/webai/pkg/api/v1"
)

// errStepBudgetExceeded aborts a runner whose next step would pass the
// task's max_steps. The supervisor maps it to the terminal reason.
var errStepBudgetExceeded = stderrors.New("step budget exceeded")

// stopKind records why a live run's context was cancelled, so the
// supervisor knows which terminal state (if any) it owns.
type stopKind int

const (
	stopNone stopKind = iota
	stopRequested
	stopDeleted
	stopShutdown
)

// pendingAssist is the one-shot channel an ask-human wait blocks on.
type pendingAssist struct {
	question string
	ch       chan string
}

// liveRun tracks one supervised runner.
type liveRun struct {
	taskID    string
	prompt    string
	resumeURL string
	cancel    context.CancelFunc
	done      chan struct{}

	mu     sync.Mutex
	assist *pendingAssist
	kind   stopKind
}

// markStop records the cancellation cause; the first cause wins.
func (lr *liveRun) markStop(kind stopKind) {
	lr.mu.Lock()
	if lr.kind == stopNone {
		lr.kind = kind
	}
	lr.mu.Unlock()
}

func (lr *liveRun) stopCause() stopKind {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.kind
}

// setAssist arms the one-shot assist channel.
func (lr *liveRun) setAssist(pa *pendingAssist) {
	lr.mu.Lock()
	lr.assist = pa
	lr.mu.Unlock()
}

// takeAssist claims the pending assist; only one claimant wins.
func (lr *liveRun) takeAssist() (*pendingAssist, bool) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	pa := lr.assist
	lr.assist = nil
	return pa, pa != nil
}

// Deps bundles everything the engine needs. All fields are required
// except Events, which may be a no-op publisher.
type Deps struct {
	Node     config.NodeConfig
	Agent    config.AgentConfig
	Store    store.Store
	Runner   agent.Runner
	Browsers browser.Manager
	Broker   *vnc.Broker
	Catalog  *model.Catalog
	Events   *events.Publisher
	Logger   *logger.Logger
}

// Engine drives every task on this node.
type Engine struct {
	nodeCfg  config.NodeConfig
	agentCfg config.AgentConfig

	store    store.Store
	runner   agent.Runner
	browsers browser.Manager
	broker   *vnc.Broker
	sched    *scheduler.Scheduler
	catalog  *model.Catalog
	events   *events.Publisher
	logger   *logger.Logger

	// mu guards the three maps. Stored records are immutable snapshots:
	// mutations build a clone and swap it in after the store write
	// succeeds, so readers never see a half-updated record.
	mu      sync.RWMutex
	records map[string]*v1.TaskRecord
	active  map[string]*liveRun
	locks   map[string]*sync.Mutex

	// runSlots bounds concurrent runners; nil means unbounded.
	runSlots *semaphore.Weighted

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	started bool
}

// New creates an engine. Start must be called before serving requests.
func New(deps Deps) *Engine {
	e := &Engine{
		nodeCfg:  deps.Node,
		agentCfg: deps.Agent,
		store:    deps.Store,
		runner:   deps.Runner,
		browsers: deps.Browsers,
		broker:   deps.Broker,
		catalog:  deps.Catalog,
		events:   deps.Events,
		logger:   deps.Logger.WithFields(zap.String("component", "task-engine")),
		records:  make(map[string]*v1.TaskRecord),
		active:   make(map[string]*liveRun),
		locks:    make(map[string]*sync.Mutex),
	}
	if deps.Node.MaxConcurrentRuns > 0 {
		e.runSlots = semaphore.NewWeighted(int64(deps.Node.MaxConcurrentRuns))
	}
	e.sched = scheduler.NewScheduler(e.onScheduleFire, deps.Logger, scheduler.SchedulerConfig{
		TickInterval: deps.Node.ScheduleCheckInterval(),
	})
	return e
}

// Start loads persisted tasks, applies restart recovery, and starts the
// scheduler. Tasks that had a live runner before the restart are marked
// failed: their in-process state did not survive.
func (e *Engine) Start(ctx context.Context) error {
	e.rootCtx, e.cancel = context.WithCancel(ctx)

	persisted, err := e.store.LoadAll()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, t := range persisted {
		rec := cloneRecord(t.Record)
		changed := false

		if rec.BrowserOpen || rec.VNCToken != "" {
			rec.BrowserOpen = false
			rec.VNCToken = ""
			changed = true
		}

		// The step log is the source of truth for the step count: a crash
		// between appending a step and rewriting the record leaves them out
		// of sync.
		if rec.StepCount != len(t.Steps) {
			e.logger.Warn("Task record step count disagrees with step log, reconciling",
				zap.String("task_id", rec.ID),
				zap.Int("record_count", rec.StepCount),
				zap.Int("log_count", len(t.Steps)))
			rec.StepCount = len(t.Steps)
			changed = true
		}

		switch rec.Status {
		case v1.TaskStatusRunning, v1.TaskStatusWaitingForInput, v1.TaskStatusPending:
			reason := v1.ReasonNodeRestart
			rec.Status = v1.TaskStatusFailed
			rec.LastError = &reason
			rec.NeedsAttention = false
			changed = true
			e.logger.Warn("Task had a live run before restart, marking failed",
				zap.String("task_id", rec.ID))
		case v1.TaskStatusScheduled:
			if rec.ScheduledFor == nil {
				reason := v1.ReasonNodeRestart
				rec.Status = v1.TaskStatusFailed
				rec.LastError = &reason
				changed = true
			} else if err := e.sched.Schedule(rec.ID, *rec.ScheduledFor); err != nil {
				e.logger.Error("Failed to re-enqueue scheduled task",
					zap.String("task_id", rec.ID),
					zap.Error(err))
			}
		}

		if changed {
			rec.UpdatedAt = now
			if err := e.store.SaveRecord(rec); err != nil {
				e.logger.Error("Failed to persist recovered task",
					zap.String("task_id", rec.ID),
					zap.Error(err))
			}
		}

		e.records[rec.ID] = rec
	}

	if err := e.sched.Start(e.rootCtx); err != nil {
		return err
	}

	e.started = true
	e.logger.Info("Task engine started",
		zap.Int("tasks_loaded", len(e.records)),
		zap.Int("max_concurrent_runs", e.nodeCfg.MaxConcurrentRuns),
	)
	return nil
}

// Shutdown cancels all live runs and waits for them up to the stop grace
// period. Records are not rewritten here: an interrupted run is handled
// by restart recovery, same as a crash.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, lr := range e.active {
		lr.markStop(stopShutdown)
	}
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}

	doneCh := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(e.nodeCfg.StopGrace()):
		e.logger.Warn("Timed out waiting for live runs to exit")
	}

	if err := e.sched.Stop(); err != nil && !stderrors.Is(err, scheduler.ErrSchedulerNotRunning) {
		e.logger.Warn("Scheduler stop failed", zap.Error(err))
	}
	e.browsers.CloseAll(context.Background())
	e.logger.Info("Task engine stopped")
}

// Scheduler exposes queue introspection for the node info endpoint.
func (e *Engine) Scheduler() *scheduler.Scheduler {
	return e.sched
}

// taskLock returns the per-task operation mutex, creating it on first use.
// Operations hold it for their whole read-modify-write span so invariant
// checks and the following commit are atomic per task.
func (e *Engine) taskLock(taskID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[taskID] = l
	}
	return l
}

// snapshot returns the current immutable record, if the task exists.
func (e *Engine) snapshot(taskID string) (*v1.TaskRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[taskID]
	return rec, ok
}

// commit persists the record and only then publishes it to the in-memory
// map, so a failed write leaves the previous snapshot visible.
func (e *Engine) commit(rec *v1.TaskRecord) error {
	if err := e.store.SaveRecord(rec); err != nil {
		return errors.InternalError("failed to persist task record", err)
	}
	e.mu.Lock()
	e.records[rec.ID] = rec
	e.mu.Unlock()
	return nil
}

// liveRunFor returns the task's live run, if any.
func (e *Engine) liveRunFor(taskID string) (*liveRun, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	lr, ok := e.active[taskID]
	return lr, ok
}

// startRun registers a live run for the task and launches its supervisor.
// The caller must hold the task lock and have already persisted the
// record state the run starts from.
func (e *Engine) startRun(taskID, prompt, resumeURL string) error {
	e.mu.Lock()
	if _, live := e.active[taskID]; live {
		e.mu.Unlock()
		return errors.Conflict("Task already has a live run.")
	}
	if !e.started || e.rootCtx.Err() != nil {
		e.mu.Unlock()
		return errors.Conflict("Node is shutting down.")
	}
	runCtx, cancel := context.WithCancel(e.rootCtx)
	lr := &liveRun{
		taskID:    taskID,
		prompt:    prompt,
		resumeURL: resumeURL,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	e.active[taskID] = lr
	e.wg.Add(1)
	e.mu.Unlock()

	metrics.ActiveRuns.Inc()
	go e.supervise(lr, runCtx)
	return nil
}

// clearActive removes the run from the active map.
func (e *Engine) clearActive(taskID string) {
	e.mu.Lock()
	delete(e.active, taskID)
	e.mu.Unlock()
	metrics.ActiveRuns.Dec()
}

// onScheduleFire promotes a due scheduled task and launches it.
func (e *Engine) onScheduleFire(taskID string) {
	lock := e.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	cur, ok := e.snapshot(taskID)
	if !ok || cur.Status != v1.TaskStatusScheduled {
		return
	}

	next := cloneRecord(cur)
	next.Status = v1.TaskStatusPending
	next.ScheduledFor = nil
	next.UpdatedAt = time.Now().UTC()
	if err := e.commit(next); err != nil {
		e.logger.Error("Failed to promote scheduled task",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}
	e.events.TaskStatusChanged(context.Background(), taskID, cur.Status, next.Status)

	if err := e.startRun(taskID, next.Instructions, ""); err != nil {
		e.logger.Warn("Scheduled task could not start",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// cloneRecord deep-copies a record so snapshots stay immutable.
func cloneRecord(rec *v1.TaskRecord) *v1.TaskRecord {
	out := *rec
	out.ScheduledFor = cloneTimePtr(rec.ScheduledFor)
	out.CompletedAt = cloneTimePtr(rec.CompletedAt)
	out.LastError = cloneStringPtr(rec.LastError)
	out.ResultSummary = cloneStringPtr(rec.ResultSummary)
	out.ReasoningEffort = cloneStringPtr(rec.ReasoningEffort)
	if rec.Temperature != nil {
		t := *rec.Temperature
		out.Temperature = &t
	}
	if rec.Assistance != nil {
		a := *rec.Assistance
		a.RespondedAt = cloneTimePtr(rec.Assistance.RespondedAt)
		a.ResponseText = cloneStringPtr(rec.Assistance.ResponseText)
		out.Assistance = &a
	}
	if rec.FollowUpInstructions != nil {
		out.FollowUpInstructions = make([]string, len(rec.FollowUpInstructions))
		copy(out.FollowUpInstructions, rec.FollowUpInstructions)
	}
	return &out
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
