// Package scheduler fires tasks whose scheduled start time has arrived.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webai/webai/internal/common/logger"
	"go.uber.org/zap"
)

// Common errors
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
	ErrAlreadyScheduled        = errors.New("task is already scheduled")
	ErrNotScheduled            = errors.New("task is not scheduled")
)

// FireFunc is invoked once per task when its due time arrives.
// It must return quickly; long work belongs on the caller's side.
type FireFunc func(taskID string)

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	TickInterval time.Duration // How often to check for due tasks
}

// DefaultSchedulerConfig returns default configuration
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		TickInterval: 1 * time.Second,
	}
}

// QueueStatus contains queue statistics
type QueueStatus struct {
	ScheduledTasks int
	TotalFired     int64
}

// Scheduler watches the due-time queue and fires tasks as they come due.
type Scheduler struct {
	queue  *dueQueue
	fire   FireFunc
	logger *logger.Logger
	config SchedulerConfig
	now    func() time.Time

	// Statistics
	totalFired int64

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a new scheduler
func NewScheduler(fire FireFunc, log *logger.Logger, config SchedulerConfig) *Scheduler {
	return &Scheduler{
		queue:  newDueQueue(),
		fire:   fire,
		logger: log.WithFields(zap.String("component", "scheduler")),
		config: config,
		now:    time.Now,
	}
}

// Start begins the scheduler processing loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		zap.Duration("tick_interval", s.config.TickInterval))

	s.wg.Add(1)
	go s.processLoop(ctx)

	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning returns true if the scheduler is active
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Schedule queues a task to fire at the given time.
func (s *Scheduler) Schedule(taskID string, dueAt time.Time) error {
	if err := s.queue.add(taskID, dueAt); err != nil {
		return err
	}
	s.logger.Info("task scheduled",
		zap.String("task_id", taskID),
		zap.Time("due_at", dueAt))
	return nil
}

// Reschedule moves a queued task to a new due time.
func (s *Scheduler) Reschedule(taskID string, dueAt time.Time) error {
	if err := s.queue.reschedule(taskID, dueAt); err != nil {
		return err
	}
	s.logger.Info("task rescheduled",
		zap.String("task_id", taskID),
		zap.Time("due_at", dueAt))
	return nil
}

// Cancel removes a task from the queue before it fires.
func (s *Scheduler) Cancel(taskID string) bool {
	removed := s.queue.remove(taskID)
	if removed {
		s.logger.Info("removed task from schedule", zap.String("task_id", taskID))
	}
	return removed
}

// DueAt reports the due time of a queued task.
func (s *Scheduler) DueAt(taskID string) (time.Time, bool) {
	return s.queue.dueAt(taskID)
}

// NextDue reports the earliest due time in the queue.
func (s *Scheduler) NextDue() (time.Time, bool) {
	return s.queue.nextDue()
}

// List returns all queued tasks.
func (s *Scheduler) List() []ScheduledTask {
	return s.queue.list()
}

// GetQueueStatus returns the current queue status
func (s *Scheduler) GetQueueStatus() *QueueStatus {
	return &QueueStatus{
		ScheduledTasks: s.queue.len(),
		TotalFired:     atomic.LoadInt64(&s.totalFired),
	}
}

// processLoop is the main processing loop
func (s *Scheduler) processLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler processing loop started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping due to context cancellation")
			return
		case <-s.stopCh:
			s.logger.Info("scheduler stopping due to stop signal")
			return
		case <-ticker.C:
			s.processDue(ctx)
		}
	}
}

// processDue fires every task whose due time has passed
func (s *Scheduler) processDue(ctx context.Context) {
	now := s.now()
	for {
		// Check if we should stop
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		st := s.queue.popDue(now)
		if st == nil {
			// Nothing due yet
			return
		}

		atomic.AddInt64(&s.totalFired, 1)
		s.logger.Info("scheduled task is due",
			zap.String("task_id", st.TaskID),
			zap.Time("due_at", st.DueAt))
		s.fire(st.TaskID)
	}
}
