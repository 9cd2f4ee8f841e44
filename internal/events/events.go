// Package events defines the task lifecycle subjects published by a node
// and a typed publisher the engine uses to emit them.
package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/webai/webai/internal/common/logger"
	"github.com/webai/webai/internal/events/bus"
	v1 "github.com/webai/webai/pkg/api/v1"
)

// Subjects for task lifecycle events.
const (
	SubjectTaskCreated         = "task.created"
	SubjectTaskStatusChanged   = "task.status.changed"
	SubjectTaskStepAppended    = "task.step.appended"
	SubjectTaskAssistRequested = "task.assist.requested"
)

// SubjectTaskAll matches every task event.
const SubjectTaskAll = "task.>"

// Publisher emits task lifecycle events. Publishing is advisory: failures
// are logged and never surfaced to the caller, so a broken bus cannot stall
// the engine.
type Publisher struct {
	bus    bus.EventBus
	source string
	logger *logger.Logger
}

// NewPublisher creates a publisher that stamps events with the given source.
func NewPublisher(b bus.EventBus, source string, log *logger.Logger) *Publisher {
	return &Publisher{
		bus:    b,
		source: source,
		logger: log.WithFields(zap.String("component", "events")),
	}
}

// TaskCreated announces a newly persisted task.
func (p *Publisher) TaskCreated(ctx context.Context, rec *v1.TaskRecord) {
	p.publish(ctx, SubjectTaskCreated, map[string]interface{}{
		"task_id": rec.ID,
		"node_id": rec.NodeID,
		"status":  string(rec.Status),
		"title":   rec.Title,
	})
}

// TaskStatusChanged announces a task status transition.
func (p *Publisher) TaskStatusChanged(ctx context.Context, taskID string, from, to v1.TaskStatus) {
	p.publish(ctx, SubjectTaskStatusChanged, map[string]interface{}{
		"task_id": taskID,
		"from":    string(from),
		"to":      string(to),
	})
}

// TaskStepAppended announces a recorded agent step.
func (p *Publisher) TaskStepAppended(ctx context.Context, taskID string, stepNumber int) {
	p.publish(ctx, SubjectTaskStepAppended, map[string]interface{}{
		"task_id":     taskID,
		"step_number": stepNumber,
	})
}

// TaskAssistRequested announces that a runner is waiting on a human.
func (p *Publisher) TaskAssistRequested(ctx context.Context, taskID, question string) {
	p.publish(ctx, SubjectTaskAssistRequested, map[string]interface{}{
		"task_id":  taskID,
		"question": question,
	})
}

func (p *Publisher) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if p == nil || p.bus == nil {
		return
	}
	event := bus.NewEvent(subject, p.source, data)
	if err := p.bus.Publish(ctx, subject, event); err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
