package events

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/webai/webai/internal/common/logger"
	"github.com/webai/webai/internal/events/bus"
)

// NotificationLogger subscribes to every task event and writes one log line
// per delivery. It is the node's built-in event consumer: operators tailing
// the log see the same lifecycle stream an external subscriber would.
type NotificationLogger struct {
	sub    bus.Subscription
	logger *logger.Logger
	seen   atomic.Int64
}

// StartNotificationLogger subscribes a NotificationLogger to all task
// subjects on the given bus.
func StartNotificationLogger(b bus.EventBus, log *logger.Logger) (*NotificationLogger, error) {
	nl := &NotificationLogger{
		logger: log.WithFields(zap.String("component", "notifications")),
	}
	sub, err := b.Subscribe(SubjectTaskAll, nl.handle)
	if err != nil {
		return nil, err
	}
	nl.sub = sub
	return nl, nil
}

func (nl *NotificationLogger) handle(_ context.Context, event *bus.Event) error {
	nl.seen.Add(1)
	taskID, _ := event.Data["task_id"].(string)
	nl.logger.Info("Task event",
		zap.String("subject", event.Type),
		zap.String("task_id", taskID),
		zap.String("source", event.Source),
	)
	return nil
}

// Seen reports how many events have been delivered so far.
func (nl *NotificationLogger) Seen() int64 {
	return nl.seen.Load()
}

// Stop cancels the subscription.
func (nl *NotificationLogger) Stop() {
	if nl.sub != nil {
		_ = nl.sub.Unsubscribe()
	}
}
