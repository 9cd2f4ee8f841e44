// Package store persists task state under the node's data root. Files are
// the sole source of truth: every record mutation lands via atomic rename,
// and the step/chat logs are append-only with a torn tail dropped at load.
package store

import (
	v1 "github.com/webai/webai/pkg/api/v1"
)

// PersistedTask is everything on disk for one task.
type PersistedTask struct {
	Record *v1.TaskRecord
	Steps  []v1.TaskStep
	Chat   []v1.ChatMessage
}

// Store defines the persistence operations the engine relies on.
type Store interface {
	// SaveRecord writes the record for rec.ID all-or-nothing.
	SaveRecord(rec *v1.TaskRecord) error

	// LoadRecord reads one task record.
	LoadRecord(taskID string) (*v1.TaskRecord, error)

	// LoadAll scans the data root and returns every loadable task.
	// Unreadable task directories are skipped, not fatal.
	LoadAll() ([]*PersistedTask, error)

	// AppendStep appends one step to the task's step log.
	AppendStep(taskID string, step v1.TaskStep) error

	// AppendChat appends one message to the task's chat log.
	AppendChat(taskID string, msg v1.ChatMessage) error

	// LoadSteps reads the step log in append order.
	LoadSteps(taskID string) ([]v1.TaskStep, error)

	// LoadChat reads the chat log in append order.
	LoadChat(taskID string) ([]v1.ChatMessage, error)

	// BrowserDir returns the task's browser profile directory, creating
	// it if needed.
	BrowserDir(taskID string) (string, error)

	// Delete removes everything stored for a task.
	Delete(taskID string) error
}
