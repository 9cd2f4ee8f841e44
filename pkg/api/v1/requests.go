package v1

import "time"

// CreateTaskRequest is the body of POST /api/tasks. NodeID is only
// meaningful on the head, which uses it to pick the owning node.
type CreateTaskRequest struct {
	Title            string     `json:"title"`
	Instructions     string     `json:"instructions"`
	Model            string     `json:"model"`
	Temperature      *float64   `json:"temperature,omitempty"`
	MaxSteps         int        `json:"max_steps"`
	LeaveBrowserOpen bool       `json:"leave_browser_open"`
	ReasoningEffort  *string    `json:"reasoning_effort,omitempty"`
	ScheduledFor     *time.Time `json:"scheduled_for,omitempty"`
	NodeID           string     `json:"node_id,omitempty"`
}

// AssistRequest answers a task's pending assistance question.
type AssistRequest struct {
	Message string `json:"message"`
}

// ContinueRequest starts a follow-up run on an existing task.
type ContinueRequest struct {
	Instructions string `json:"instructions"`
}

// ScheduleRequest moves a scheduled task to a new start time.
type ScheduleRequest struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}
