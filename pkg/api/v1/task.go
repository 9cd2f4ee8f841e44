package v1

import "time"

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending         TaskStatus = "pending"
	TaskStatusScheduled       TaskStatus = "scheduled"
	TaskStatusRunning         TaskStatus = "running"
	TaskStatusWaitingForInput TaskStatus = "waiting_for_input"
	TaskStatusCompleted       TaskStatus = "completed"
	TaskStatusFailed          TaskStatus = "failed"
	TaskStatusStopped         TaskStatus = "stopped"
	TaskStatusCancelled       TaskStatus = "cancelled"
)

// IsTerminal reports whether the agent can no longer run for this status.
// Terminal tasks still allow browser open/close until they are deleted.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusStopped, TaskStatusCancelled:
		return true
	}
	return false
}

// Terminal reasons recorded in last_error
const (
	ReasonStepBudgetExceeded = "step_budget_exceeded"
	ReasonNodeRestart        = "node_restart"
	ReasonBrowserCrashed     = "browser_crashed"
	ReasonCancelled          = "cancelled"
)

// ChatRole identifies the author of a chat message
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
	ChatRoleSystem    ChatRole = "system"
)

// ChatMessage is a single entry in a task's conversation log
type ChatMessage struct {
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskStep is one captured agent step, ordered by StepNumber (1-based, gap-free)
type TaskStep struct {
	StepNumber    int                    `json:"step_number"`
	SummaryHTML   string                 `json:"summary_html"`
	CreatedAt     time.Time              `json:"created_at"`
	ScreenshotB64 *string                `json:"screenshot_b64,omitempty"`
	URL           *string                `json:"url,omitempty"`
	Title         *string                `json:"title,omitempty"`
	RawState      map[string]interface{} `json:"raw_state,omitempty"`
	RawOutput     map[string]interface{} `json:"raw_output,omitempty"`
}

// AssistanceRequest captures a runner's pending question and the operator's answer
type AssistanceRequest struct {
	Question     string     `json:"question"`
	RequestedAt  time.Time  `json:"requested_at"`
	RespondedAt  *time.Time `json:"responded_at,omitempty"`
	ResponseText *string    `json:"response_text,omitempty"`
}

// TaskRecord is the persisted state of a task and the authoritative copy of
// everything the UI renders for it
type TaskRecord struct {
	ID               string             `json:"id"`
	NodeID           string             `json:"node_id"`
	Title            string             `json:"title"`
	Instructions     string             `json:"instructions"`
	Status           TaskStatus         `json:"status"`
	LeaveBrowserOpen bool               `json:"leave_browser_open"`
	BrowserOpen      bool               `json:"browser_open"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	ScheduledFor     *time.Time         `json:"scheduled_for,omitempty"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
	LastError        *string            `json:"last_error,omitempty"`
	ResultSummary    *string            `json:"result_summary,omitempty"`
	ModelName        string             `json:"model_name"`
	Temperature      *float64           `json:"temperature,omitempty"`
	ReasoningEffort  *string            `json:"reasoning_effort,omitempty"`
	MaxSteps         int                `json:"max_steps"`
	StepCount        int                `json:"step_count"`
	NeedsAttention   bool               `json:"needs_attention"`
	Assistance       *AssistanceRequest `json:"assistance,omitempty"`
	VNCToken         string             `json:"vnc_token,omitempty"`

	// FollowUpInstructions accumulates the instructions passed to each
	// continue call, oldest first.
	FollowUpInstructions []string `json:"follow_up_instructions,omitempty"`
}

// TaskSummary is the trimmed record returned by list endpoints
type TaskSummary struct {
	ID               string     `json:"id"`
	NodeID           string     `json:"node_id"`
	Title            string     `json:"title"`
	Status           TaskStatus `json:"status"`
	BrowserOpen      bool       `json:"browser_open"`
	LeaveBrowserOpen bool       `json:"leave_browser_open"`
	NeedsAttention   bool       `json:"needs_attention"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ScheduledFor     *time.Time `json:"scheduled_for,omitempty"`
	StepCount        int        `json:"step_count"`
	ModelName        string     `json:"model_name"`
}

// TaskDetail is the full task payload: record plus step and chat logs
type TaskDetail struct {
	Record       TaskRecord    `json:"record"`
	Steps        []TaskStep    `json:"steps"`
	ChatHistory  []ChatMessage `json:"chat_history"`
	VNCLaunchURL *string       `json:"vnc_launch_url,omitempty"`
}

// TasksResponse wraps a task listing; Errors carries per-node fan-out failures
type TasksResponse struct {
	Tasks  []TaskSummary `json:"tasks"`
	Errors []NodeError   `json:"errors,omitempty"`
}

// VNCLaunchResponse carries a freshly rotated VNC launch URL
type VNCLaunchResponse struct {
	VNCLaunchURL string `json:"vnc_launch_url"`
}
