// Package openai implements the default agent runner on the OpenAI chat
// completions API. The model plans one browsing step per turn and signals
// assistance requests and completion through marker actions; the engine
// records the steps and owns all task state.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"github.com/webai/webai/internal/agent"
	"github.com/webai/webai/internal/common/config"
	"github.com/webai/webai/internal/common/logger"
)

const (
	actionStep     = "step"
	actionAskHuman = "ask_human"
	actionFinish   = "finish"

	// maxFormatRetries bounds how often a malformed reply is sent back
	// for correction before the run fails.
	maxFormatRetries = 3
)

const systemPrompt = `You control a web browser to complete the user's task. Work one step at a time.

Every reply must be exactly one JSON object with no prose around it, in one of these forms:

{"action":"step","title":"<short page title>","summary":"<what you did and observed>","url":"<current page URL>"}
  Record one completed browsing step.

{"action":"ask_human","question":"<what you need from the operator>"}
  Pause when you are blocked on something only the operator can provide
  (credentials, a CAPTCHA, a confirmation before an irreversible action).

{"action":"finish","result":"<final answer for the user>"}
  End the run once the goal is met.

Keep summaries short and factual. Never report a step you did not take.`

var _ agent.Runner = (*Runner)(nil)

// Runner asks the model for one action per turn until it finishes, asks
// for help, or the engine aborts the run.
type Runner struct {
	client openai.Client
	logger *logger.Logger
}

// NewRunner builds the runner from the agent configuration. An empty base
// URL targets the public API.
func NewRunner(cfg config.AgentConfig, log *logger.Logger) *Runner {
	opts := []option.RequestOption{option.WithAPIKey(cfg.OpenAIAPIKey)}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.OpenAIBaseURL))
	}
	return &Runner{
		client: openai.NewClient(opts...),
		logger: log.WithFields(zap.String("component", "agent-openai")),
	}
}

// planAction is the wire shape of one model turn.
type planAction struct {
	Action   string `json:"action"`
	Title    string `json:"title,omitempty"`
	Summary  string `json:"summary,omitempty"`
	URL      string `json:"url,omitempty"`
	Question string `json:"question,omitempty"`
	Result   string `json:"result,omitempty"`
}

// Run implements agent.Runner.
func (r *Runner) Run(ctx context.Context, run agent.Run, cb agent.Callbacks) agent.Outcome {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(initialMessage(run)),
	}

	// The engine rejects steps past the budget; the turn cap only guards
	// against a model that loops without stepping or finishing.
	maxTurns := run.StepBudget*2 + 8
	formatRetries := 0

	for turn := 0; turn < maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return agent.Outcome{Err: err}
		}

		params := openai.ChatCompletionNewParams{
			Model:    shared.ChatModel(run.Model),
			Messages: messages,
		}
		if run.Temperature != nil {
			params.Temperature = openai.Float(*run.Temperature)
		}
		if run.ReasoningEffort != "" {
			params.ReasoningEffort = shared.ReasoningEffort(run.ReasoningEffort)
		}

		completion, err := r.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return agent.Outcome{Err: fmt.Errorf("chat completion failed: %w", err)}
		}
		if len(completion.Choices) == 0 {
			return agent.Outcome{Err: errors.New("chat completion returned no choices")}
		}
		reply := completion.Choices[0].Message.Content
		messages = append(messages, openai.AssistantMessage(reply))

		act, err := extractAction(reply)
		if err != nil {
			formatRetries++
			if formatRetries > maxFormatRetries {
				return agent.Outcome{Err: fmt.Errorf("model kept producing invalid actions: %w", err)}
			}
			r.logger.Warn("Model reply was not a valid action",
				zap.String("task_id", run.TaskID),
				zap.Error(err),
			)
			messages = append(messages, openai.UserMessage(
				"That reply was not a single valid JSON action object. Respond again with exactly one JSON object and nothing else."))
			continue
		}
		formatRetries = 0

		switch act.Action {
		case actionStep:
			step := agent.StepData{
				Title:       act.Title,
				SummaryHTML: act.Summary,
				URL:         act.URL,
			}
			if err := cb.OnStep(step); err != nil {
				return agent.Outcome{Err: err}
			}
			messages = append(messages, openai.UserMessage("Step recorded. Continue with the next action."))

		case actionAskHuman:
			answer, err := cb.OnAskHuman(ctx, act.Question)
			if err != nil {
				return agent.Outcome{Err: err}
			}
			messages = append(messages, openai.UserMessage("Operator response: "+answer))

		case actionFinish:
			return agent.Outcome{Completed: true, ResultSummary: act.Result}
		}
	}

	return agent.Outcome{Err: errors.New("run exceeded the planning turn limit")}
}

// initialMessage composes the first user turn from the task prompt and,
// for continuations, the restored page.
func initialMessage(run agent.Run) string {
	msg := run.Prompt
	if run.ResumeURL != "" {
		msg += "\n\nThe browser session was restored at " + run.ResumeURL + "."
	}
	return msg
}

// extractAction parses the model reply into an action. Replies wrapped in
// code fences or surrounded by prose are tolerated by slicing the
// outermost JSON object.
func extractAction(reply string) (*planAction, error) {
	text := strings.TrimSpace(reply)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, errors.New("reply contains no JSON object")
	}

	var act planAction
	if err := json.Unmarshal([]byte(text[start:end+1]), &act); err != nil {
		return nil, fmt.Errorf("failed to decode action: %w", err)
	}

	switch act.Action {
	case actionStep:
		if act.Summary == "" && act.Title == "" && act.URL == "" {
			return nil, errors.New("step action carries no content")
		}
	case actionAskHuman:
		if act.Question == "" {
			return nil, errors.New("ask_human action is missing its question")
		}
	case actionFinish:
	default:
		return nil, fmt.Errorf("unknown action %q", act.Action)
	}
	return &act, nil
}
