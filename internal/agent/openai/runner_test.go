package openai

import (
	"strings"
	"testing"

	"github.com/webai/webai/internal/agent"
)

func TestExtractActionStep(t *testing.T) {
	act, err := extractAction(`{"action":"step","title":"Results","summary":"Searched for release notes","url":"https://example.com/search"}`)
	if err != nil {
		t.Fatalf("extractAction failed: %v", err)
	}
	if act.Action != actionStep {
		t.Fatalf("expected step action, got %q", act.Action)
	}
	if act.Title != "Results" || act.URL != "https://example.com/search" {
		t.Fatalf("unexpected step fields: %+v", act)
	}
}

func TestExtractActionToleratesFences(t *testing.T) {
	reply := "```json\n{\"action\":\"finish\",\"result\":\"All done\"}\n```"
	act, err := extractAction(reply)
	if err != nil {
		t.Fatalf("extractAction failed: %v", err)
	}
	if act.Action != actionFinish || act.Result != "All done" {
		t.Fatalf("unexpected action: %+v", act)
	}
}

func TestExtractActionToleratesProse(t *testing.T) {
	reply := "Sure, here is the next step:\n{\"action\":\"ask_human\",\"question\":\"What is the 2FA code?\"}\nLet me know."
	act, err := extractAction(reply)
	if err != nil {
		t.Fatalf("extractAction failed: %v", err)
	}
	if act.Question != "What is the 2FA code?" {
		t.Fatalf("unexpected question: %q", act.Question)
	}
}

func TestExtractActionRejectsUnknown(t *testing.T) {
	if _, err := extractAction(`{"action":"reboot"}`); err == nil {
		t.Fatal("expected unknown action to be rejected")
	}
}

func TestExtractActionRejectsEmptyAskHuman(t *testing.T) {
	if _, err := extractAction(`{"action":"ask_human"}`); err == nil {
		t.Fatal("expected ask_human without question to be rejected")
	}
}

func TestExtractActionRejectsEmptyStep(t *testing.T) {
	if _, err := extractAction(`{"action":"step"}`); err == nil {
		t.Fatal("expected empty step to be rejected")
	}
}

func TestExtractActionRejectsNonJSON(t *testing.T) {
	if _, err := extractAction("I could not decide what to do next."); err == nil {
		t.Fatal("expected prose-only reply to be rejected")
	}
}

func TestInitialMessageIncludesResumeURL(t *testing.T) {
	run := agent.Run{Prompt: "Find the pricing page.", ResumeURL: "https://example.com/docs"}
	msg := initialMessage(run)
	if !strings.HasPrefix(msg, "Find the pricing page.") {
		t.Fatalf("prompt missing from message: %q", msg)
	}
	if !strings.Contains(msg, "restored at https://example.com/docs") {
		t.Fatalf("resume URL missing from message: %q", msg)
	}
}

func TestInitialMessageWithoutResume(t *testing.T) {
	msg := initialMessage(agent.Run{Prompt: "Find the pricing page."})
	if msg != "Find the pricing page." {
		t.Fatalf("unexpected message: %q", msg)
	}
}
