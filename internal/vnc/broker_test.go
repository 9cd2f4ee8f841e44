package vnc

import (
	"strings"
	"testing"

	"github.com/webai/webai/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestBrokerMintAuthorize(t *testing.T) {
	b := NewBroker(newTestLogger(t))

	token, err := b.Mint("task-1", "127.0.0.1:5902")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if strings.ContainsAny(token, "+/=") {
		t.Errorf("token %q is not URL-safe", token)
	}

	if !b.Authorize("task-1", token) {
		t.Error("expected minted token to authorize")
	}
	if b.Authorize("task-1", "wrong") {
		t.Error("expected mismatched token to be refused")
	}
	if b.Authorize("task-1", "") {
		t.Error("expected empty token to be refused")
	}
	if b.Authorize("task-2", token) {
		t.Error("expected token to be scoped to its task")
	}

	upstream, ok := b.Upstream("task-1")
	if !ok || upstream != "127.0.0.1:5902" {
		t.Errorf("Upstream = %q, %v; want 127.0.0.1:5902, true", upstream, ok)
	}
}

func TestBrokerMintRotatesToken(t *testing.T) {
	b := NewBroker(newTestLogger(t))

	first, err := b.Mint("task-1", "127.0.0.1:5902")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	second, err := b.Mint("task-1", "127.0.0.1:5902")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if first == second {
		t.Fatal("expected rotation to produce a different token")
	}

	if b.Authorize("task-1", first) {
		t.Error("expected previous token to be invalid after rotation")
	}
	if !b.Authorize("task-1", second) {
		t.Error("expected current token to authorize")
	}
}

func TestBrokerRevoke(t *testing.T) {
	b := NewBroker(newTestLogger(t))

	token, err := b.Mint("task-1", "127.0.0.1:5902")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	b.Revoke("task-1")

	if b.Authorize("task-1", token) {
		t.Error("expected revoked token to be refused")
	}
	if _, ok := b.Token("task-1"); ok {
		t.Error("expected no token after revoke")
	}
	if _, ok := b.Upstream("task-1"); ok {
		t.Error("expected no upstream after revoke")
	}

	// Revoking a task without a token is a no-op.
	b.Revoke("task-1")
}

func TestLaunchPath(t *testing.T) {
	got := LaunchPath("abc", "tok123")
	want := "/vnc/abc?token=tok123"
	if got != want {
		t.Errorf("LaunchPath = %q, want %q", got, want)
	}
}
