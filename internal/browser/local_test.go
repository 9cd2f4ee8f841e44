package browser

import (
	"context"
	"testing"

	"github.com/webai/webai/internal/common/config"
	"github.com/webai/webai/internal/common/logger"
)

func configFor(backend string) config.BrowserConfig {
	return config.BrowserConfig{
		Backend:         backend,
		Image:           "webai/browser:latest",
		VNCUpstreamAddr: "127.0.0.1:5902",
	}
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestLocalManagerOpenClose(t *testing.T) {
	m := NewLocalManager("127.0.0.1:5902", newTestLogger(t))
	ctx := context.Background()

	s, err := m.Open(ctx, "task-1", "/tmp/profile", "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if s.VNCAddr != "127.0.0.1:5902" {
		t.Errorf("VNCAddr = %q, want 127.0.0.1:5902", s.VNCAddr)
	}
	if s.TaskID != "task-1" {
		t.Errorf("TaskID = %q, want task-1", s.TaskID)
	}

	// Opening again returns the existing session.
	again, err := m.Open(ctx, "task-1", "/tmp/other", "")
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	if again != s {
		t.Error("expected Open to be idempotent for a live session")
	}

	got, ok := m.Get("task-1")
	if !ok || got != s {
		t.Error("Get did not return the live session")
	}

	if err := m.Close(ctx, "task-1"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := m.Get("task-1"); ok {
		t.Error("expected session to be gone after Close")
	}

	// Closing an unknown task is a no-op.
	if err := m.Close(ctx, "task-1"); err != nil {
		t.Errorf("Close of unknown task returned error: %v", err)
	}
}

func TestLocalManagerCloseAll(t *testing.T) {
	m := NewLocalManager("127.0.0.1:5902", newTestLogger(t))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.Open(ctx, id, "", ""); err != nil {
			t.Fatalf("Open(%s) failed: %v", id, err)
		}
	}

	m.CloseAll(ctx)

	for _, id := range []string{"a", "b", "c"} {
		if _, ok := m.Get(id); ok {
			t.Errorf("expected session %s to be gone after CloseAll", id)
		}
	}
}

func TestNewSelectsBackend(t *testing.T) {
	log := newTestLogger(t)

	m, err := New(configFor("local"), log)
	if err != nil {
		t.Fatalf("New(local) failed: %v", err)
	}
	if _, ok := m.(*LocalManager); !ok {
		t.Errorf("New(local) = %T, want *LocalManager", m)
	}

	if _, err := New(configFor("bogus"), log); err == nil {
		t.Error("expected error for unknown backend")
	}
}
