package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/webai/webai/internal/common/logger"
	v1 "github.com/webai/webai/pkg/api/v1"
)

func newTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	dataRoot := t.TempDir()
	s, err := NewFileStore(dataRoot, log)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s, dataRoot
}

func sampleRecord(id string) *v1.TaskRecord {
	now := time.Now().UTC().Truncate(time.Second)
	temp := 0.3
	return &v1.TaskRecord{
		ID:           id,
		NodeID:       "node-1",
		Title:        "compare hotel prices",
		Instructions: "find the cheapest room for next weekend",
		Status:       v1.TaskStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		ModelName:    "gpt-5-mini",
		Temperature:  &temp,
		MaxSteps:     80,
	}
}

func TestSaveAndLoadRecord(t *testing.T) {
	s, _ := newTestStore(t)

	rec := sampleRecord("t1")
	if err := s.SaveRecord(rec); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := s.LoadRecord("t1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got.ID != rec.ID || got.Title != rec.Title || got.Status != rec.Status {
		t.Errorf("loaded record differs: %+v", got)
	}
	if got.Temperature == nil || *got.Temperature != 0.3 {
		t.Errorf("temperature not preserved: %v", got.Temperature)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("created_at drifted: got %v want %v", got.CreatedAt, rec.CreatedAt)
	}
}

func TestSaveRecordLeavesNoTempFiles(t *testing.T) {
	s, _ := newTestStore(t)

	rec := sampleRecord("t1")
	for i := 0; i < 5; i++ {
		rec.StepCount = i
		if err := s.SaveRecord(rec); err != nil {
			t.Fatalf("save %d failed: %v", i, err)
		}
	}

	entries, err := os.ReadDir(s.TaskDir("t1"))
	if err != nil {
		t.Fatalf("read task dir: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp") {
			t.Errorf("leftover temp file: %s", entry.Name())
		}
	}

	got, err := s.LoadRecord("t1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got.StepCount != 4 {
		t.Errorf("got step_count %d, want 4 (last write wins)", got.StepCount)
	}
}

func TestLoadAllSkipsDamagedDirectories(t *testing.T) {
	s, dataRoot := newTestStore(t)

	if err := s.SaveRecord(sampleRecord("good-1")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := s.SaveRecord(sampleRecord("good-2")); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// A directory with a corrupt record must be skipped without failing
	// the whole scan.
	brokenDir := filepath.Join(dataRoot, "tasks", "broken")
	if err := os.MkdirAll(brokenDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(brokenDir, "record.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatalf("write corrupt record: %v", err)
	}
	// An empty directory (no record yet) is skipped too.
	if err := os.MkdirAll(filepath.Join(dataRoot, "tasks", "empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Stray files at the top level are ignored.
	if err := os.WriteFile(filepath.Join(dataRoot, "tasks", "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	tasks, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	seen := map[string]bool{}
	for _, pt := range tasks {
		seen[pt.Record.ID] = true
	}
	if !seen["good-1"] || !seen["good-2"] {
		t.Errorf("missing expected tasks: %v", seen)
	}
}

func TestAppendAndLoadSteps(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.SaveRecord(sampleRecord("t1")); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	for i := 1; i <= 3; i++ {
		step := v1.TaskStep{
			StepNumber:  i,
			SummaryHTML: "<p>did a thing</p>",
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.AppendStep("t1", step); err != nil {
			t.Fatalf("append step %d failed: %v", i, err)
		}
	}

	steps, err := s.LoadSteps("t1")
	if err != nil {
		t.Fatalf("load steps failed: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(steps))
	}
	for i, step := range steps {
		if step.StepNumber != i+1 {
			t.Errorf("step %d has number %d, want %d", i, step.StepNumber, i+1)
		}
	}
}

func TestLoadStepsMissingFile(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.SaveRecord(sampleRecord("t1")); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	steps, err := s.LoadSteps("t1")
	if err != nil {
		t.Fatalf("load steps failed: %v", err)
	}
	if len(steps) != 0 {
		t.Errorf("got %d steps, want 0", len(steps))
	}
}

func TestTornTailIsDroppedAndTruncated(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.SaveRecord(sampleRecord("t1")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	for i := 1; i <= 2; i++ {
		if err := s.AppendStep("t1", v1.TaskStep{StepNumber: i, SummaryHTML: "ok", CreatedAt: time.Now().UTC()}); err != nil {
			t.Fatalf("append step %d failed: %v", i, err)
		}
	}

	// Simulate a crash mid-append: raw partial JSON with no newline.
	path := filepath.Join(s.TaskDir("t1"), "steps.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := f.WriteString(`{"step_number":3,"summ`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	f.Close()

	steps, err := s.LoadSteps("t1")
	if err != nil {
		t.Fatalf("load steps failed: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("got %d steps after torn tail, want 2", len(steps))
	}

	// The torn bytes were truncated away, so the next append lands clean.
	if err := s.AppendStep("t1", v1.TaskStep{StepNumber: 3, SummaryHTML: "recovered", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("append after restore failed: %v", err)
	}
	steps, err = s.LoadSteps("t1")
	if err != nil {
		t.Fatalf("reload steps failed: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("got %d steps after recovery append, want 3", len(steps))
	}
	if steps[2].SummaryHTML != "recovered" {
		t.Errorf("unexpected final step: %+v", steps[2])
	}
}

func TestAppendAndLoadChat(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.SaveRecord(sampleRecord("t1")); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	msgs := []v1.ChatMessage{
		{Role: v1.ChatRoleUser, Content: "find the cheapest room", CreatedAt: time.Now().UTC()},
		{Role: v1.ChatRoleAssistant, Content: "Step 1 completed.", CreatedAt: time.Now().UTC()},
	}
	for _, msg := range msgs {
		if err := s.AppendChat("t1", msg); err != nil {
			t.Fatalf("append chat failed: %v", err)
		}
	}

	got, err := s.LoadChat("t1")
	if err != nil {
		t.Fatalf("load chat failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0].Role != v1.ChatRoleUser || got[1].Role != v1.ChatRoleAssistant {
		t.Errorf("roles out of order: %+v", got)
	}
}

func TestDeleteRemovesEverything(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.SaveRecord(sampleRecord("t1")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := s.BrowserDir("t1"); err != nil {
		t.Fatalf("browser dir failed: %v", err)
	}

	if err := s.Delete("t1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := os.Stat(s.TaskDir("t1")); !os.IsNotExist(err) {
		t.Errorf("task dir should be gone, stat err = %v", err)
	}
	if _, err := s.LoadRecord("t1"); err == nil {
		t.Error("loading a deleted record should fail")
	}

	// Deleting a task that never existed is not an error.
	if err := s.Delete("never-existed"); err != nil {
		t.Errorf("delete of missing task should be a no-op: %v", err)
	}
}

func TestBrowserDirIsStable(t *testing.T) {
	s, _ := newTestStore(t)

	dir1, err := s.BrowserDir("t1")
	if err != nil {
		t.Fatalf("browser dir failed: %v", err)
	}
	dir2, err := s.BrowserDir("t1")
	if err != nil {
		t.Fatalf("second browser dir failed: %v", err)
	}
	if dir1 != dir2 {
		t.Errorf("browser dir changed: %s vs %s", dir1, dir2)
	}
	info, err := os.Stat(dir1)
	if err != nil || !info.IsDir() {
		t.Errorf("browser dir not created: %v", err)
	}
}
