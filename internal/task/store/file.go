package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/webai/webai/internal/common/logger"
	v1 "github.com/webai/webai/pkg/api/v1"
)

// File names inside ${DATA_ROOT}/tasks/{id}/.
const (
	tasksDirName   = "tasks"
	recordFileName = "record.json"
	stepsFileName  = "steps.jsonl"
	chatFileName   = "chat.jsonl"
	browserDirName = "browser"
)

// FileStore implements Store on the local filesystem.
type FileStore struct {
	root   string
	logger *logger.Logger

	// Appends and record writes for one task are serialized so two
	// goroutines can never interleave partial lines in the same log.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Ensure FileStore implements Store.
var _ Store = (*FileStore)(nil)

// NewFileStore creates a store rooted at ${dataRoot}/tasks, creating the
// directory if needed.
func NewFileStore(dataRoot string, log *logger.Logger) (*FileStore, error) {
	root := filepath.Join(dataRoot, tasksDirName)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create tasks dir: %w", err)
	}
	return &FileStore{
		root:   root,
		logger: log.WithFields(zap.String("component", "store")),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// TaskDir returns the directory holding a task's files.
func (s *FileStore) TaskDir(taskID string) string {
	return filepath.Join(s.root, taskID)
}

func (s *FileStore) taskLock(taskID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[taskID] = l
	}
	return l
}

// SaveRecord writes record.json via write-tmp, fsync, rename. Readers see
// either the previous record or the new one, never a torn file.
func (s *FileStore) SaveRecord(rec *v1.TaskRecord) error {
	lock := s.taskLock(rec.ID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.TaskDir(rec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := atomicWriteFile(filepath.Join(dir, recordFileName), data, 0o644); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// LoadRecord reads one task record.
func (s *FileStore) LoadRecord(taskID string) (*v1.TaskRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.TaskDir(taskID), recordFileName))
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	var rec v1.TaskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	return &rec, nil
}

// LoadAll scans the data root and loads every task whose record parses.
// Directories with a missing or corrupt record are logged and skipped so
// one damaged task cannot block recovery of the rest.
func (s *FileStore) LoadAll() ([]*PersistedTask, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan tasks dir: %w", err)
	}

	var tasks []*PersistedTask
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		rec, err := s.LoadRecord(id)
		if err != nil {
			s.logger.Warn("skipping unloadable task directory",
				zap.String("task_id", id),
				zap.Error(err))
			continue
		}
		steps, err := s.LoadSteps(id)
		if err != nil {
			s.logger.Warn("failed to load step log",
				zap.String("task_id", id),
				zap.Error(err))
		}
		chat, err := s.LoadChat(id)
		if err != nil {
			s.logger.Warn("failed to load chat log",
				zap.String("task_id", id),
				zap.Error(err))
		}
		tasks = append(tasks, &PersistedTask{Record: rec, Steps: steps, Chat: chat})
	}
	return tasks, nil
}

// AppendStep appends one step to steps.jsonl.
func (s *FileStore) AppendStep(taskID string, step v1.TaskStep) error {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()
	return appendJSONLine(filepath.Join(s.TaskDir(taskID), stepsFileName), step)
}

// AppendChat appends one message to chat.jsonl.
func (s *FileStore) AppendChat(taskID string, msg v1.ChatMessage) error {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()
	return appendJSONLine(filepath.Join(s.TaskDir(taskID), chatFileName), msg)
}

// LoadSteps reads steps.jsonl, restoring a torn tail if one is found.
func (s *FileStore) LoadSteps(taskID string) ([]v1.TaskStep, error) {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	var steps []v1.TaskStep
	err := s.readJSONLines(filepath.Join(s.TaskDir(taskID), stepsFileName), func(line []byte) error {
		var step v1.TaskStep
		if err := json.Unmarshal(line, &step); err != nil {
			return err
		}
		steps = append(steps, step)
		return nil
	})
	return steps, err
}

// LoadChat reads chat.jsonl, restoring a torn tail if one is found.
func (s *FileStore) LoadChat(taskID string) ([]v1.ChatMessage, error) {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	var msgs []v1.ChatMessage
	err := s.readJSONLines(filepath.Join(s.TaskDir(taskID), chatFileName), func(line []byte) error {
		var msg v1.ChatMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return err
		}
		msgs = append(msgs, msg)
		return nil
	})
	return msgs, err
}

// BrowserDir returns the task's browser profile directory, creating it on
// first use.
func (s *FileStore) BrowserDir(taskID string) (string, error) {
	dir := filepath.Join(s.TaskDir(taskID), browserDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create browser dir: %w", err)
	}
	return dir, nil
}

// Delete removes the task directory and everything in it.
func (s *FileStore) Delete(taskID string) error {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.TaskDir(taskID)); err != nil {
		return fmt.Errorf("delete task dir: %w", err)
	}

	s.mu.Lock()
	delete(s.locks, taskID)
	s.mu.Unlock()
	return nil
}

// readJSONLines decodes each non-blank line of path. A line that fails to
// decode marks a torn append: it and everything after it are dropped, and
// the file is truncated back to the last good line so future appends start
// clean. A missing file yields no lines.
func (s *FileStore) readJSONLines(path string, decode func([]byte) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	pos := 0
	goodEnd := 0
	torn := false
	for pos < len(data) {
		var line []byte
		next := len(data)
		if nl := bytes.IndexByte(data[pos:], '\n'); nl >= 0 {
			line = data[pos : pos+nl]
			next = pos + nl + 1
		} else {
			line = data[pos:]
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if err := decode(trimmed); err != nil {
				torn = true
				s.logger.Warn("dropping torn tail from log file",
					zap.String("path", path),
					zap.Int("offset", pos),
					zap.Error(err))
				break
			}
		}
		pos = next
		goodEnd = next
	}

	if torn {
		if err := os.Truncate(path, int64(goodEnd)); err != nil {
			return fmt.Errorf("truncate torn log: %w", err)
		}
	}
	return nil
}

// atomicWriteFile writes data to a temp file in the target directory,
// fsyncs it, and renames it over path.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// appendJSONLine marshals v and appends it as one line, fsyncing before
// close so a crash can tear at most the final line.
func appendJSONLine(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal log line: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append log line: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync log: %w", err)
	}
	return f.Close()
}
