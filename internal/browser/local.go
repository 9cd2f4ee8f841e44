package browser

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/webai/webai/internal/common/logger"
)

// LocalManager tracks sessions against a browser and VNC server that run
// on the host itself, outside this process. Opening a session is pure
// bookkeeping: every task shares the single host VNC endpoint.
type LocalManager struct {
	upstream string

	mu       sync.RWMutex
	sessions map[string]*Session

	logger *logger.Logger
}

// NewLocalManager creates a manager for the host-local backend.
func NewLocalManager(upstream string, log *logger.Logger) *LocalManager {
	return &LocalManager{
		upstream: upstream,
		sessions: make(map[string]*Session),
		logger:   log.WithFields(zap.String("component", "browser-local")),
	}
}

// Open records a session for the task at the shared host VNC endpoint.
// The host browser is not driven from here, so startURL is ignored.
func (m *LocalManager) Open(_ context.Context, taskID, profileDir, _ string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[taskID]; ok {
		return s, nil
	}

	s := &Session{
		TaskID:     taskID,
		VNCAddr:    m.upstream,
		ProfileDir: profileDir,
		StartedAt:  time.Now().UTC(),
	}
	m.sessions[taskID] = s

	m.logger.Info("Browser session opened",
		zap.String("task_id", taskID),
		zap.String("vnc_addr", m.upstream),
	)
	return s, nil
}

// Close drops the task's session record.
func (m *LocalManager) Close(_ context.Context, taskID string) error {
	m.mu.Lock()
	_, had := m.sessions[taskID]
	delete(m.sessions, taskID)
	m.mu.Unlock()

	if had {
		m.logger.Info("Browser session closed", zap.String("task_id", taskID))
	}
	return nil
}

// Get returns the task's session, if any.
func (m *LocalManager) Get(taskID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[taskID]
	return s, ok
}

// CloseAll drops every session record.
func (m *LocalManager) CloseAll(_ context.Context) {
	m.mu.Lock()
	n := len(m.sessions)
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	if n > 0 {
		m.logger.Info("All browser sessions closed", zap.Int("count", n))
	}
}
