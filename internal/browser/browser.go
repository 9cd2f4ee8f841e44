// Package browser manages the live browser sessions behind tasks. A
// session is what the agent drives and what the VNC proxy exposes; the
// engine opens one per running task and may keep it alive afterwards for
// manual use or continuation.
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/webai/webai/internal/common/config"
	"github.com/webai/webai/internal/common/logger"
)

// Session describes one live browser session.
type Session struct {
	TaskID      string
	VNCAddr     string // TCP endpoint the VNC proxy bridges to
	ContainerID string // docker backend only
	ProfileDir  string
	StartedAt   time.Time
}

// Manager owns browser sessions keyed by task id. Implementations must be
// safe for concurrent use; the engine calls Open/Close under its own
// per-task locking but Get is read from the VNC resolver path.
type Manager interface {
	// Open ensures a live session for the task and returns it. Opening an
	// already-open session returns the existing one. A non-empty startURL
	// asks the backend to land on that page instead of a blank tab.
	Open(ctx context.Context, taskID, profileDir, startURL string) (*Session, error)

	// Close tears down the task's session. Closing an unknown task is a no-op.
	Close(ctx context.Context, taskID string) error

	// Get returns the task's live session, if any.
	Get(taskID string) (*Session, bool)

	// CloseAll tears down every live session. Called on shutdown.
	CloseAll(ctx context.Context)
}

// New selects the session backend from configuration.
func New(cfg config.BrowserConfig, log *logger.Logger) (Manager, error) {
	switch cfg.Backend {
	case "local", "":
		return NewLocalManager(cfg.VNCUpstreamAddr, log), nil
	case "docker":
		return NewDockerManager(cfg, log)
	default:
		return nil, fmt.Errorf("unknown browser backend %q", cfg.Backend)
	}
}
