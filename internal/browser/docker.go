package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/webai/webai/internal/common/config"
	"github.com/webai/webai/internal/common/logger"
)

const (
	// vncPort is the in-container VNC endpoint every browser image exposes.
	vncPort = nat.Port("5900/tcp")

	// profileTarget is where the task's profile directory is mounted.
	profileTarget = "/data/profile"

	stopTimeout = 10 * time.Second

	labelRole = "webai.role"
	labelTask = "webai.task"
)

// DockerManager runs one container per open browser session. The
// container's VNC port is published on an ephemeral loopback port, which
// becomes the session's VNCAddr.
type DockerManager struct {
	cli   *client.Client
	image string

	mu       sync.RWMutex
	sessions map[string]*Session

	logger *logger.Logger
}

// NewDockerManager creates a manager bound to the local Docker daemon
// (honoring DOCKER_HOST and friends).
func NewDockerManager(cfg config.BrowserConfig, log *logger.Logger) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerManager{
		cli:      cli,
		image:    cfg.Image,
		sessions: make(map[string]*Session),
		logger:   log.WithFields(zap.String("component", "browser-docker")),
	}, nil
}

// Ping checks that the Docker daemon is reachable. Called at startup.
func (m *DockerManager) Ping(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// Open starts a browser container for the task and waits for its VNC
// port mapping. The task's profile directory is bind-mounted so the
// browser state survives the container.
func (m *DockerManager) Open(ctx context.Context, taskID, profileDir, startURL string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[taskID]; ok {
		return s, nil
	}

	name := "webai-browser-" + taskID
	m.logger.Info("Creating browser container",
		zap.String("task_id", taskID),
		zap.String("name", name),
		zap.String("image", m.image),
	)

	var env []string
	if startURL != "" {
		env = append(env, "START_URL="+startURL)
	}
	containerCfg := &container.Config{
		Image: m.image,
		Env:   env,
		ExposedPorts: nat.PortSet{
			vncPort: struct{}{},
		},
		Labels: map[string]string{
			labelRole: "browser",
			labelTask: taskID,
		},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: profileDir,
				Target: profileTarget,
			},
		},
		PortBindings: nat.PortMap{
			vncPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
	}

	resp, err := m.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser container for task %s: %w", taskID, err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		m.removeContainer(context.Background(), resp.ID)
		return nil, fmt.Errorf("failed to start browser container %s: %w", resp.ID, err)
	}

	addr, err := m.vncHostAddr(ctx, resp.ID)
	if err != nil {
		m.removeContainer(context.Background(), resp.ID)
		return nil, err
	}

	s := &Session{
		TaskID:      taskID,
		VNCAddr:     addr,
		ContainerID: resp.ID,
		ProfileDir:  profileDir,
		StartedAt:   time.Now().UTC(),
	}
	m.sessions[taskID] = s

	m.logger.Info("Browser container started",
		zap.String("task_id", taskID),
		zap.String("container_id", resp.ID),
		zap.String("vnc_addr", addr),
	)
	return s, nil
}

// vncHostAddr inspects the container for the published VNC port.
func (m *DockerManager) vncHostAddr(ctx context.Context, containerID string) (string, error) {
	inspect, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect browser container %s: %w", containerID, err)
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("browser container %s has no network settings", containerID)
	}
	bindings := inspect.NetworkSettings.Ports[vncPort]
	if len(bindings) == 0 {
		return "", fmt.Errorf("browser container %s did not publish %s", containerID, vncPort)
	}
	host := bindings[0].HostIP
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%s", host, bindings[0].HostPort), nil
}

// Close stops and removes the task's browser container.
func (m *DockerManager) Close(ctx context.Context, taskID string) error {
	m.mu.Lock()
	s, ok := m.sessions[taskID]
	delete(m.sessions, taskID)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	m.logger.Info("Stopping browser container",
		zap.String("task_id", taskID),
		zap.String("container_id", s.ContainerID),
	)

	timeoutSeconds := int(stopTimeout.Seconds())
	if err := m.cli.ContainerStop(ctx, s.ContainerID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		m.logger.Warn("Failed to stop browser container, forcing removal",
			zap.String("container_id", s.ContainerID),
			zap.Error(err),
		)
	}
	m.removeContainer(ctx, s.ContainerID)
	return nil
}

// Get returns the task's session, if any.
func (m *DockerManager) Get(taskID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[taskID]
	return s, ok
}

// CloseAll tears down every live session.
func (m *DockerManager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for taskID, s := range sessions {
		timeoutSeconds := int(stopTimeout.Seconds())
		if err := m.cli.ContainerStop(ctx, s.ContainerID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
			m.logger.Warn("Failed to stop browser container",
				zap.String("task_id", taskID),
				zap.String("container_id", s.ContainerID),
				zap.Error(err),
			)
		}
		m.removeContainer(ctx, s.ContainerID)
	}
}

// Reap removes leftover browser containers from a previous process run.
// Sessions do not survive a restart, so anything carrying our label is
// an orphan.
func (m *DockerManager) Reap(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelRole+"=browser")

	containers, err := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("failed to list browser containers: %w", err)
	}

	for _, ctr := range containers {
		m.logger.Info("Reaping orphaned browser container",
			zap.String("container_id", ctr.ID),
			zap.String("task_id", ctr.Labels[labelTask]),
		)
		m.removeContainer(ctx, ctr.ID)
	}
	return nil
}

func (m *DockerManager) removeContainer(ctx context.Context, containerID string) {
	err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		m.logger.Warn("Failed to remove browser container",
			zap.String("container_id", containerID),
			zap.Error(err),
		)
	}
}

// CloseClient releases the Docker client. Separate from CloseAll so the
// manager can be shut down without touching containers.
func (m *DockerManager) CloseClient() error {
	return m.cli.Close()
}
