// Package vnc issues per-task access tokens and bridges authorized
// WebSocket connections to the VNC server behind a live browser session.
package vnc

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/webai/webai/internal/common/logger"
)

// tokenBytes is the entropy of a minted token (128 bits, URL-safe encoded).
const tokenBytes = 16

type session struct {
	token    string
	upstream string
}

// Broker maps each task with an open browser to its current access token
// and the local VNC endpoint the proxy should bridge to. One token per
// task; minting again rotates it and invalidates the previous one.
type Broker struct {
	mu       sync.RWMutex
	sessions map[string]session
	logger   *logger.Logger
}

// NewBroker creates an empty broker.
func NewBroker(log *logger.Logger) *Broker {
	return &Broker{
		sessions: make(map[string]session),
		logger:   log.WithFields(zap.String("component", "vnc-broker")),
	}
}

// Mint creates a fresh token for the task and records the VNC endpoint it
// admits, replacing any previous token. The token value is never logged.
func (b *Broker) Mint(taskID, upstream string) (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate vnc token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	b.mu.Lock()
	b.sessions[taskID] = session{token: token, upstream: upstream}
	b.mu.Unlock()

	b.logger.Info("VNC token minted", zap.String("task_id", taskID))
	return token, nil
}

// Token returns the task's current token, if any.
func (b *Broker) Token(taskID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[taskID]
	return s.token, ok
}

// Upstream returns the VNC endpoint the task's token admits, if any.
func (b *Broker) Upstream(taskID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[taskID]
	return s.upstream, ok
}

// Authorize reports whether the presented token matches the task's
// current token. Comparison is constant-time.
func (b *Broker) Authorize(taskID, presented string) bool {
	b.mu.RLock()
	s, ok := b.sessions[taskID]
	b.mu.RUnlock()

	if !ok || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.token), []byte(presented)) == 1
}

// Revoke drops the task's token. Already-bridged connections keep their
// socket; new connection attempts are refused.
func (b *Broker) Revoke(taskID string) {
	b.mu.Lock()
	_, had := b.sessions[taskID]
	delete(b.sessions, taskID)
	b.mu.Unlock()

	if had {
		b.logger.Info("VNC token revoked", zap.String("task_id", taskID))
	}
}

// LaunchPath returns the node-relative URL the UI opens to reach the
// task's live browser view.
func LaunchPath(taskID, token string) string {
	return fmt.Sprintf("/vnc/%s?token=%s", taskID, token)
}
