package vnc

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/webai/webai/internal/common/errors"
)

// fakeResolver admits a single (task, token) pair.
type fakeResolver struct {
	taskID   string
	token    string
	upstream string
}

func (r *fakeResolver) ResolveVNC(taskID, token string) (string, error) {
	if taskID != r.taskID {
		return "", errors.NotFound("task", taskID)
	}
	if token != r.token {
		return "", errors.Forbidden("invalid VNC token")
	}
	return r.upstream, nil
}

// startEchoBackend starts a TCP server that echoes everything it reads.
func startEchoBackend(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

func startProxyServer(t *testing.T, resolver Resolver) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	proxy := NewProxy(resolver, newTestLogger(t))
	router.GET("/vnc/:taskId", proxy.Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestProxyBridgesBytes(t *testing.T) {
	backend := startEchoBackend(t)
	resolver := &fakeResolver{taskID: "task-1", token: "good", upstream: backend.Addr().String()}
	srv := startProxyServer(t, resolver)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/vnc/task-1?token=good"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}

	payload := []byte("RFB 003.008\n")
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, echoed, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(echoed) != string(payload) {
		t.Errorf("echo = %q, want %q", echoed, payload)
	}
}

func TestProxyRejectsBadTokenBeforeUpgrade(t *testing.T) {
	backend := startEchoBackend(t)
	resolver := &fakeResolver{taskID: "task-1", token: "good", upstream: backend.Addr().String()}
	srv := startProxyServer(t, resolver)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/vnc/task-1?token=stale"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		conn.Close()
		t.Fatal("expected handshake to fail for a stale token")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 before upgrade, got %+v", resp)
	}
}

func TestProxyUnknownTaskIs404(t *testing.T) {
	resolver := &fakeResolver{taskID: "task-1", token: "good", upstream: "127.0.0.1:1"}
	srv := startProxyServer(t, resolver)

	resp, err := http.Get(srv.URL + "/vnc/other?token=good")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestProxyBackendUnreachable(t *testing.T) {
	// Reserve a port, then close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	resolver := &fakeResolver{taskID: "task-1", token: "good", upstream: addr}
	srv := startProxyServer(t, resolver)

	resp, err := http.Get(srv.URL + "/vnc/task-1?token=good")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}
