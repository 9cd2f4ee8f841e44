package vnc

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/webai/webai/internal/common/httpmw"
	"github.com/webai/webai/internal/common/logger"
	"github.com/webai/webai/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	dialTimeout    = 5 * time.Second
	maxMessageSize = 1024 * 1024 // 1MB
)

// upgrader for VNC connections. Origin is not restricted: the UI is
// usually served from the head's origin, not the node's, and the token
// in the query string is the credential.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Resolver authorizes a VNC connection attempt and resolves the backend
// endpoint it should be bridged to. Implemented by the task engine so the
// browser-open check and the token check live next to the task record.
type Resolver interface {
	ResolveVNC(taskID, token string) (upstream string, err error)
}

// Proxy upgrades authorized requests to WebSocket and streams bytes
// between the client and the task's VNC server until either side closes.
type Proxy struct {
	resolver Resolver
	logger   *logger.Logger
}

// NewProxy creates a proxy backed by the given resolver.
func NewProxy(resolver Resolver, log *logger.Logger) *Proxy {
	return &Proxy{
		resolver: resolver,
		logger:   log.WithFields(zap.String("component", "vnc-proxy")),
	}
}

// Handle serves GET /vnc/:taskId?token=… Authorization failures are
// rejected with a plain HTTP status before the upgrade so the client
// never sees a half-open WebSocket.
func (p *Proxy) Handle(c *gin.Context) {
	taskID := c.Param("taskId")
	token := c.Query("token")

	upstream, err := p.resolver.ResolveVNC(taskID, token)
	if err != nil {
		metrics.VNCConnections.WithLabelValues("rejected").Inc()
		httpmw.WriteError(c, p.logger, err)
		return
	}

	backend, err := net.DialTimeout("tcp", upstream, dialTimeout)
	if err != nil {
		metrics.VNCConnections.WithLabelValues("rejected").Inc()
		p.logger.Error("VNC backend dial failed",
			zap.String("task_id", taskID),
			zap.String("upstream", upstream),
			zap.Error(err),
		)
		c.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{
				"code":    "node_unreachable",
				"message": "VNC backend is not reachable",
			},
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		backend.Close()
		p.logger.Error("WebSocket upgrade failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}

	metrics.VNCConnections.WithLabelValues("bridged").Inc()
	metrics.VNCSessionsActive.Inc()
	p.logger.Info("VNC session connected", zap.String("task_id", taskID))

	b := &bridge{
		ws:      conn,
		backend: backend,
		logger:  p.logger,
		done:    make(chan struct{}),
	}
	b.run()

	metrics.VNCSessionsActive.Dec()
	p.logger.Info("VNC session closed", zap.String("task_id", taskID))
}

// bridge streams bytes between one WebSocket and one TCP connection.
// WebSocket writes are serialized so data frames and pings never
// interleave mid-frame.
type bridge struct {
	ws      *websocket.Conn
	backend net.Conn
	logger  *logger.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (b *bridge) run() {
	go b.pingLoop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.wsToBackend()
	}()
	go func() {
		defer wg.Done()
		b.backendToWS()
	}()
	wg.Wait()
}

func (b *bridge) wsToBackend() {
	defer b.close()

	b.ws.SetReadLimit(maxMessageSize)
	b.ws.SetReadDeadline(time.Now().Add(pongWait))
	b.ws.SetPongHandler(func(string) error {
		b.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := b.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				b.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		if len(message) == 0 {
			continue
		}
		if _, err := b.backend.Write(message); err != nil {
			return
		}
	}
}

func (b *bridge) backendToWS() {
	defer b.close()

	buf := make([]byte, 32*1024)
	for {
		n, err := b.backend.Read(buf)
		if n > 0 {
			if werr := b.writeMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *bridge) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.writeMessage(websocket.PingMessage, nil); err != nil {
				b.close()
				return
			}
		case <-b.done:
			return
		}
	}
}

func (b *bridge) writeMessage(messageType int, data []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return b.ws.WriteMessage(messageType, data)
}

func (b *bridge) close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.ws.Close()
		b.backend.Close()
	})
}
