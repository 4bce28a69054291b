// Package gateway bridges browser terminals to container shells over
// websockets.
package gateway

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"shellquest/internal/auth"
	"shellquest/internal/metrics"
	"shellquest/internal/session"
)

const (
	writeTimeout  = 10 * time.Second
	attachTimeout = 15 * time.Second
)

// Attacher opens an interactive shell stream into a container.
type Attacher interface {
	AttachPTY(ctx context.Context, containerID string) (io.ReadWriteCloser, error)
}

type connection struct {
	ws  *websocket.Conn
	pty io.ReadWriteCloser

	// writeMu serializes websocket writes; gorilla permits one writer.
	writeMu sync.Mutex

	// cleanedUp latches once teardown has run, so the concurrent failure
	// paths (socket error, shell exit, session end, shutdown) collapse to
	// a single close.
	cleanedUp bool
}

// Gateway terminates terminal websockets and relays bytes to container
// shells. At most one connection per session is tracked; a second
// connection for the same session replaces the first.
type Gateway struct {
	auth       *auth.Service
	sessions   *session.Manager
	containers Attacher
	log        *zap.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*connection
}

// New creates a Gateway. Origin checks are disabled: the token query
// parameter authenticates the connection.
func New(authService *auth.Service, sessions *session.Manager, containers Attacher, log *zap.Logger) *Gateway {
	return &Gateway{
		auth:       authService,
		sessions:   sessions,
		containers: containers,
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*connection),
	}
}

// Handle serves GET /terminal?token=<jwt>&sessionId=<uuid>. The request is
// upgraded first so failures reach the client as websocket close frames
// rather than opaque HTTP errors.
func (g *Gateway) Handle(c *gin.Context) {
	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	claims, err := g.auth.ValidateToken(c.Query("token"))
	if err != nil {
		g.reject(ws, websocket.ClosePolicyViolation, "Invalid token")
		return
	}

	sessionID := c.Query("sessionId")
	sess, ok := g.sessions.Get(sessionID)
	if !ok {
		g.reject(ws, websocket.ClosePolicyViolation, "Session not found")
		return
	}
	if sess.UserID != claims.UserID {
		g.reject(ws, websocket.ClosePolicyViolation, "Session does not belong to user")
		return
	}

	attachCtx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	pty, err := g.containers.AttachPTY(attachCtx, sess.ContainerID)
	cancel()
	if err != nil {
		g.log.Error("attach shell",
			zap.String("session_id", sessionID),
			zap.String("container_id", sess.ContainerID),
			zap.Error(err))
		g.reject(ws, websocket.CloseInternalServerErr, "Failed to attach to container")
		return
	}

	conn := &connection{ws: ws, pty: pty}

	g.mu.Lock()
	if prev, exists := g.conns[sessionID]; exists && !prev.cleanedUp {
		prev.cleanedUp = true
		go g.teardown(sessionID, prev, websocket.CloseNormalClosure, "Replaced by new connection")
	}
	g.conns[sessionID] = conn
	g.mu.Unlock()

	metrics.TerminalConnections.Inc()
	g.log.Info("terminal connected",
		zap.String("session_id", sessionID),
		zap.Uint("user_id", claims.UserID))

	go g.pumpOutput(sessionID, conn)
	g.pumpInput(sessionID, conn)
}

// pumpOutput copies shell output to the websocket until the shell stream
// ends.
func (g *Gateway) pumpOutput(sessionID string, conn *connection) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.pty.Read(buf)
		if n > 0 {
			if writeErr := g.writeFrame(conn, websocket.BinaryMessage, buf[:n]); writeErr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	g.closeConn(sessionID, conn, websocket.CloseNormalClosure, "Shell exited")
}

// pumpInput copies websocket frames to the shell until the client goes
// away. Every client frame counts as session activity.
func (g *Gateway) pumpInput(sessionID string, conn *connection) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			break
		}
		g.sessions.UpdateActivity(sessionID)
		if len(data) == 0 {
			continue
		}
		if _, err := conn.pty.Write(data); err != nil {
			break
		}
	}
	g.closeConn(sessionID, conn, websocket.CloseNormalClosure, "Connection closed")
}

// CloseSession closes the terminal for a session, if one is connected.
// Called by the session layer when a session ends or expires.
func (g *Gateway) CloseSession(sessionID string) {
	g.mu.Lock()
	conn, ok := g.conns[sessionID]
	g.mu.Unlock()
	if ok {
		g.closeConn(sessionID, conn, websocket.CloseNormalClosure, "Session ended")
	}
}

// CloseAll closes every open terminal. Used during shutdown.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	conns := make(map[string]*connection, len(g.conns))
	for id, conn := range g.conns {
		conns[id] = conn
	}
	g.mu.Unlock()

	for id, conn := range conns {
		g.closeConn(id, conn, websocket.CloseGoingAway, "Server shutting down")
	}
}

// closeConn runs teardown exactly once per connection, regardless of which
// path got there first.
func (g *Gateway) closeConn(sessionID string, conn *connection, code int, reason string) {
	g.mu.Lock()
	if conn.cleanedUp {
		g.mu.Unlock()
		return
	}
	conn.cleanedUp = true
	if g.conns[sessionID] == conn {
		delete(g.conns, sessionID)
	}
	g.mu.Unlock()

	g.teardown(sessionID, conn, code, reason)
}

func (g *Gateway) teardown(sessionID string, conn *connection, code int, reason string) {
	_ = g.writeFrame(conn, websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = conn.ws.Close()
	_ = conn.pty.Close()

	metrics.TerminalConnections.Dec()
	g.log.Info("terminal disconnected",
		zap.String("session_id", sessionID),
		zap.String("reason", reason))
}

// reject closes a just-upgraded socket with a policy or error frame before
// any relay starts.
func (g *Gateway) reject(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeTimeout)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}

func (g *Gateway) writeFrame(conn *connection, messageType int, data []byte) error {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.ws.WriteMessage(messageType, data)
}
