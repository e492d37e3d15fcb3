package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/erdcollab/internal/auth"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/presence"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024

	CloseReasonAuthenticationRequired = "Authentication required"
	CloseReasonAccessDenied           = "Access denied to project"
	CloseReasonServerShutdown         = "Server shutting down"
	closeReasonJoinFailed             = "Unable to join project"
)

// connectionState is the lifecycle of one gateway connection. CLOSED is
// terminal and reachable from every other state.
type connectionState int

const (
	stateConnecting connectionState = iota
	stateAuthenticating
	stateAuthorizing
	stateJoined
	stateClosed
)

func (s connectionState) String() string {
	switch s {
	case stateConnecting:
		return "CONNECTING"
	case stateAuthenticating:
		return "AUTHENTICATING"
	case stateAuthorizing:
		return "AUTHORIZING"
	case stateJoined:
		return "JOINED"
	case stateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type gateway struct {
	handler    *httpHandler
	upgrader   websocket.Upgrader
	sessionIDs func() string
	logger     *zap.Logger

	// mu guards conns and closing; serving is only added to while closing is false.
	mu      sync.Mutex
	conns   map[*connection]struct{}
	closing bool
	serving sync.WaitGroup
}

func newGateway(handler *httpHandler, allowedOrigins []string, sessionIDs func() string) *gateway {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origins[strings.TrimSpace(origin)] = struct{}{}
	}
	return &gateway{
		handler:    handler,
		sessionIDs: sessionIDs,
		logger:     handler.logger,
		conns:      make(map[*connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
	}
}

// track registers a live connection. It reports false once shutdown began.
func (g *gateway) track(client *connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.conns[client] = struct{}{}
	g.serving.Add(1)
	return true
}

func (g *gateway) untrack(client *connection) {
	g.mu.Lock()
	delete(g.conns, client)
	g.mu.Unlock()
	g.serving.Done()
}

// shutdown closes every live connection with going-away and waits until their
// serve calls returned, so each joined session was removed and its LEAVE handed
// to the task group.
func (g *gateway) shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	clients := make([]*connection, 0, len(g.conns))
	for client := range g.conns {
		clients = append(clients, client)
	}
	g.mu.Unlock()

	g.logger.Info("closing collaboration connections", zap.Int("connections", len(clients)))
	for _, client := range clients {
		client.goAway()
	}

	done := make(chan struct{})
	go func() {
		g.serving.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connection tracks one client from upgrade to close.
type connection struct {
	conn      *websocket.Conn
	projectID string
	sessionID string
	userID    string
	state     connectionState
	logger    *zap.Logger
}

func (c *connection) transition(next connectionState) {
	if c.state == stateClosed {
		return
	}
	c.logger.Debug("connection state changed",
		zap.Stringer("from", c.state),
		zap.Stringer("to", next))
	c.state = next
}

// reject closes the connection with a policy violation and reason.
func (c *connection) reject(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.conn.Close()
	c.transition(stateClosed)
}

// goAway tells the peer the server is leaving and closes the socket, which ends
// the read pump. It is safe to call concurrently with the pumps.
func (c *connection) goAway() {
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, CloseReasonServerShutdown), deadline)
	_ = c.conn.Close()
}

func (g *gateway) serve(c *gin.Context) {
	projectID := strings.TrimSpace(c.Param(projectIDParam))
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_project"})
		return
	}
	if queried := strings.TrimSpace(c.Query(projectIDParam)); queried != "" && queried != projectID {
		g.logger.Debug("ignoring projectId query parameter that disagrees with the path",
			zap.String("project_id", projectID),
			zap.String("query_project_id", queried))
	}
	token := auth.TokenFromRequest(c.Request)

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.String("project_id", projectID), zap.Error(err))
		return
	}
	ctx := c.Request.Context()
	client := &connection{
		conn:      conn,
		projectID: projectID,
		state:     stateConnecting,
		logger:    g.logger.With(zap.String("project_id", projectID)),
	}
	if !g.track(client) {
		client.reject(websocket.CloseGoingAway, CloseReasonServerShutdown)
		return
	}
	defer g.untrack(client)

	client.transition(stateAuthenticating)
	if token == "" {
		client.reject(websocket.ClosePolicyViolation, CloseReasonAuthenticationRequired)
		return
	}
	profile, err := g.handler.authenticate(ctx, token)
	if err != nil {
		client.reject(websocket.ClosePolicyViolation, CloseReasonAuthenticationRequired)
		return
	}
	client.userID = profile.UserID
	client.logger = client.logger.With(zap.String("user_id", profile.UserID))

	client.transition(stateAuthorizing)
	if !g.handler.authorized(ctx, projectID, profile.UserID) {
		client.logger.Info("project access denied")
		client.reject(websocket.ClosePolicyViolation, CloseReasonAccessDenied)
		return
	}

	client.sessionID = g.sessionIDs()
	client.logger = client.logger.With(zap.String("session_id", client.sessionID))
	entry, err := g.handler.presence.NotifyJoin(ctx, presence.JoinRequest{
		ProjectID: projectID,
		SessionID: client.sessionID,
		UserID:    profile.UserID,
		UserName:  profile.UserName,
	})
	if err != nil {
		client.logger.Error("join failed", zap.Error(err))
		client.reject(websocket.CloseInternalServerErr, closeReasonJoinFailed)
		return
	}
	client.transition(stateJoined)

	// Unregistering must survive the request context ending with the connection.
	defer g.handler.presence.RemoveSession(context.WithoutCancel(ctx), projectID, client.sessionID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writePump(client, entry)
	}()

	g.readPump(ctx, client)
	client.transition(stateClosed)
	entry.Close()
	<-writerDone
}

// readPump handles inbound frames in arrival order until the peer goes away.
func (g *gateway) readPump(ctx context.Context, client *connection) {
	conn := client.conn
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				client.logger.Info("websocket read ended", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			client.logger.Debug("ignoring non-text frame", zap.Int("message_type", messageType))
			continue
		}
		g.handler.presence.HandleMessage(ctx, client.projectID, client.sessionID, payload)
	}
}

// writePump is the only writer once the session joined.
func (g *gateway) writePump(client *connection, entry *session.Entry) {
	conn := client.conn
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame := <-entry.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				client.logger.Info("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-entry.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
