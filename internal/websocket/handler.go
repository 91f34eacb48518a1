package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"peerprep/internal/logging"
	"peerprep/pkg/interfaces"
	"peerprep/pkg/types"
)

// CommandHandler processes one raw client command from userID
type CommandHandler interface {
	HandleCommand(ctx context.Context, userID string, data []byte)
}

// Attacher binds a new connection to the user's open session
type Attacher interface {
	Attach(ctx context.Context, userID string) (*types.Session, error)
}

// ConnectionTracker records which connection currently serves each user
type ConnectionTracker interface {
	RegisterConnection(conn *Connection) error
	UnregisterConnection(conn *Connection) error
}

// Config tunes socket keepalive and buffering
type Config struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	BufferSize     int
	AllowedOrigins []string
}

// maxCommandSize bounds a single inbound frame
const maxCommandSize = 4096

// Handler upgrades client requests to the persistent command channel
// ARCHITECTURAL DISCOVERY: Multi-stage validation (parameters -> user -> upgrade -> register)
// keeps invalid clients from consuming a socket
type Handler struct {
	users    interfaces.UserDirectory
	tracker  ConnectionTracker
	commands CommandHandler
	attacher Attacher
	config   Config
	upgrader websocket.Upgrader
	log      logr.Logger
}

// NewHandler creates a WebSocket handler
func NewHandler(users interfaces.UserDirectory, tracker ConnectionTracker, commands CommandHandler,
	attacher Attacher, config Config, log logr.Logger) *Handler {
	h := &Handler{
		users:    users,
		tracker:  tracker,
		commands: commands,
		attacher: attacher,
		config:   config,
		log:      log.WithName("websocket"),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket serves GET /ws?user_id=
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "Missing required query parameter: user_id", http.StatusBadRequest)
		return
	}
	// FUNCTIONAL DISCOVERY: Reuse validation logic from types package
	// ensures consistent validation rules across all components
	if !types.IsValidUserID(userID) {
		http.Error(w, "Invalid user_id format", http.StatusBadRequest)
		return
	}

	if _, err := h.users.GetUser(r.Context(), userID); err != nil {
		if errors.Is(err, types.ErrUserNotFound) {
			http.Error(w, "User not found", http.StatusNotFound)
			return
		}
		h.log.Error(err, "User lookup failed", "user_id", userID)
		http.Error(w, "User lookup failed", http.StatusInternalServerError)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.V(logging.VERBOSE).Info("WebSocket upgrade failed", "user_id", userID, "error", err.Error())
		return
	}

	conn := NewConnection(ws, userID, h.config.BufferSize, h.config.WriteTimeout)
	if err := h.tracker.RegisterConnection(conn); err != nil {
		h.log.Error(err, "Failed to register connection", "user_id", userID)
		_ = conn.Close()
		return
	}
	h.log.Info("Client connected", "user_id", userID)

	// a reconnecting user resumes its session; others simply have none yet
	if _, err := h.attacher.Attach(context.Background(), userID); err != nil && !types.IsBenign(err) {
		h.log.Error(err, "Failed to attach connection", "user_id", userID)
	}

	go h.serve(conn, ws)
}

// serve runs the keepalive and the read pump until the socket closes
// ARCHITECTURAL DISCOVERY: One reader per connection processes commands in
// arrival order, so a user's commands never race each other
func (h *Handler) serve(conn *Connection, ws *websocket.Conn) {
	userID := conn.UserID()
	defer func() {
		if err := h.tracker.UnregisterConnection(conn); err != nil {
			h.log.V(logging.VERBOSE).Info("Failed to unregister connection", "user_id", userID, "error", err.Error())
		}
		_ = conn.Close()
		h.log.Info("Client disconnected", "user_id", userID)
	}()

	ws.SetReadLimit(maxCommandSize)
	if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	go h.keepalive(conn, ws)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.V(logging.VERBOSE).Info("WebSocket read failed", "user_id", userID, "error", err.Error())
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		// any inbound frame proves the client is alive
		_ = ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		h.commands.HandleCommand(context.Background(), userID, data)
	}
}

func (h *Handler) keepalive(conn *Connection, ws *websocket.Conn) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}
