package hub

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"peerprep/internal/logging"
	"peerprep/internal/websocket"
	"peerprep/pkg/types"
)

type eventKind int

const (
	eventRegister eventKind = iota
	eventUnregister
	eventNotify
)

type event struct {
	kind         eventKind
	conn         *websocket.Connection
	userID       string
	notification types.Notification
}

// Hub delivers notifications to client connections and tracks connection lifecycle
// ARCHITECTURAL DISCOVERY: Registration, deregistration and delivery share one
// ordered channel drained by a single goroutine, so a notification queued after a
// connection registers is never delivered before it. It implements interfaces.Notifier.
type Hub struct {
	// FUNCTIONAL DISCOVERY: Buffered channel prevents blocking the queue and session
	// locks that notify while held
	events   chan event
	shutdown chan struct{}
	done     chan struct{}

	registry *websocket.Registry
	log      logr.Logger

	running bool
	mu      sync.RWMutex
}

// NewHub creates a hub delivering through registry
func NewHub(registry *websocket.Registry, bufferSize int, log logr.Logger) *Hub {
	return &Hub{
		events:   make(chan event, bufferSize),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		registry: registry,
		log:      log.WithName("hub"),
	}
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true

	h.log.Info("Starting notification hub")
	go h.run(ctx)
	return nil
}

// Stop shuts the hub down and closes every connection
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	h.mu.Unlock()

	<-h.done
	h.registry.CloseAll()
	return nil
}

// Notify implements interfaces.Notifier. It never blocks.
func (h *Hub) Notify(userID string, n types.Notification) error {
	return h.enqueue(event{kind: eventNotify, userID: userID, notification: n})
}

// RegisterConnection queues conn to become its user's delivery target
func (h *Hub) RegisterConnection(conn *websocket.Connection) error {
	return h.enqueue(event{kind: eventRegister, conn: conn})
}

// UnregisterConnection queues removal of conn
func (h *Hub) UnregisterConnection(conn *websocket.Connection) error {
	return h.enqueue(event{kind: eventUnregister, conn: conn})
}

// Connections returns the number of connected users
func (h *Hub) Connections() int {
	return h.registry.Count()
}

func (h *Hub) enqueue(e event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	// TECHNICAL DISCOVERY: Non-blocking send with error handling prevents hub lockup
	select {
	case h.events <- e:
		return nil
	default:
		return ErrEventChannelFull
	}
}

// run is the single delivery loop
func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	defer h.log.Info("Hub processing stopped")

	for {
		select {
		case e := <-h.events:
			h.handle(e)
		case <-h.shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) handle(e event) {
	switch e.kind {
	case eventRegister:
		if err := h.registry.Register(e.conn); err != nil {
			h.log.Error(err, "Connection registration failed")
			return
		}
		h.log.V(logging.VERBOSE).Info("Connection registered", "user_id", e.conn.UserID())

	case eventUnregister:
		if h.registry.Unregister(e.conn) {
			h.log.V(logging.VERBOSE).Info("Connection deregistered", "user_id", e.conn.UserID())
		}

	case eventNotify:
		if err := h.deliver(e.userID, e.notification); err != nil {
			// FUNCTIONAL DISCOVERY: Delivery failures are logged but never stop the hub;
			// a client that misses a notification resynchronises on reconnect
			h.log.V(logging.VERBOSE).Info("Notification dropped", "user_id", e.userID,
				"type", e.notification.Type, "error", err.Error())
		} else {
			h.log.V(logging.TRACE).Info("Notification delivered", "user_id", e.userID, "type", e.notification.Type)
		}
	}
}

func (h *Hub) deliver(userID string, n types.Notification) error {
	conn, ok := h.registry.Get(userID)
	if !ok {
		return ErrRecipientOffline
	}
	return conn.WriteJSON(n)
}
