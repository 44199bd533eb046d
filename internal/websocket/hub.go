package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/koelabs/koe/server/domain/repositories"
	"github.com/koelabs/koe/server/internal/pipeline"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub maintains the set of active clients and hands each one a voice session
// from the registry.
type Hub struct {
	// Registered clients, keyed by connection ID.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	registry     *pipeline.Registry
	defaultAudio repositories.AudioConfig

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(registry *pipeline.Registry, defaultAudio repositories.AudioConfig, logger *zap.Logger) *Hub {
	return &Hub{
		clients:      make(map[string]*Client),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		registry:     registry,
		defaultAudio: defaultAudio,
		logger:       logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.connID] = client
			h.mu.Unlock()
			h.logger.Info("Client registered",
				zap.String("connID", client.connID),
				zap.String("deviceID", client.deviceID))

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client.connID]
			if ok {
				delete(h.clients, client.connID)
			}
			h.mu.Unlock()
			if !ok {
				continue
			}

			// Signal transport writers first; registry.Close drains the
			// session's goroutines, so nothing sends on the closed channel.
			close(client.closed)
			if err := h.registry.Close(client.connID); err != nil && err != pipeline.ErrSessionNotFound {
				h.logger.Warn("Failed to close session on unregister",
					zap.String("connID", client.connID),
					zap.Error(err))
			}
			close(client.send)
			h.logger.Info("Client unregistered", zap.String("connID", client.connID))
		}
	}
}

// HandleWebSocketWithAuth handles websocket requests with pre-authenticated device ID
func HandleWebSocketWithAuth(hub *Hub, c echo.Context, deviceID string, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan WriteData, 256),
		closed:   make(chan struct{}),
		connID:   uuid.NewString(),
		deviceID: deviceID,
		logger:   logger,
	}

	client.hub.register <- client

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}
