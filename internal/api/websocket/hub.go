package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/KevinKickass/SorterBridge/internal/auth"
	"github.com/KevinKickass/SorterBridge/internal/bridge"
	"github.com/KevinKickass/SorterBridge/internal/types"
	"go.uber.org/zap"
)

// StatusProvider answers status requests from clients
type StatusProvider interface {
	Status() bridge.Status
}

// TokenValidator checks the token of the first client message.
// *auth.AuthService implements it.
type TokenValidator interface {
	Enabled() bool
	ValidateToken(token string) (*auth.JWTClaims, []auth.Permission, error)
}

// Hub maintains active WebSocket clients and broadcasts messages
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Register requests from clients
	register chan registration

	// Unregister requests from clients
	unregister chan *Client

	// closed when Run returns
	done chan struct{}

	mu sync.RWMutex

	logger *zap.Logger
	auth   TokenValidator

	statusProvider StatusProvider
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger, validator TokenValidator) *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		register:   make(chan registration),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     logger,
		auth:       validator,
	}
}

// SetStatusProvider sets the provider for status requests
func (h *Hub) SetStatusProvider(provider StatusProvider) {
	h.mu.Lock()
	h.statusProvider = provider
	h.mu.Unlock()
}

func (h *Hub) status() (bridge.Status, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.statusProvider == nil {
		return bridge.Status{}, false
	}
	return h.statusProvider.Status(), true
}

// Run starts the hub's main event loop and disconnects every client
// when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket Hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket Hub stopped")
			return

		case reg := <-h.register:
			client := reg.client
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			close(reg.ack)
			h.logger.Info("WebSocket client registered",
				zap.String("client_id", client.id.String()),
				zap.String("remote_addr", client.remoteAddr),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("client_id", client.id.String()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message",
					zap.Error(err))
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Langsamer Client, abhängen
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("client_id", client.id.String()))
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for all connected clients. It never blocks.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

func (h *Hub) PublishCycle(report bridge.CycleReport) {
	h.Broadcast(NewCycleMessage(report))
}

func (h *Hub) PublishRelease(event types.ReleaseEvent) {
	h.Broadcast(NewReleaseMessage(event))
}

func (h *Hub) PublishState(from, to bridge.State) {
	h.Broadcast(NewBridgeStateMessage(from, to))
}

var _ bridge.Publisher = (*Hub)(nil)

// sendTo delivers data to one registered client without blocking.
func (h *Hub) sendTo(c *Client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// ClientCount returns the number of registered clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) authEnabled() bool {
	return h.auth != nil && h.auth.Enabled()
}

// registration is acknowledged once the client is in h.clients.
type registration struct {
	client *Client
	ack    chan struct{}
}

// join registers c with the running hub and returns after c can receive
// messages. It reports false once the hub has stopped.
func (h *Hub) join(c *Client) bool {
	reg := registration{client: c, ack: make(chan struct{})}
	select {
	case h.register <- reg:
	case <-h.done:
		return false
	}
	<-reg.ack
	return true
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
