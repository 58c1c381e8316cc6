package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/KevinKickass/SorterBridge/internal/auth"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message
	authWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Bediengeräte im Anlagennetz, kein Browser-Origin
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a WebSocket client connection.
//
// The send channel is closed by the hub once the client is registered,
// and by the client itself when it never got that far.
type Client struct {
	id         uuid.UUID
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	logger     *zap.Logger
	remoteAddr string

	// readPump only
	registered bool
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		if c.registered {
			c.hub.leave(c)
		} else {
			close(c.send)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if c.registered {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	} else {
		c.conn.SetReadDeadline(time.Now().Add(authWait))
	}
	c.conn.SetPongHandler(func(string) error {
		if c.registered {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		return nil
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr))
			}
			return
		}

		// First message MUST be authentication
		if !c.registered {
			if !c.authenticate(msg) {
				return
			}
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) authenticate(msg clientMessage) bool {
	if msg.Type != MessageTypeAuth {
		c.sendAuthFailed("First message must be authentication")
		return false
	}
	if msg.Token == "" {
		c.sendAuthFailed("Missing token in auth message")
		return false
	}

	claims, permissions, err := c.hub.auth.ValidateToken(msg.Token)
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.remoteAddr))
		c.sendAuthFailed("Invalid or expired token")
		return false
	}

	// erst registrieren, dann bestätigen
	if !c.hub.join(c) {
		return false
	}
	c.registered = true
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	c.reply(NewMessage(MessageTypeAuthSuccess, AuthSuccessData{
		ClientID:    c.id.String(),
		Username:    claims.Username,
		Permissions: permissions,
	}))
	c.logger.Info("WebSocket client authenticated",
		zap.String("client_id", c.id.String()),
		zap.String("username", claims.Username),
		zap.String("remote_addr", c.remoteAddr))
	return true
}

// sendAuthFailed is only used before registration, the client still owns send.
func (c *Client) sendAuthFailed(reason string) {
	data, err := json.Marshal(NewMessage(MessageTypeAuthFailed, AuthFailedData{Reason: reason}))
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) reply(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal reply", zap.Error(err))
		return
	}
	c.hub.sendTo(c, data)
}

func (c *Client) handleMessage(msg clientMessage) {
	switch msg.Type {
	case MessageTypeStatusRequest:
		if st, ok := c.hub.status(); ok {
			c.reply(NewMessage(MessageTypeSystemStatus, st))
		}
	default:
		c.logger.Debug("Ignoring client message",
			zap.String("client_id", c.id.String()),
			zap.String("type", string(msg.Type)))
	}
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades the request and attaches the client to the hub. With
// authentication enabled the client is registered after a valid
// {"type":"auth","token":...} message.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		id:         uuid.New(),
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		logger:     hub.logger,
		remoteAddr: r.RemoteAddr,
	}

	if !hub.authEnabled() {
		if !hub.join(client) {
			conn.Close()
			return
		}
		client.registered = true
		client.reply(NewMessage(MessageTypeAuthSuccess, AuthSuccessData{
			ClientID:    client.id.String(),
			Username:    "anonymous",
			Permissions: []auth.Permission{auth.PermOperator, auth.PermTechnician, auth.PermAdmin},
		}))
	}

	go client.writePump()
	go client.readPump()
}
