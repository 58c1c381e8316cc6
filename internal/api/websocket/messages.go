package websocket

import (
	"time"

	"github.com/KevinKickass/SorterBridge/internal/auth"
	"github.com/KevinKickass/SorterBridge/internal/bridge"
	"github.com/KevinKickass/SorterBridge/internal/types"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Handshake
	MessageTypeAuth        MessageType = "auth"
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"

	// Poll loop
	MessageTypeCycle       MessageType = "cycle"
	MessageTypeRelease     MessageType = "release"
	MessageTypeBridgeState MessageType = "bridge_state"

	// System messages
	MessageTypeStatusRequest MessageType = "status"
	MessageTypeSystemStatus  MessageType = "system_status"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// clientMessage is what a client may send: the auth handshake or a
// status request.
type clientMessage struct {
	Type  MessageType `json:"type"`
	Token string      `json:"token,omitempty"`
}

type AuthSuccessData struct {
	ClientID    string            `json:"client_id"`
	Username    string            `json:"username"`
	Permissions []auth.Permission `json:"permissions"`
}

type AuthFailedData struct {
	Reason string `json:"reason"`
}

// BridgeStateData represents a poll loop state change
type BridgeStateData struct {
	State    string `json:"state"`
	Previous string `json:"previous_state"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewCycleMessage(report bridge.CycleReport) Message {
	msg := NewMessage(MessageTypeCycle, report)
	msg.Timestamp = report.At
	return msg
}

func NewReleaseMessage(event types.ReleaseEvent) Message {
	msg := NewMessage(MessageTypeRelease, event)
	msg.Timestamp = event.At
	return msg
}

func NewBridgeStateMessage(from, to bridge.State) Message {
	return NewMessage(MessageTypeBridgeState, BridgeStateData{
		State:    to.String(),
		Previous: from.String(),
	})
}
