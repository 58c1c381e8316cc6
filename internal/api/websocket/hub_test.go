package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/SorterBridge/internal/auth"
	"github.com/KevinKickass/SorterBridge/internal/bridge"
	"github.com/KevinKickass/SorterBridge/internal/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type staticValidator struct {
	enabled bool
	token   string
}

func (v staticValidator) Enabled() bool { return v.enabled }

func (v staticValidator) ValidateToken(token string) (*auth.JWTClaims, []auth.Permission, error) {
	if token != v.token {
		return nil, nil, errors.New("invalid token")
	}
	return &auth.JWTClaims{Username: "scada", Role: "operator"}, []auth.Permission{auth.PermOperator}, nil
}

type fixedStatus struct{}

func (fixedStatus) Status() bridge.Status {
	return bridge.Status{State: bridge.StateRunning, Cycles: 42}
}

func startHub(t *testing.T, v TokenValidator) (*Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(zap.NewNop(), v)
	hub.SetStatusProvider(fixedStatus{})
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type received struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

func read(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg received
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestAuthenticatedClientReceivesReleases(t *testing.T) {
	hub, url := startHub(t, staticValidator{enabled: true, token: "good"})
	conn := dial(t, url)

	if err := conn.WriteJSON(map[string]string{"type": "auth", "token": "good"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := read(t, conn); msg.Type != MessageTypeAuthSuccess {
		t.Fatalf("expected auth_success, got %s", msg.Type)
	}

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	hub.PublishRelease(types.NewReleaseEvent(types.ReleaseEventDispatched, 3,
		types.ReleaseEntry{DueAt: at, Input: 2}, at))

	msg := read(t, conn)
	if msg.Type != MessageTypeRelease {
		t.Fatalf("expected release, got %s", msg.Type)
	}
	var event types.ReleaseEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.Channel != 3 || event.Kind != types.ReleaseEventDispatched || event.Input != 2 {
		t.Fatalf("unexpected event %+v", event)
	}

	hub.PublishState(bridge.StateRunning, bridge.StateShuttingDown)
	msg = read(t, conn)
	var state BridgeStateData
	if err := json.Unmarshal(msg.Data, &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != MessageTypeBridgeState || state.State != "SHUTTING_DOWN" || state.Previous != "RUNNING" {
		t.Fatalf("unexpected state message %s %+v", msg.Type, state)
	}
}

func TestAuthRejected(t *testing.T) {
	hub, url := startHub(t, staticValidator{enabled: true, token: "good"})

	tests := []struct {
		name string
		send map[string]string
	}{
		{"wrong type", map[string]string{"type": "status"}},
		{"missing token", map[string]string{"type": "auth"}},
		{"bad token", map[string]string{"type": "auth", "token": "bad"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dial(t, url)
			if err := conn.WriteJSON(tt.send); err != nil {
				t.Fatalf("write: %v", err)
			}
			if msg := read(t, conn); msg.Type != MessageTypeAuthFailed {
				t.Fatalf("expected auth_failed, got %s", msg.Type)
			}

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, _, err := conn.ReadMessage(); err == nil {
				t.Fatalf("expected connection to be closed")
			}
		})
	}

	if n := hub.ClientCount(); n != 0 {
		t.Fatalf("rejected clients must not register, got %d", n)
	}
}

func TestStatusRequestWithoutAuth(t *testing.T) {
	_, url := startHub(t, staticValidator{enabled: false})
	conn := dial(t, url)

	if msg := read(t, conn); msg.Type != MessageTypeAuthSuccess {
		t.Fatalf("expected auth_success, got %s", msg.Type)
	}
	if err := conn.WriteJSON(map[string]string{"type": "status"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := read(t, conn)
	if msg.Type != MessageTypeSystemStatus {
		t.Fatalf("expected system_status, got %s", msg.Type)
	}
	var st struct {
		State  string `json:"state"`
		Cycles uint64 `json:"cycles"`
	}
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != "RUNNING" || st.Cycles != 42 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestBroadcastNeverBlocks(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)

	// Run is not started, the queue fills up and further messages are dropped
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.PublishCycle(bridge.CycleReport{At: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publishing blocked")
	}
}

func TestJoinedClientReceivesImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(zap.NewNop(), nil)
	go hub.Run(ctx)

	for i := 0; i < 200; i++ {
		c := &Client{id: uuid.New(), hub: hub, send: make(chan []byte, 1), logger: zap.NewNop()}
		if !hub.join(c) {
			t.Fatalf("join %d: hub stopped", i)
		}
		if n := hub.ClientCount(); n != i+1 {
			t.Fatalf("join %d: expected %d clients, got %d", i, i+1, n)
		}
		if !hub.sendTo(c, []byte(`{}`)) {
			t.Fatalf("join %d: reply dropped right after join", i)
		}
	}
}

func TestJoinAfterStopFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(zap.NewNop(), nil)
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	c := &Client{id: uuid.New(), hub: hub, send: make(chan []byte, 1), logger: zap.NewNop()}
	if hub.join(c) {
		t.Fatalf("join must fail on a stopped hub")
	}
}
