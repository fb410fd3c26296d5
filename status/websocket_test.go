package status

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"linentrack/station/syncer"
)

// stubLogger satisfies the Logger interface for tests
type stubLogger struct{}

func (stubLogger) Error(msg string, context ...interface{}) {}
func (stubLogger) Warn(msg string, context ...interface{})  {}
func (stubLogger) Info(msg string, context ...interface{})  {}
func (stubLogger) Debug(msg string, context ...interface{}) {}

func dialTestServer(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(NewHandler(hub, stubLogger{}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketStreamsEvents(t *testing.T) {
	hub := NewHub()
	defer hub.Stop()

	conn := dialTestServer(t, hub)

	// Wait for the subscription to land before publishing
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(syncer.Event{Status: syncer.StatusSyncing, Message: "Full sync started"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msg.Type != MessageTypeSyncStatus || msg.Event.Status != syncer.StatusSyncing {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestWebSocketReplaysLastEvent(t *testing.T) {
	hub := NewHub()
	defer hub.Stop()

	// Publish before any client connects
	hub.Publish(syncer.Event{Status: syncer.StatusCompleted, Message: "Delta sync completed"})

	conn := dialTestServer(t, hub)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msg.Event.Status != syncer.StatusCompleted {
		t.Errorf("expected replay of last event, got %+v", msg)
	}
}
