package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true, SessionIDs: []string{"other"}}}

	event := &Event{Type: EventBlocked, SessionID: "login_1"}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventEscalation, EventBlocked},
	}}

	if !h.shouldSend(client, &Event{Type: EventEscalation}) {
		t.Error("Should receive escalation events")
	}
	if !h.shouldSend(client, &Event{Type: EventBlocked}) {
		t.Error("Should receive blocked events")
	}
	if h.shouldSend(client, &Event{Type: EventTrustVerdict}) {
		t.Error("Should NOT receive trust verdict events")
	}
}

func TestShouldSend_SessionFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{SessionIDs: []string{"login_1"}}}

	if !h.shouldSend(client, &Event{Type: EventEscalation, SessionID: "login_1"}) {
		t.Error("Should match watched session")
	}
	if h.shouldSend(client, &Event{Type: EventEscalation, SessionID: "login_2"}) {
		t.Error("Should NOT match unrelated session")
	}
	if !h.shouldSend(client, &Event{Type: EventSecurityAlert}) {
		t.Error("Session-less alerts should reach session watchers")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, &Event{Type: EventAccessDenied, SessionID: "x"}) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishStampsEvent(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := testHub().WithClock(mock)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{SessionIDs: []string{"login_1"}},
	}
	h.register <- client

	h.Publish("login_2", EventEscalation, nil)
	h.Publish("login_1", EventBlocked, map[string]string{"reason": "secondary_failed"})

	select {
	case msg := <-client.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("bad payload %q: %v", msg, err)
		}
		if ev.Type != EventBlocked || ev.SessionID != "login_1" {
			t.Errorf("unexpected event %+v", ev)
		}
		if !ev.Timestamp.Equal(mock.Now()) {
			t.Errorf("timestamp %v, want %v", ev.Timestamp, mock.Now())
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for broadcast")
	}

	select {
	case msg := <-client.send:
		t.Errorf("unexpected second message %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Hub did not stop after context cancellation")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after shutdown, got %d", w.Code)
	}
}

func TestHub_WebSocketSessionSubscription(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?session=login_7"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for registration before publishing.
	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	h.Publish("login_8", EventEscalation, nil)
	h.Publish("login_7", EventAccessDenied, nil)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != EventAccessDenied || ev.SessionID != "login_7" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestUpgrader_CheckOrigin(t *testing.T) {
	up := NewUpgrader([]string{"https://app.example"})

	cases := map[string]bool{
		"":                     true,
		"http://svc.local":     true,
		"https://app.example":  true,
		"https://evil.example": false,
	}
	for origin, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "http://svc.local/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := up.CheckOrigin(r); got != want {
			t.Errorf("origin %q: got %v, want %v", origin, got, want)
		}
	}
}
