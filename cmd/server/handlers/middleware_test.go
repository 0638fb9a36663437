package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/stockroom/backend/internal/logging"
	"github.com/kimhsiao/stockroom/backend/internal/realtime"
)

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewRateLimiter(2, time.Minute, "slow down")
	l.now = func() time.Time { return now }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatalf("the first two requests should pass")
	}
	if l.Allow("a") {
		t.Fatalf("the third request within the window should be rejected")
	}
	if !l.Allow("b") {
		t.Fatalf("another client has its own budget")
	}

	now = now.Add(31 * time.Second)
	if !l.Allow("a") {
		t.Fatalf("one token should refill after window/limit")
	}
	if l.Allow("a") {
		t.Fatalf("only one token should have refilled")
	}

	now = now.Add(2 * time.Minute)
	l.Allow("c")
	l.mu.Lock()
	_, keptA := l.visitors["a"]
	n := len(l.visitors)
	l.mu.Unlock()
	if keptA || n != 1 {
		t.Fatalf("idle visitors should be swept, have %d (a kept: %v)", n, keptA)
	}
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		remote, forwarded, want string
	}{
		{"192.0.2.1:5000", "", "192.0.2.1"},
		{"192.0.2.1:5000", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"[2001:db8::1]:443", "", "2001:db8::1"},
		{"pipe", "", "pipe"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remote
		if tt.forwarded != "" {
			r.Header.Set("X-Forwarded-For", tt.forwarded)
		}
		if got := clientAddr(r); got != tt.want {
			t.Errorf("clientAddr(%q, %q) = %q, want %q", tt.remote, tt.forwarded, got, tt.want)
		}
	}
}

func TestWithRecovery(t *testing.T) {
	h := WithRecovery(logging.New(io.Discard, logging.LevelError))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestWebsocketThroughMiddleware(t *testing.T) {
	log := logging.New(io.Discard, logging.LevelError)
	hub := realtime.NewHub(nil, log)
	t.Cleanup(hub.Close)
	ws := realtime.NewHandler(hub, realtime.ConnConfig{
		PingInterval:   time.Hour,
		WriteWait:      time.Second,
		MaxMissedPongs: 2,
		SendBuffer:     8,
	}, []string{"https://front.example"})

	cfg := testConfig()
	srv := httptest.NewServer(NewRouter(Deps{Realtime: ws, Logger: log}, cfg))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://front.example"}})
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame realtime.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("reading welcome frame: %v", err)
	}
	if frame.Type != "connection" || frame.Message != realtime.WelcomeMessage {
		t.Fatalf("welcome frame = %+v", frame)
	}

	deadline := time.Now().Add(5 * time.Second)
	for hub.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("connection was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	n := hub.Broadcast([]byte(`{"type":"change"}`))
	if n != 1 {
		t.Fatalf("Broadcast() = %d, want 1", n)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil || got["type"] != "change" {
		t.Fatalf("relayed frame = %s", data)
	}
}
