package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const waitTimeout = 5 * time.Second

func newTestServer(t *testing.T, config ConnConfig, origins []string) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil, quiet)
	srv := httptest.NewServer(NewHandler(hub, config, origins))
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)
	return hub, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dial connects a client and consumes the welcome frame.
func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	var welcome Frame
	ws.SetReadDeadline(time.Now().Add(waitTimeout))
	if err := ws.ReadJSON(&welcome); err != nil {
		t.Fatalf("reading welcome: %v", err)
	}
	if welcome.Type != "connection" || welcome.Message != WelcomeMessage || welcome.Timestamp == 0 {
		t.Fatalf("welcome = %+v", welcome)
	}
	return ws
}

func readText(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(waitTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() failed: %v", err)
	}
	return string(data)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_fanOut(t *testing.T) {
	hub, srv := newTestServer(t, testConnConfig(), nil)
	clients := []*websocket.Conn{dial(t, srv), dial(t, srv), dial(t, srv)}
	waitFor(t, "3 registrations", func() bool { return hub.Count() == 3 })

	frame := `{"type":"change","operation":"insert","table":"inventory","row":{"id":"e1"}}`
	if n := hub.Broadcast([]byte(frame)); n != 3 {
		t.Fatalf("Broadcast() = %d, want 3", n)
	}
	for i, ws := range clients {
		if got := readText(t, ws); got != frame {
			t.Errorf("client %d got %s", i, got)
		}
	}

	// Exactly one frame each: the next read times out.
	for i, ws := range clients {
		ws.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		if _, data, err := ws.ReadMessage(); err == nil {
			t.Errorf("client %d got an extra frame %s", i, data)
		}
	}
}

func TestHandler_lateJoinerExclusion(t *testing.T) {
	hub, srv := newTestServer(t, testConnConfig(), nil)
	early := dial(t, srv)
	waitFor(t, "registration", func() bool { return hub.Count() == 1 })

	hub.Broadcast([]byte(`{"n":1}`))
	if got := readText(t, early); got != `{"n":1}` {
		t.Fatalf("early client got %s", got)
	}

	late := dial(t, srv)
	waitFor(t, "registration", func() bool { return hub.Count() == 2 })
	hub.Broadcast([]byte(`{"n":2}`))

	if got := readText(t, late); got != `{"n":2}` {
		t.Errorf("late client first frame = %s, want the second event only", got)
	}
	if got := readText(t, early); got != `{"n":2}` {
		t.Errorf("early client got %s", got)
	}
}

func TestHandler_deadConnectionPruning(t *testing.T) {
	config := testConnConfig()
	config.PingInterval = 20 * time.Millisecond
	hub, srv := newTestServer(t, config, nil)

	// The healthy client keeps reading, so its library answers pings.
	healthy := dial(t, srv)
	frames := make(chan string, 8)
	go func() {
		defer close(frames)
		for {
			_, data, err := healthy.ReadMessage()
			if err != nil {
				return
			}
			frames <- string(data)
		}
	}()

	// The dead client never reads again and so never answers a ping.
	dial(t, srv)
	waitFor(t, "registration", func() bool { return hub.Count() == 2 })
	waitFor(t, "the dead client to be pruned", func() bool { return hub.Count() == 1 })

	// Give the healthy client a few more probe rounds.
	time.Sleep(5 * config.PingInterval)
	if hub.Count() != 1 {
		t.Fatalf("Count() = %d, healthy client was dropped", hub.Count())
	}

	if n := hub.Broadcast([]byte(`{"after":"prune"}`)); n != 1 {
		t.Fatalf("Broadcast() = %d, want 1", n)
	}
	select {
	case got := <-frames:
		if got != `{"after":"prune"}` {
			t.Errorf("healthy client got %s", got)
		}
	case <-time.After(waitTimeout):
		t.Fatal("healthy client got nothing")
	}
}

func TestHandler_clientPing(t *testing.T) {
	hub, srv := newTestServer(t, testConnConfig(), nil)
	ws := dial(t, srv)
	waitFor(t, "registration", func() bool { return hub.Count() == 1 })

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteJSON(map[string]string{"action": "ping"}); err != nil {
		t.Fatal(err)
	}
	var pong Frame
	if err := json.Unmarshal([]byte(readText(t, ws)), &pong); err != nil {
		t.Fatal(err)
	}
	if pong.Type != "pong" {
		t.Errorf("reply = %+v, want pong", pong)
	}
}

func TestHandler_clientDisconnectUnregisters(t *testing.T) {
	hub, srv := newTestServer(t, testConnConfig(), nil)
	ws := dial(t, srv)
	waitFor(t, "registration", func() bool { return hub.Count() == 1 })

	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	ws.Close()
	waitFor(t, "unregistration", func() bool { return hub.Count() == 0 })
}

func TestHandler_origin(t *testing.T) {
	_, srv := newTestServer(t, testConnConfig(), []string{"https://ok.example"})

	header := http.Header{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err == nil {
		t.Fatal("Dial() from a foreign origin should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}

	header = http.Header{"Origin": {"https://ok.example"}}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err != nil {
		t.Fatalf("Dial() from an allowed origin failed: %v", err)
	}
	ws.Close()
}

func TestCheckOrigin(t *testing.T) {
	open := checkOrigin(nil)
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://anything.example")
	if !open(r) {
		t.Error("empty allow-list should accept every origin")
	}

	strict := checkOrigin([]string{"https://ok.example"})
	if !strict(httptest.NewRequest(http.MethodGet, "/ws", nil)) {
		t.Error("requests without Origin should be accepted")
	}
	if strict(r) {
		t.Error("foreign origin accepted")
	}
}
