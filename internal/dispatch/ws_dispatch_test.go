package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/campus-ride-matching/internal/logging"
	"github.com/example/campus-ride-matching/internal/models"
)

type echoHandler struct {
	reg          *WSRegistry
	disconnected chan string
}

func (h *echoHandler) HandleMessage(_ context.Context, connID, event string, data json.RawMessage) {
	msg, err := Encode(event+"-ack", data)
	if err != nil {
		return
	}
	_ = h.reg.Send(connID, msg)
}

func (h *echoHandler) HandleDisconnect(_ context.Context, connID string) {
	h.disconnected <- connID
}

func dial(t *testing.T) (*websocket.Conn, *WSRegistry, *echoHandler) {
	t.Helper()
	reg := NewWSRegistry(8, "", logging.Discard())
	h := &echoHandler{reg: reg, disconnected: make(chan string, 1)}
	reg.SetHandler(h)
	srv := httptest.NewServer(http.HandlerFunc(reg.ServeWS))
	t.Cleanup(func() {
		reg.Close()
		srv.Close()
	})
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, reg, h
}

func readEnvelope(t *testing.T, conn *websocket.Conn) models.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env models.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func TestRoundTrip(t *testing.T) {
	conn, _, _ := dial(t)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"event": "ping", "data": map[string]int{"x": 1}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := readEnvelope(t, conn)
	if env.Event != "ping-ack" || string(env.Data) != `{"x":1}` {
		t.Fatalf("unexpected reply %s %s", env.Event, env.Data)
	}
}

func TestMalformedFrameGetsRequestError(t *testing.T) {
	conn, _, _ := dial(t)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := readEnvelope(t, conn)
	if env.Event != models.EventRequestError {
		t.Fatalf("expected request-error, got %s", env.Event)
	}
}

func TestDisconnectIsReported(t *testing.T) {
	conn, reg, h := dial(t)
	_ = conn.Close()

	select {
	case id := <-h.disconnected:
		if id == "" {
			t.Fatal("empty connection id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
	if reg.Len() != 0 {
		t.Fatalf("session not removed, %d left", reg.Len())
	}
	if err := reg.Send("missing", []byte("{}")); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestCloseDoesNotReportDisconnects(t *testing.T) {
	conn, reg, h := dial(t)
	defer conn.Close()

	// a round trip guarantees the session is registered
	if err := conn.WriteJSON(map[string]any{"event": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readEnvelope(t, conn)

	reg.Close()
	select {
	case id := <-h.disconnected:
		t.Fatalf("shutdown reported %s as disconnected", id)
	case <-time.After(200 * time.Millisecond):
	}
	if reg.Len() != 0 {
		t.Fatalf("sessions left after close: %d", reg.Len())
	}
}
