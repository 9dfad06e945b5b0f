package wsapi

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyper-ai-inc/acp-proxy/internal/auth"
	"github.com/hyper-ai-inc/acp-proxy/internal/bridge"
	"github.com/hyper-ai-inc/acp-proxy/internal/session"
)

func setupTestServer(t *testing.T, gate *auth.Gate) (*httptest.Server, *session.Registry, func()) {
	t.Helper()
	registry := session.NewRegistry()
	pending := bridge.NewPendingCalls()
	b := bridge.New(nil, func(string) string { return "" }, nil, registry, pending)
	h := NewHandler(b, registry, gate, nil)

	server := httptest.NewServer(h)
	return server, registry, server.Close
}

func wsURL(server *httptest.Server, query string) string {
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/"
	if query != "" {
		url += "?" + query
	}
	return url
}

func TestConnectRegistersSession(t *testing.T) {
	gate, err := auth.NewGate("", true)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	server, registry, cleanup := setupTestServer(t, gate)
	defer cleanup()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess, ok := registry.Sole(); ok {
			_ = sess
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected exactly one session registered after connect")
}

func TestInvalidTokenClosesWithCode4001(t *testing.T) {
	gate, err := auth.NewGate("correct-token", false)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	server, _, cleanup := setupTestServer(t, gate)
	defer cleanup()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "token=wrong"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != 4001 {
		t.Fatalf("expected close code 4001, got %d", closeErr.Code)
	}
}

func TestValidTokenIsAccepted(t *testing.T) {
	gate, err := auth.NewGate("correct-token", false)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	server, registry, cleanup := setupTestServer(t, gate)
	defer cleanup()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "token=correct-token"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := registry.Sole(); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected session to be registered with a valid token")
}

func TestUnknownFrameTypeIsIgnored(t *testing.T) {
	gate, err := auth.NewGate("", true)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	server, _, cleanup := setupTestServer(t, gate)
	defer cleanup()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame, _ := json.Marshal(map[string]string{"type": "not_a_real_frame"})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected read timeout, connection should stay open for an unknown frame type")
	}
}
