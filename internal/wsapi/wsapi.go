// Package wsapi is the WebSocket half of the Transport component (C8): it
// upgrades HTTP to WebSocket, decodes UI frames, and dispatches them onto
// the ACP Bridge, serializing all outbound frames through one writer pump
// per session.
package wsapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hyper-ai-inc/acp-proxy/internal/acpproto"
	"github.com/hyper-ai-inc/acp-proxy/internal/auth"
	"github.com/hyper-ai-inc/acp-proxy/internal/bridge"
	"github.com/hyper-ai-inc/acp-proxy/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 * 1024 * 1024
	sendQueueSize  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inboundFrame is the wire shape of every UI->proxy message: a type
// discriminator plus the raw payload, decoded per-type below.
type inboundFrame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Path      string          `json:"path"`
	RequestID string          `json:"requestId"`
	Outcome   json.RawMessage `json:"outcome"`
	CallID    string          `json:"callId"`
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error"`
	ModelID   string          `json:"modelId"`
}

// Handler upgrades WebSocket connections and wires each one to a fresh
// session.Session running against the shared Bridge.
type Handler struct {
	Bridge   *bridge.Bridge
	Registry *session.Registry
	Auth     *auth.Gate
	Logger   *log.Logger
}

// NewHandler returns a ready-to-mount Handler.
func NewHandler(b *bridge.Bridge, registry *session.Registry, gate *auth.Gate, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{Bridge: b, Registry: registry, Auth: gate, Logger: logger}
}

// ServeHTTP implements the "GET /ws" route.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.Auth.CheckRequest(r) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		closeMsg := websocket.FormatCloseMessage(4001, "invalid token")
		conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
		conn.Close()
		return
	}
	if !h.Auth.Enabled() {
		h.Logger.Printf("[wsapi] accepting connection with auth disabled (--no-auth)")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Printf("[wsapi] upgrade failed: %v", err)
		return
	}

	out := make(chan session.Frame, sendQueueSize)
	var s *session.Session
	s = session.New(func(f session.Frame) {
		select {
		case out <- f:
		default:
			h.Logger.Printf("[wsapi] send queue full for session %s, dropping %s frame", s.ID, f.Type)
		}
	})
	h.Registry.Add(s)

	go h.writePump(conn, out)
	h.readPump(conn, s, out)
}

func (h *Handler) readPump(conn *websocket.Conn, s *session.Session, out chan session.Frame) {
	ctx := context.Background()

	defer func() {
		h.Bridge.Close(s)
		h.Registry.Remove(s.ID)
		close(out)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			h.Logger.Printf("[wsapi] malformed frame from session %s: %v", s.ID, err)
			continue
		}

		if h.dispatchSafe(ctx, s, in) {
			return
		}
	}
}

// dispatchSafe confines a panic in one frame's handler to this session: the
// panic is logged and the read loop returns, tearing down only this session
// via readPump's deferred cleanup.
func (h *Handler) dispatchSafe(ctx context.Context, s *session.Session, in inboundFrame) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			h.Logger.Printf("[wsapi] panic handling %q frame for session %s: %v", in.Type, s.ID, r)
			panicked = true
		}
	}()
	h.dispatch(ctx, s, in)
	return false
}

func (h *Handler) dispatch(ctx context.Context, s *session.Session, in inboundFrame) {
	switch in.Type {
	case "connect":
		var p bridge.ConnectPayload
		json.Unmarshal(in.Payload, &p)
		h.Bridge.Connect(ctx, s, p)

	case "disconnect":
		h.Bridge.Close(s)

	case "new_session":
		var p bridge.NewSessionPayload
		json.Unmarshal(in.Payload, &p)
		h.Bridge.NewSession(ctx, s, p)

	case "prompt":
		var p bridge.PromptPayload
		json.Unmarshal(in.Payload, &p)
		h.Bridge.Prompt(ctx, s, p)

	case "cancel":
		h.Bridge.Cancel(s)

	case "permission_response":
		var outcome acpproto.PermissionOutcome
		json.Unmarshal(in.Outcome, &outcome)
		h.Bridge.ResolvePermission(s, bridge.PermissionResponsePayload{RequestID: in.RequestID, Outcome: outcome})

	case "browser_tool_result":
		var result map[string]interface{}
		json.Unmarshal(in.Result, &result)
		h.Bridge.ResolveBrowserToolResult(bridge.BrowserToolResultPayload{CallID: in.CallID, Result: result, Error: in.Error})

	case "set_session_model":
		h.Bridge.SetSessionModel(ctx, s, bridge.SetSessionModelPayload{ModelID: in.ModelID})

	case "fs_list":
		h.Bridge.FSList(s, bridge.FSPathPayload{Path: in.Path})

	case "fs_read":
		h.Bridge.FSRead(s, bridge.FSPathPayload{Path: in.Path})

	case "fs_watch_start":
		h.Bridge.FSWatchStart(s)

	case "fs_watch_stop":
		h.Bridge.FSWatchStop(s)

	default:
		h.Logger.Printf("[wsapi] unknown frame type %q from session %s", in.Type, s.ID)
	}
}

func (h *Handler) writePump(conn *websocket.Conn, out <-chan session.Frame) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := marshalFrame(frame)
			if err != nil {
				h.Logger.Printf("[wsapi] failed to marshal outbound frame %q: %v", frame.Type, err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func marshalFrame(f session.Frame) ([]byte, error) {
	envelope := map[string]interface{}{"type": f.Type}
	if f.Payload != nil {
		payload, err := json.Marshal(f.Payload)
		if err != nil {
			return nil, err
		}
		var fields map[string]interface{}
		if err := json.Unmarshal(payload, &fields); err == nil {
			for k, v := range fields {
				envelope[k] = v
			}
		}
	}
	return json.Marshal(envelope)
}
