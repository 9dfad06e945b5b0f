// Package mcpserver implements the MCP Endpoint (C7): an HTTP JSON-RPC
// server exposing browser tools that round-trip through the owning UI
// session's WebSocket.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpsrv "github.com/mark3labs/mcp-go/server"

	"github.com/hyper-ai-inc/acp-proxy/internal/auth"
	"github.com/hyper-ai-inc/acp-proxy/internal/bridge"
	"github.com/hyper-ai-inc/acp-proxy/internal/session"
)

type sessionCtxKey struct{}

// errNoExtension matches the wire text the agent is taught to expect when
// no UI client is connected to service a browser tool call. It is surfaced
// as a protocol-level JSON-RPC error with noExtensionErrorCode, never as a
// tool result, so the agent can tell "nobody home" apart from a tool that
// ran and failed.
var errNoExtension = errors.New("No browser extension connected")

const noExtensionErrorCode = -32000

// Server mounts the MCP HTTP surface at /mcp and /mcp/{sessionId}.
type Server struct {
	mcp      *mcpsrv.MCPServer
	http     *mcpsrv.StreamableHTTPServer
	registry *session.Registry
	pending  *bridge.PendingCalls
	auth     *auth.Gate
	logger   *log.Logger
}

// New builds the MCP server and registers the browser tool set. The
// screenshot and tabs tools exist only in builds carrying the `extension`
// build tag, since only the companion extension can service them.
func New(registry *session.Registry, pending *bridge.PendingCalls, gate *auth.Gate, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{registry: registry, pending: pending, auth: gate, logger: logger}

	mcpServer := mcpsrv.NewMCPServer(
		"acp-proxy-browser",
		"1.0.0",
		mcpsrv.WithToolCapabilities(false),
	)

	mcpServer.AddTool(mcp.NewTool("browser_read",
		mcp.WithDescription("Read a Markdown summary of the connected browser tab: URL, title, viewport, selection, and a simplified DOM."),
	), s.handleBrowserRead)

	mcpServer.AddTool(mcp.NewTool("browser_execute",
		mcp.WithDescription("Execute a JavaScript snippet in the connected browser tab's main world and return its value."),
		mcp.WithString("script", mcp.Required(), mcp.Description("JavaScript source run as the body of `new Function(script)()`.")),
	), s.handleBrowserExecute)

	registerExtensionTools(mcpServer, s)

	s.mcp = mcpServer
	s.http = mcpsrv.NewStreamableHTTPServer(mcpServer)
	return s
}

// Handler returns the http.Handler to mount at "/mcp/".
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveHTTP)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.auth.AllowMCP(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/mcp")
	sessionID = strings.Trim(sessionID, "/")

	if r.Method == http.MethodPost {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read request body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		if s.rejectOrphanToolCall(w, body, sessionID) {
			return
		}
	}

	ctx := context.WithValue(r.Context(), sessionCtxKey{}, sessionID)
	s.http.ServeHTTP(w, r.WithContext(ctx))
}

// rejectOrphanToolCall answers a tools/call that has no connected session
// to service it with a protocol-level JSON-RPC error (noExtensionErrorCode)
// rather than letting it reach a handler. Every other method passes through
// untouched.
func (s *Server) rejectOrphanToolCall(w http.ResponseWriter, body []byte, sessionID string) bool {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Method != "tools/call" {
		return false
	}
	_, sessErr := s.sessionFor(sessionID)
	if sessErr == nil {
		return false
	}

	w.Header().Set("Content-Type", "application/json")
	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}{JSONRPC: "2.0", ID: probe.ID}
	resp.Error.Code = noExtensionErrorCode
	resp.Error.Message = sessErr.Error()
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Printf("[mcp] failed writing error response: %v", err)
	}
	return true
}

// targetSession resolves the session a tool call should operate against:
// the one named in the URL path, or the sole connected session when the
// path carried no id. A miss is a protocol-level error, so handlers return
// it as (nil, err) rather than a tool result.
func (s *Server) targetSession(ctx context.Context) (*session.Session, error) {
	id, _ := ctx.Value(sessionCtxKey{}).(string)
	return s.sessionFor(id)
}

func (s *Server) sessionFor(id string) (*session.Session, error) {
	if id != "" {
		sess, ok := s.registry.Get(id)
		if !ok {
			return nil, fmt.Errorf("no session %q connected", id)
		}
		return sess, nil
	}
	sess, ok := s.registry.Sole()
	if !ok {
		return nil, errNoExtension
	}
	return sess, nil
}

func (s *Server) handleBrowserRead(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.targetSession(ctx)
	if err != nil {
		return nil, err
	}

	callID := newCallID()
	resultCh := s.pending.Register(callID, sess.ID)
	sess.Send(session.Frame{
		Type:    "browser_tool_call",
		Payload: bridge.BrowserToolCallFrame{CallID: callID, Params: map[string]interface{}{"action": "read"}},
	})

	result := <-resultCh
	if result.Error != "" {
		return mcp.NewToolResultError(result.Error), nil
	}
	return mcp.NewToolResultText(renderPageSummary(result.Result)), nil
}

func (s *Server) handleBrowserExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	script, err := request.RequireString("script")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sess, err := s.targetSession(ctx)
	if err != nil {
		return nil, err
	}

	callID := newCallID()
	resultCh := s.pending.Register(callID, sess.ID)
	sess.Send(session.Frame{
		Type: "browser_tool_call",
		Payload: bridge.BrowserToolCallFrame{
			CallID: callID,
			Params: map[string]interface{}{"action": "execute", "script": script},
		},
	})

	result := <-resultCh
	if result.Error != "" {
		return mcp.NewToolResultError(result.Error), nil
	}
	if scriptErr, ok := result.Result["error"]; ok && scriptErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%v", scriptErr)), nil
	}

	encoded, err := json.Marshal(result.Result["result"])
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode script result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(encoded)), nil
}

func renderPageSummary(result map[string]interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %v\n\n", stringField(result, "title"))
	fmt.Fprintf(&b, "URL: %v\n\n", stringField(result, "url"))
	if viewport, ok := result["viewport"]; ok {
		fmt.Fprintf(&b, "Viewport: %v\n\n", viewport)
	}
	if selection := stringField(result, "selection"); selection != "" {
		fmt.Fprintf(&b, "Selection: %v\n\n", selection)
	}
	if dom := stringField(result, "dom"); dom != "" {
		b.WriteString(dom)
		b.WriteString("\n")
	}
	return b.String()
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
