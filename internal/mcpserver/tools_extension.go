//go:build extension

package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	mcpsrv "github.com/mark3labs/mcp-go/server"

	"github.com/hyper-ai-inc/acp-proxy/internal/bridge"
	"github.com/hyper-ai-inc/acp-proxy/internal/session"
)

// registerExtensionTools adds browser_screenshot and browser_tabs, only
// meaningful when the companion browser extension (not just the PWA) is
// driving the UI session.
func registerExtensionTools(mcpServer *mcpsrv.MCPServer, s *Server) {
	mcpServer.AddTool(mcp.NewTool("browser_screenshot",
		mcp.WithDescription("Capture a PNG screenshot of the connected browser tab."),
	), s.handleBrowserScreenshot)

	mcpServer.AddTool(mcp.NewTool("browser_tabs",
		mcp.WithDescription("List the browser tabs the extension currently has access to."),
	), s.handleBrowserTabs)
}

func (s *Server) handleBrowserScreenshot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.targetSession(ctx)
	if err != nil {
		return nil, err
	}

	callID := newCallID()
	resultCh := s.pending.Register(callID, sess.ID)
	sess.Send(session.Frame{
		Type:    "browser_tool_call",
		Payload: bridge.BrowserToolCallFrame{CallID: callID, Params: map[string]interface{}{"action": "screenshot"}},
	})

	result := <-resultCh
	if result.Error != "" {
		return mcp.NewToolResultError(result.Error), nil
	}

	data, _ := result.Result["data"].(string)
	raw, decErr := base64.StdEncoding.DecodeString(data)
	if decErr != nil {
		return mcp.NewToolResultError("screenshot payload was not valid base64"), nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: "Screenshot captured."},
			mcp.ImageContent{Type: "image", MIMEType: "image/png", Data: base64.StdEncoding.EncodeToString(raw)},
		},
	}, nil
}

func (s *Server) handleBrowserTabs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.targetSession(ctx)
	if err != nil {
		return nil, err
	}

	callID := newCallID()
	resultCh := s.pending.Register(callID, sess.ID)
	sess.Send(session.Frame{
		Type:    "browser_tool_call",
		Payload: bridge.BrowserToolCallFrame{CallID: callID, Params: map[string]interface{}{"action": "tabs"}},
	})

	result := <-resultCh
	if result.Error != "" {
		return mcp.NewToolResultError(result.Error), nil
	}

	encoded, err := json.Marshal(result.Result)
	if err != nil {
		return mcp.NewToolResultError("failed to encode tab list"), nil
	}
	return mcp.NewToolResultText(string(encoded)), nil
}
