//go:build !extension

package mcpserver

import mcpsrv "github.com/mark3labs/mcp-go/server"

// registerExtensionTools is a no-op in the default (PWA-only) build, which
// exposes just browser_read and browser_execute.
func registerExtensionTools(mcpServer *mcpsrv.MCPServer, s *Server) {}
