package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all chatgate tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("chatgate", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetAccessState, h.HandleGetAccessState)
	s.AddTool(ToolListUsage, h.HandleListUsage)
	s.AddTool(ToolStartTrial, h.HandleStartTrial)
	s.AddTool(ToolLinkChat, h.HandleLinkChat)

	return s
}
