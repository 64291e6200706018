package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all ledger tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("bountyledger", "0.1.0")
	h := NewHandlers(NewLedgerClient(cfg))

	s.AddTool(ToolListBounties, h.HandleListBounties)
	s.AddTool(ToolGetBounty, h.HandleGetBounty)
	s.AddTool(ToolCreateBounty, h.HandleCreateBounty)
	s.AddTool(ToolGetAuthorizationDigest, h.HandleGetAuthorizationDigest)
	s.AddTool(ToolSubmitAuthorization, h.HandleSubmitAuthorization)
	s.AddTool(ToolClaimBounty, h.HandleClaimBounty)
	s.AddTool(ToolDisputeBounty, h.HandleDisputeBounty)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolGetLedgerStats, h.HandleGetLedgerStats)

	return s
}
