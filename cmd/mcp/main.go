// bountyledger MCP server - exposes the bounty ledger as MCP tools for LLM agents
package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/bountyledger/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:  envOrDefault("BOUNTYLEDGER_API_URL", "http://localhost:8080"),
		APIKey:  os.Getenv("BOUNTYLEDGER_API_KEY"),
		Address: os.Getenv("BOUNTYLEDGER_ADDRESS"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "BOUNTYLEDGER_API_KEY is required")
		os.Exit(1)
	}
	if !common.IsHexAddress(cfg.Address) {
		fmt.Fprintln(os.Stderr, "BOUNTYLEDGER_ADDRESS must be a hex address")
		os.Exit(1)
	}
	cfg.Address = common.HexToAddress(cfg.Address).Hex()

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
