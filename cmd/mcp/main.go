// chatgate-mcp exposes profile access state, usage and trial/chat operations
// to operator LLM tooling over MCP stdio.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/chatgate/internal/logging"
	"github.com/mbd888/chatgate/internal/mcpserver"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:      os.Getenv("CHATGATE_API_URL"),
		AdminSecret: os.Getenv("CHATGATE_ADMIN_SECRET"),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080"
	}

	// stdout carries the MCP protocol
	logger := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "text", cfg.AdminSecret)

	if cfg.AdminSecret == "" {
		logger.Error("CHATGATE_ADMIN_SECRET is required")
		os.Exit(1)
	}

	logger.Info("serving chatgate tools over stdio", "api_url", cfg.APIURL, "version", version)
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg, version)); err != nil {
		logger.Error("MCP server error", "error", err)
		os.Exit(1)
	}
}
