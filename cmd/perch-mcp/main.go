// Package main runs the MCP server on its own, for setups where the perch
// daemon is managed separately and MCP clients (Claude Desktop, Cursor,
// Codex) need an endpoint pointed at it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/common/logger"
	"github.com/perchhq/perch/internal/mcpserver"
)

func main() {
	port := flag.Int("port", 9090, "MCP server port")
	apiURL := flag.String("perch-url", "http://localhost:8787", "perch API URL")
	token := flag.String("token", "", "perch API bearer token")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "console", "log format (console, json)")
	flag.Parse()

	// Environment overrides flags, so a systemd unit can configure the
	// binary without touching its command line.
	cfg := mcpserver.Config{
		Port:     envInt("PERCH_MCP_PORT", *port),
		PerchURL: envStr("PERCH_API_URL", *apiURL),
		Token:    envStr("PERCH_API_TOKEN", *token),
	}

	log, err := logger.New(logger.Config{
		Level:  envStr("PERCH_MCP_LOG_LEVEL", *logLevel),
		Format: envStr("PERCH_MCP_LOG_FORMAT", *logFormat),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	srv, cleanup, err := mcpserver.Provide(context.Background(), cfg, log)
	if err != nil {
		log.Error("failed to start MCP server", zap.Error(err))
		os.Exit(1)
	}

	log.Info("perch-mcp started",
		zap.String("perch_url", cfg.PerchURL),
		zap.String("sse_endpoint", srv.SSEEndpoint()),
		zap.String("streamable_http_endpoint", srv.StreamableHTTPEndpoint()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down perch-mcp")
	if err := cleanup(); err != nil {
		log.Error("error during shutdown", zap.Error(err))
	}
	log.Info("perch-mcp stopped")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
