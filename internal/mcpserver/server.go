// Package mcpserver exposes perch sessions to MCP clients. Every tool is a
// thin client of the perch HTTP API, so MCP traffic goes through the same
// auth and validation as the web UI and chat bridges.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/common/logger"
)

// Config holds the MCP server configuration.
type Config struct {
	Port     int    // listen port; 0 picks a free one
	PerchURL string // perch API base URL (e.g. http://localhost:8787)
	Token    string // bearer token for the perch API, empty in dev mode
}

// Server serves the tool set over both MCP transports on one port: SSE at
// /sse for clients like Claude Desktop and Cursor, Streamable HTTP at /mcp
// for Codex.
type Server struct {
	cfg Config
	log *logger.Logger

	mu         sync.Mutex
	running    bool
	sse        *server.SSEServer
	streamable *server.StreamableHTTPServer
	httpSrv    *http.Server
}

// New creates an MCP server; nothing listens until Start.
func New(cfg Config) *Server {
	return &Server{cfg: cfg, log: logger.Default().WithFields(zap.String("component", "mcp"))}
}

// Start binds the listener and serves in the background. Binding happens
// before Start returns so a taken port is an immediate error, and the
// resolved port is recorded when 0 was requested.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("mcp server already running")
	}

	core := server.NewMCPServer("perch-mcp", "1.0.0", server.WithToolCapabilities(true))
	registerTools(core, s.cfg, s.log)

	s.sse = server.NewSSEServer(core)
	s.streamable = server.NewStreamableHTTPServer(core, server.WithEndpointPath("/mcp"))

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sse.SSEHandler())
	mux.Handle("/message", s.sse.MessageHandler())
	mux.Handle("/mcp", s.streamable)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("mcp listen: %w", err)
	}
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = addr.Port
	}

	s.httpSrv = &http.Server{Handler: mux}
	s.running = true
	s.log.Info("MCP server listening", zap.Int("port", s.cfg.Port))

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("MCP server error", zap.Error(err))
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	return nil
}

// Stop shuts down the HTTP server and both transports. Idempotent.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	httpSrv, sse, streamable := s.httpSrv, s.sse, s.streamable
	s.mu.Unlock()
	if !running {
		return nil
	}

	if err := httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("mcp shutdown: %w", err)
	}
	if sse != nil {
		if err := sse.Shutdown(ctx); err != nil {
			s.log.Warn("SSE transport shutdown", zap.Error(err))
		}
	}
	if streamable != nil {
		if err := streamable.Shutdown(ctx); err != nil {
			s.log.Warn("streamable transport shutdown", zap.Error(err))
		}
	}
	return nil
}

// SSEEndpoint is the URL SSE-transport clients connect to.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.cfg.Port)
}

// StreamableHTTPEndpoint is the URL Streamable-HTTP clients connect to.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.cfg.Port)
}
