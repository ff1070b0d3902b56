// Package httpapi wires the session service onto the HTTP edge: the JSON
// API, the SSE event stream, and the operational endpoints. Handlers stay
// thin; lifecycle rules live in the service and ordering in the store.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/bridge"
	"github.com/perchhq/perch/internal/common/config"
	"github.com/perchhq/perch/internal/common/httpmw"
	"github.com/perchhq/perch/internal/common/logger"
	"github.com/perchhq/perch/internal/session/service"
)

const (
	// Version is reported by the health endpoint.
	Version = "0.4.0"
	// Protocol is the wire protocol revision external agents negotiate.
	Protocol = 1

	serverName = "perch"
)

// Server is the HTTP front of the service.
type Server struct {
	cfg     *config.Config
	svc     *service.Service
	bridges *bridge.Manager
	fanout  *bridge.Subscriber
	log     *logger.Logger

	router *gin.Engine
	http   *http.Server
}

// New builds the router with its middleware chain and handler set. The
// bridge manager and fanout subscriber may be nil when no bridge is
// configured; the bind endpoint then rejects every platform.
func New(cfg *config.Config, svc *service.Service, bridges *bridge.Manager, fanout *bridge.Subscriber, log *logger.Logger) *Server {
	if cfg.Logging.Format != "console" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.OtelTracing(serverName))

	s := &Server{
		cfg:     cfg,
		svc:     svc,
		bridges: bridges,
		fanout:  fanout,
		log:     log.WithFields(zap.String("component", "httpapi")),
		router:  router,
	}
	s.registerRoutes()
	return s
}

// Router exposes the gin engine so additional handler sets (the external
// agent surface) can attach before Run, and so tests can drive requests
// without a listener.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	auth := httpmw.BearerAuth(s.cfg.Auth.Token, s.cfg.Auth.DevMode)

	api := s.router.Group("/api", auth)
	api.GET("/health", s.health)

	api.GET("/sessions", s.listSessions)
	api.POST("/sessions", s.createSession)
	api.GET("/sessions/:id", s.getSession)
	api.DELETE("/sessions/:id", s.deleteSession)
	api.POST("/sessions/:id/start", s.startSession)
	api.POST("/sessions/:id/input", s.sessionInput)
	api.POST("/sessions/:id/stop", s.stopSession)
	api.POST("/sessions/:id/interrupt", s.interruptSession)
	api.POST("/sessions/:id/permission", s.resolvePermission)
	api.GET("/sessions/:id/permissions", s.pendingPermissions)
	api.PATCH("/sessions/:id/approval-mode", s.setApprovalMode)
	api.PATCH("/sessions/:id/rename", s.renameSession)
	api.GET("/sessions/:id/events", s.sessionEvents)
	api.GET("/sessions/:id/messages", s.sessionMessages)
	api.GET("/sessions/:id/usage", s.sessionUsage)
	api.GET("/sessions/:id/diff", s.sessionDiff)
	api.POST("/sessions/:id/bridge", s.bindBridge)

	api.GET("/directories/check", s.checkDirectory)
	api.GET("/deps", s.checkDeps)
	api.GET("/discovery/running", s.discoverRunning)
	api.POST("/debug/clear-data", s.clearData)

	s.router.GET("/events/sessions/:id", auth, s.streamEvents)
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeoutDuration(),
		// SSE responses outlive any sane write deadline, so only the read
		// side is bounded here.
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
