// Package main is the entry point for the perch daemon. One binary runs the
// whole supervision stack: the session store and service, the HTTP/SSE API,
// the external agent surface, the chat bridges, background maintenance, and
// the optional embedded MCP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/perchhq/perch/internal/bridge"
	"github.com/perchhq/perch/internal/bridge/telegram"
	"github.com/perchhq/perch/internal/common/config"
	"github.com/perchhq/perch/internal/common/logger"
	"github.com/perchhq/perch/internal/common/tracing"
	"github.com/perchhq/perch/internal/db"
	"github.com/perchhq/perch/internal/events"
	"github.com/perchhq/perch/internal/external"
	"github.com/perchhq/perch/internal/httpapi"
	"github.com/perchhq/perch/internal/maintenance"
	"github.com/perchhq/perch/internal/mcpserver"
	"github.com/perchhq/perch/internal/runner"
	"github.com/perchhq/perch/internal/session/service"
	"github.com/perchhq/perch/internal/session/store"

	"github.com/perchhq/perch/internal/session/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting perch",
		zap.String("version", httpapi.Version),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("dev_mode", cfg.Auth.DevMode))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := openDatabase(cfg)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer func() { _ = pool.Close() }()

	repo, err := repository.New(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("failed to initialize session repository", zap.Error(err))
	}

	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()

	st := store.New(repo, log, store.Options{
		DataDir:           cfg.DataDir,
		SubscriberBuffer:  cfg.Events.BufferSize,
		PermissionTimeout: cfg.Permissions.TimeoutDuration(),
	})

	svc := service.NewService(st, eventBus, log)

	registry, err := runner.NewRegistry(cfg, log, svc, svc)
	if err != nil {
		log.Fatal("failed to initialize runner registry", zap.Error(err))
	}
	svc.SetRunnerProvider(registry)

	bridges := bridge.NewManager(log)
	fanout := bridge.NewSubscriber(st, bridges, log)
	defer fanout.Close()

	var tg *telegram.Bridge
	if cfg.Telegram.Token != "" {
		apiClient := bridge.NewClient(localAPIURL(cfg), cfg.Auth.Token, log)
		tg, err = telegram.New(cfg.Telegram, cfg.TelegramStatePath(), apiClient, log)
		if err != nil {
			log.Fatal("failed to initialize telegram bridge", zap.Error(err))
		}
		bridges.Register(telegram.Platform, tg)
		log.Info("telegram bridge registered")
	}

	server := httpapi.New(cfg, svc, bridges, fanout, log)
	external.NewHandlers(svc, log).RegisterRoutes(server.Router(), cfg.Auth.Token, cfg.Auth.DevMode)

	// Sessions bound to a platform before the last restart resume their
	// bridge fan-out loops now.
	resubscribeBound(ctx, svc, bridges, fanout, log)

	if cfg.MCP.Enabled {
		mcpCfg := mcpserver.Config{
			Port:     cfg.MCP.Port,
			PerchURL: localAPIURL(cfg),
			Token:    cfg.Auth.Token,
		}
		mcpSrv, mcpCleanup, err := mcpserver.Provide(ctx, mcpCfg, log)
		if err != nil {
			log.Fatal("failed to start MCP server", zap.Error(err))
		}
		defer func() { _ = mcpCleanup() }()
		log.Info("MCP server started",
			zap.String("sse_endpoint", mcpSrv.SSEEndpoint()),
			zap.String("streamable_http_endpoint", mcpSrv.StreamableHTTPEndpoint()))
	}

	maint := maintenance.New(st, svc, cfg.Maintenance, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		if err := maint.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if tg != nil {
		g.Go(func() error {
			if err := tg.Start(gctx); err != nil {
				return fmt.Errorf("telegram bridge: %w", err)
			}
			<-gctx.Done()
			tg.Stop()
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("shutdown with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}

	log.Info("perch stopped")
}

// openDatabase opens the configured database as a writer/reader pool. SQLite
// splits into a single-connection writer and a WAL reader pool; postgres uses
// one pool for both sides.
func openDatabase(cfg *config.Config) (*db.Pool, error) {
	if cfg.Database.Driver == "postgres" {
		sqlDB, err := db.OpenPostgres(cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, err
		}
		pg := sqlx.NewDb(sqlDB, "pgx")
		return db.NewPool(pg, pg), nil
	}

	path := cfg.Database.SQLitePath(cfg.DataDir)
	writer, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil
}

// localAPIURL is the loopback address of our own HTTP API, used by in-process
// clients (bridges, the embedded MCP server).
func localAPIURL(cfg *config.Config) string {
	return fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
}

// resubscribeBound restores bridge fan-out for sessions whose platform
// binding survived a restart. Bindings to platforms without a registered
// bridge are left alone; they resume when the bridge comes back.
func resubscribeBound(ctx context.Context, svc *service.Service, bridges *bridge.Manager, fanout *bridge.Subscriber, log *logger.Logger) {
	sessions, err := svc.List(ctx)
	if err != nil {
		log.Warn("failed to list sessions for bridge resubscription", zap.Error(err))
		return
	}
	restored := 0
	for _, sess := range sessions {
		if sess.Platform == "" {
			continue
		}
		if _, ok := bridges.Get(sess.Platform); !ok {
			continue
		}
		fanout.Subscribe(sess.ID, sess.Platform)
		restored++
	}
	if restored > 0 {
		log.Info("restored bridge subscriptions", zap.Int("count", restored))
	}
}
