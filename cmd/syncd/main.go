package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-sync/internal/backend"
	"github.com/suPer8Hu/chat-sync/internal/chat"
	"github.com/suPer8Hu/chat-sync/internal/config"
	"github.com/suPer8Hu/chat-sync/internal/db"
	"github.com/suPer8Hu/chat-sync/internal/httpapi"
	"github.com/suPer8Hu/chat-sync/internal/push"
	"github.com/suPer8Hu/chat-sync/internal/session"
	"github.com/suPer8Hu/chat-sync/internal/store/redisstore"
	"github.com/suPer8Hu/chat-sync/internal/synccore"
)

func main() {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	policy := cfg.BackoffPolicy()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Backend collaborator: remote HTTP deployment or the local store.
	var be backend.Service
	var publisher *push.RabbitPublisher
	if cfg.BackendBaseURL != "" {
		be = backend.NewHTTPClient(cfg.BackendBaseURL, cfg.BackendToken, nil, policy)
		logger.Info("using remote backend", zap.String("base_url", cfg.BackendBaseURL))
	} else {
		gdb := db.Connect(cfg.DBDSN)
		store := backend.NewGormStore(gdb)
		if err := store.Migrate(); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		// Local store: this process is the writer, so it also produces the
		// push events remote deployments emit server-side.
		publisher, err = push.NewRabbitPublisher(cfg.RabbitURL, cfg.RabbitExchange)
		if err != nil {
			logger.Fatal("rabbit publisher", zap.Error(err))
		}
		be = backend.WithNotify(store, func(sessionID string, ev chat.Event) {
			// Not the signal-scoped context: confirmed sends still in flight
			// during shutdown must get their fan-out.
			pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := publisher.Publish(pubCtx, sessionID, ev); err != nil {
				logger.Warn("event publish failed",
					zap.String("session", sessionID), zap.Error(err))
			}
		})
		logger.Info("using local backend")
	}
	if publisher != nil {
		defer func() { _ = publisher.Close() }()
	}

	// Session cache is best effort; resolution works without it.
	var cache *redisstore.Store
	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
	if err := rds.Ping(pingCtx); err != nil {
		logger.Warn("redis unavailable, session cache disabled", zap.Error(err))
		_ = rds.Close()
	} else {
		cache = rds
		defer func() { _ = rds.Close() }()
	}
	pingCancel()

	resolver := session.NewResolver(be, cache, logger)
	manager := session.NewManager(resolver, policy, logger)
	channel := push.NewRabbitChannel(cfg.RabbitURL, cfg.RabbitExchange, logger)

	core := synccore.New(be, manager, channel, synccore.Options{
		CatchUpLimit: cfg.CatchUpLimit,
		Backoff:      policy,
	}, logger)

	info, err := core.Start(ctx, cfg.PreferredSession, cfg.SessionOwner)
	if err != nil {
		logger.Fatal("session initialization failed", zap.Error(err))
	}
	logger.Info("session ready",
		zap.String("session", info.SessionID),
		zap.String("workspace", info.WorkspaceID))

	router := httpapi.NewRouter(core, cfg, logger)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	core.Close()
}
