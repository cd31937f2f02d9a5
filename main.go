package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"formdesk/config"
	"formdesk/config/database"
	"formdesk/internal/access"
	"formdesk/internal/document/repository"
	"formdesk/internal/document/service"
	"formdesk/middleware"
	"formdesk/pkg/logger"
	"formdesk/pkg/metrics"
	"formdesk/router"
	"formdesk/socket"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Sugar.Fatalf("invalid configuration: %v", err)
	}
	metrics.RegisterCollectors(prometheus.DefaultRegisterer)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var (
		db       *sql.DB
		docs     service.DocumentStore
		history  service.HistoryLog
		sessions service.SessionStore
		gate     *access.Gate
	)
	switch cfg.Storage {
	case "memory":
		logger.Sugar.Warn("Using in-memory storage; documents are lost on restart")
		mem := repository.NewMemoryDocumentRepository()
		docs, history = mem, mem
		sessions = repository.NewMemorySessionRepository()
		gate = access.NewGate(mem, access.NewStaticDirectory())
	default:
		var err error
		db, err = database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Sugar.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		if err := database.ApplyMigrations(ctx, db); err != nil {
			logger.Sugar.Fatalf("migrations failed: %v", err)
		}
		repo := repository.NewDocumentRepository(db, cfg.WriteLockTimeout)
		docs, history = repo, repo
		sessions = repository.NewSessionRepository(db)
		gate = access.NewGate(repo, access.NewPostgresDirectory(db))
	}

	// 1. Every instance delivers to its own clients through the broker. With Redis
	// configured, client-originated events go through the relay so other
	// instances see them too.
	broker := socket.NewBroker(0)
	var publisher socket.Publisher = broker
	if cfg.RedisURL != "" {
		client, err := socket.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Sugar.Fatalf("redis connection failed: %v", err)
		}
		relay := socket.NewRedisRelay(client, broker, cfg.RedisChannelPrefix)
		if err := relay.Start(ctx); err != nil {
			logger.Sugar.Fatalf("redis relay failed to start: %v", err)
		}
		defer relay.Close()
		publisher = relay
		logger.Sugar.Infof("Broadcast relay enabled on %s*", cfg.RedisChannelPrefix)
	}

	// 2. Services own the write path and presence.
	docService := service.NewDocumentService(docs, history, gate, publisher, service.Options{
		LockTimeout: cfg.WriteLockTimeout,
		Retries:     cfg.WriteRetries,
	})
	sessionService := service.NewSessionService(sessions, gate, publisher, cfg.SessionTTL)
	go sessionService.ReapWorker(ctx, cfg.SessionReapInterval)

	hub := socket.NewHub(broker, publisher, gate, sessionService, socket.HubOptions{
		AllowedOrigin: cfg.CORSOrigin,
		RatePerSecond: cfg.RealtimeRatePerSecond,
		Burst:         cfg.RealtimeBurst,
	})

	handler := router.Setup(router.Deps{
		DB:        db,
		Hub:       hub,
		Documents: docService,
		Sessions:  sessionService,
		JWTSecret: cfg.JWTSecret,
		CORS:      cfg.CORSOrigin,
		Limiter:   middleware.NewRateLimiter(cfg.HTTPRatePerSecond, cfg.HTTPBurst),
	})

	// Read and write deadlines on upgraded sockets are managed by the client pumps.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Sugar.Infof("formdesk listening on %s (storage=%s)", cfg.Addr, cfg.Storage)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Sugar.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Sugar.Errorf("shutdown error: %v", err)
	}
}
