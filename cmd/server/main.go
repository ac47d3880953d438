package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/observer/syncroom/internal/config"
	"github.com/observer/syncroom/internal/gateway"
	"github.com/observer/syncroom/internal/identity"
	"github.com/observer/syncroom/internal/pubsub"
	"github.com/observer/syncroom/internal/room"
	"github.com/observer/syncroom/internal/server"
	"github.com/observer/syncroom/internal/sfu"
	"github.com/observer/syncroom/internal/sfu/pionworker"
)

func main() {
	// Structured logging from the start
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// PubSub: in-memory for a single node, Redis when scaling out
	var ps pubsub.PubSub
	switch cfg.PubSubType {
	case "redis":
		rps, err := pubsub.NewRedisPubSub(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err, "url", cfg.RedisURL)
			os.Exit(1)
		}
		ps = rps
		slog.Info("using redis pubsub")
	default:
		ps = pubsub.NewMemoryPubSub()
	}
	defer ps.Close()

	announcedIP := sfu.ResolveAnnouncedIP(cfg.AnnouncedIP, cfg.IsProduction())
	slog.Info("announced ip resolved", "ip", announcedIP)

	iceServers := buildICEServers(cfg)

	workers, err := pionworker.Pool(cfg.WorkerCount, pionworker.Config{
		AnnouncedIP: announcedIP,
		RTPMinPort:  cfg.RTPMinPort,
		RTPMaxPort:  cfg.RTPMaxPort,
		ICETCPPort:  cfg.ICETCPPort,
		ICEServers:  iceServers,
		Logger:      logger,
	})
	if err != nil {
		slog.Error("failed to start media workers", "error", err)
		os.Exit(1)
	}
	slog.Info("media workers started", "count", len(workers))

	emitter := gateway.NewEmitter(ps, logger)
	bridge := sfu.NewBridge(workers, iceServers, emitter, logger)

	registry := room.NewRegistry(room.RegistryOptions{
		Room: room.Options{
			ChatLimit:      cfg.ChatLimit,
			ReconnectGrace: cfg.ReconnectGrace,
			RejoinSuppress: cfg.RejoinSuppress,
			PubSub:         ps,
			Logger:         logger,
		},
		IdleTimeout: cfg.RoomIdleTimeout,
		Media:       bridge,
		Logger:      logger,
	})

	// Signed identities when a key is configured, otherwise trust the
	// handshake query as-is.
	var resolver identity.Resolver = identity.Static{}
	if cfg.IdentitySigningKey != "" {
		verifier, err := identity.NewVerifier(cfg.IdentitySigningKey)
		if err != nil {
			slog.Error("failed to create identity verifier", "error", err)
			os.Exit(1)
		}
		resolver = verifier
		slog.Info("identity verification enabled")
	} else if cfg.IsProduction() {
		slog.Warn("IDENTITY_SIGNING_KEY not set - identities are unverified")
	}

	gw := gateway.New(registry, bridge, ps, resolver, logger)

	srv := server.New(cfg, &server.Dependencies{
		Gateway: gw,
		Logger:  logger,
	})

	// Graceful shutdown setup
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A dead media worker is unrecoverable; exit and let the supervisor
	// restart the process.
	go bridge.WatchWorkers(shutdownCtx)

	go func() {
		slog.Info("starting server", "addr", cfg.ServerAddr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-shutdownCtx.Done()
	slog.Info("shutting down gracefully...")

	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()

	if err := srv.Shutdown(timeoutCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	gw.Close()
	registry.Close()
	bridge.Close()

	slog.Info("server stopped")
}

func buildICEServers(cfg *config.Config) []sfu.ICEServer {
	var servers []sfu.ICEServer
	if len(cfg.ICESTUNURLs) > 0 {
		servers = append(servers, sfu.ICEServer{URLs: cfg.ICESTUNURLs})
	}
	if len(cfg.ICETURNURLs) > 0 {
		if cfg.TURNUsername == "" || cfg.TURNPassword == "" {
			slog.Warn("TURN configured without credentials - skipping",
				"urls", fmt.Sprintf("%v", cfg.ICETURNURLs))
		} else {
			servers = append(servers, sfu.ICEServer{
				URLs:       cfg.ICETURNURLs,
				Username:   cfg.TURNUsername,
				Credential: cfg.TURNPassword,
			})
		}
	}
	return servers
}
