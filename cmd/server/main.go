package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/evowire/backend/internal/auth"
	"github.com/evowire/backend/internal/cache"
	"github.com/evowire/backend/internal/config"
	"github.com/evowire/backend/internal/dispatch"
	"github.com/evowire/backend/internal/metrics"
	"github.com/evowire/backend/internal/ratelimit"
	"github.com/evowire/backend/internal/registry"
	"github.com/evowire/backend/internal/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis is optional: without it the limiter and mirror fall back
	// to process-local state and the subsystem keeps working.
	var (
		limiter ratelimit.Limiter
		mirror  cache.Mirror = cache.Nop{}
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.Warn("redis unreachable, using local fallbacks", zap.Error(err))
			local := ratelimit.NewLocal(logger)
			go local.Start(ctx, cfg.Limits.PurgeInterval)
			limiter = local
		} else {
			logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
			limiter = ratelimit.NewRedis(client, logger)
			mirror = cache.NewRedisMirror(client, logger)
		}
	} else {
		local := ratelimit.NewLocal(logger)
		go local.Start(ctx, cfg.Limits.PurgeInterval)
		limiter = local
	}

	apiKeys := make(map[string]auth.User, len(cfg.Auth.APIKeys))
	for key, ref := range cfg.Auth.APIKeys {
		apiKeys[key] = auth.User{ID: ref.ID, Username: ref.Username, Role: auth.Role(ref.Role)}
	}
	verifier := auth.NewStaticVerifier(cfg.Auth.JWTSecret, apiKeys)
	authn := auth.NewAuthenticator(verifier, limiter, mirror, logger)

	reg := registry.New(registry.Options{
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		IdleThreshold:     cfg.Realtime.IdleThreshold,
		CleanupInterval:   cfg.Realtime.CleanupInterval,
		StatsInterval:     cfg.Realtime.StatsInterval,
		WriteTimeout:      cfg.Realtime.WriteTimeout,
		SendBuffer:        cfg.Realtime.SendBuffer,
	}, mirror, logger)

	// Session revocation closes sockets; socket teardown removes
	// sessions. Wire both directions through the narrow hooks so the
	// packages stay uncoupled.
	authn.SetDisconnector(reg)
	reg.SetOnDisconnect(func(connectionID string) {
		authn.RemoveSession(ctx, connectionID)
	})

	dispatcher, err := dispatch.NewManager(reg, logger)
	if err != nil {
		log.Fatalf("Failed to build dispatcher: %v", err)
	}

	reg.Start(ctx)

	collector := metrics.NewCollector(reg, dispatcher, cfg.Realtime.MetricsInterval, logger)
	go collector.Start(ctx)

	go sweepSessions(ctx, authn, cfg.Auth.SessionMaxIdle, cfg.Auth.SessionSweep, logger)

	srv := server.NewServer(ctx, cfg, reg, authn, dispatcher, logger)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	if err := server.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, mux, logger); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func sweepSessions(ctx context.Context, authn *auth.Authenticator, maxIdle, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := authn.CleanupExpiredSessions(ctx, maxIdle); removed > 0 {
				logger.Info("expired idle sessions", zap.Int("removed", removed))
			}
		}
	}
}
