package main

import (
	"context"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/designconnect/internal/api"
	"github.com/Tyrowin/designconnect/internal/auth"
	"github.com/Tyrowin/designconnect/internal/config"
	"github.com/Tyrowin/designconnect/internal/logging"
	"github.com/Tyrowin/designconnect/internal/notify"
	"github.com/Tyrowin/designconnect/internal/server"
	"github.com/Tyrowin/designconnect/internal/synthetic"
	"github.com/Tyrowin/designconnect/internal/users"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Info().Str("env", cfg.Env).Msg("starting designconnect server")

	ctx := context.Background()
	readiness := map[string]api.Pinger{}
	shutdownOps := map[string]gfshutdown.Operation{}

	userStore := openUserStore(ctx, cfg, logger, shutdownOps)
	readiness["users"] = userStore

	jwtManager := auth.NewJWTManager(auth.JWTConfig{
		SecretKey: cfg.Auth.Secret,
		TTL:       cfg.Auth.TTL,
		Issuer:    cfg.Auth.Issuer,
	})
	authService := auth.NewService(userStore, auth.NewPasswordHasher(auth.DefaultBcryptCost), jwtManager,
		logging.Component(logger, "auth"))

	hub := server.NewHub(logger)
	go hub.Run()
	gateway := server.NewGateway(hub, authService, cfg.Relay, logger)

	alerter := notify.Multi{
		notify.NewLineNotifier(cfg.Notify.LineToken, logger),
		notify.NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, logger),
	}

	var reporter api.SyntheticReporter
	proberCtx, stopProber := context.WithCancel(ctx)
	if cfg.Synthetic.Enabled {
		prober := synthetic.NewProber(cfg.Synthetic, openResultStore(ctx, cfg, logger, readiness, shutdownOps), alerter, logger)
		reporter = prober
		go prober.Start(proberCtx)
	}

	router := api.NewRouter(api.Options{
		Logger:         logger,
		Auth:           authService,
		Broadcaster:    hub,
		Relay:          gateway.Routes(),
		Synthetic:      reporter,
		Readiness:      readiness,
		AllowedOrigins: cfg.Relay.AllowedOrigins,
	})
	httpServer := server.CreateServer(cfg.Port, router)

	go func() {
		if err := server.StartServer(httpServer, logger); err != nil {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	shutdownOps["http-server"] = func(ctx context.Context) error {
		return server.ShutdownServer(ctx, httpServer, logger)
	}
	shutdownOps["relay-hub"] = func(ctx context.Context) error {
		return hub.Shutdown(remaining(ctx, cfg.ShutdownTimeout))
	}
	shutdownOps["synthetic-prober"] = func(context.Context) error {
		stopProber()
		return nil
	}

	wait := gfshutdown.GracefulShutdown(ctx, cfg.ShutdownTimeout, shutdownOps)

	exitCode := <-wait
	logger.Info().Int("exit_code", exitCode).Msg("server stopped")
	os.Exit(exitCode)
}

// openUserStore uses MongoDB when MONGODB_URI is set and an in-memory store
// otherwise.
func openUserStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger, ops map[string]gfshutdown.Operation) users.Store {
	if cfg.MongoURI == "" {
		logger.Warn().Msg("MONGODB_URI not set; users are kept in memory")
		return users.NewMemoryStore()
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	store, err := users.NewMongoStore(connectCtx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		logger.Fatal().Err(err).Msg("mongodb connection failed")
	}
	ops["mongodb"] = store.Close
	logger.Info().Str("database", cfg.MongoDatabase).Msg("connected to MongoDB")
	return store
}

// openResultStore keeps synthetic results in Redis when REDIS_URL is set.
func openResultStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger,
	readiness map[string]api.Pinger, ops map[string]gfshutdown.Operation) synthetic.Store {
	if cfg.RedisURL == "" {
		return synthetic.NewMemoryStore()
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, err := synthetic.NewRedisStore(connectCtx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	readiness["redis"] = store
	ops["redis"] = func(context.Context) error { return store.Close() }
	logger.Info().Msg("connected to Redis")
	return store
}

func remaining(ctx context.Context, fallback time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}
	return fallback
}
