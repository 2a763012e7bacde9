package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradelog/internal/chat"
	"tradelog/internal/config"
	"tradelog/internal/crypto"
	"tradelog/internal/limiter"
	"tradelog/internal/metrics"
	"tradelog/internal/server"
	"tradelog/internal/settings"
	"tradelog/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("db_driver", cfg.DB.Driver).
		Str("listen_addr", cfg.HTTP.ListenAddr).
		Bool("secret_key_configured", cfg.AI.SecretKey != "").
		Msg("starting tradelog")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	var rateLimiter *limiter.RateLimiter
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Rate limiting is advisory; run without it rather than refusing to
		// start.
		log.Warn().Err(err).Msg("redis unavailable, chat rate limiting disabled")
	} else {
		rateLimiter = limiter.New(rdb, cfg.Rate.ChatPerHour)
	}
	defer rdb.Close()

	codec := crypto.NewCodec(cfg.AI.SecretKey)
	if !codec.Configured() {
		log.Warn().Msg("TRADELOG_SECRET_KEY is unset, provider key storage disabled until configured")
	}

	m := metrics.Global()
	settingsSvc := settings.NewService(store, codec, log.Logger)
	history := chat.NewHistory(store, log.Logger)
	resolver := chat.NewResolver(chat.ResolverConfig{
		Settings:        settingsSvc,
		Codec:           codec,
		FallbackAPIKey:  cfg.AI.FallbackAPIKey,
		FallbackBaseURL: cfg.AI.FallbackBaseURL,
		HTTPClient:      &http.Client{Timeout: cfg.Client.Timeout},
		MaxRetries:      cfg.Client.MaxRetries,
		BackoffBase:     cfg.Client.BackoffBase,
		Logger:          log.Logger,
	})
	orchestrator := chat.NewOrchestrator(chat.OrchestratorConfig{
		Metrics: m,
		Logger:  log.Logger,
	})

	srv := server.New(server.Config{
		Store:             store,
		Settings:          settingsSvc,
		History:           history,
		Resolver:          resolver,
		Orchestrator:      orchestrator,
		RateLimiter:       rateLimiter,
		Metrics:           m,
		Logger:            log.Logger,
		FallbackModel:     cfg.AI.FallbackModel,
		SystemPromptExtra: cfg.AI.SystemPromptExtra,
		HealthPath:        cfg.HTTP.HealthPath,
		MetricsPath:       cfg.HTTP.MetricsPath,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server failed")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
