package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/assettrack/scan-relay-go/internal/auth"
	"github.com/assettrack/scan-relay-go/internal/config"
	"github.com/assettrack/scan-relay-go/internal/database"
	"github.com/assettrack/scan-relay-go/internal/handler"
	"github.com/assettrack/scan-relay-go/internal/jobs"
	"github.com/assettrack/scan-relay-go/internal/redis"
	"github.com/assettrack/scan-relay-go/internal/repository"
	"github.com/assettrack/scan-relay-go/internal/service"
	"github.com/assettrack/scan-relay-go/internal/sse"
	"github.com/assettrack/scan-relay-go/internal/storage"
)

func main() {
	migrateOnly := flag.Bool("migrate", false, "apply database migrations and exit")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	if err := cfg.Validate(cfg.IsProduction()); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	if cfg.MigrateOnStart || *migrateOnly {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("failed to apply migrations")
		}
		log.Info().Msg("database migrations applied")
	}
	if *migrateOnly {
		return
	}

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	store, err := storage.NewFSStore(cfg.StorageDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.StorageDir).Msg("failed to open photo storage")
	}

	challengeRepo := repository.NewPairingChallengeRepository(db.DB)
	sessionRepo := repository.NewScanSessionRepository(db.DB)
	eventRepo := repository.NewScanEventRepository(db.DB)

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	pairingService := service.NewPairingService(db, challengeRepo, sessionRepo, broker)
	sessionService := service.NewSessionService(sessionRepo, challengeRepo, eventRepo, broker)
	ingestService := service.NewIngestService(sessionRepo, challengeRepo, eventRepo, store, broker)
	rateLimiter := service.NewRateLimiter(redisClient.Client)
	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.JWTIssuer)

	router := handler.NewRouter(handler.RouterDeps{
		Pairing:        pairingService,
		Sessions:       sessionService,
		Ingest:         ingestService,
		Broker:         broker,
		Verifier:       jwtService,
		Limiter:        rateLimiter,
		AllowedOrigins: cfg.AllowedOrigins,
		IsProduction:   cfg.IsProduction(),
		Ping:           db.Ping,
	})

	cleanupJob := jobs.NewCleanupJob(
		challengeRepo, sessionRepo, ingestService,
		cfg.TempPhotoTTL(), config.CleanupJobInterval,
	)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	// Close push streams first so Shutdown does not wait on them.
	broker.Close()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
