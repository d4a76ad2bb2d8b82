package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"redline/api/internal/app"
	"redline/api/internal/collab"
	"redline/api/internal/config"
	"redline/api/internal/notify"
	"redline/api/internal/objstore"
	"redline/api/internal/presence"
	"redline/api/internal/realtime"
	"redline/api/internal/search"
	"redline/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	dataStore := store.NewPostgresStore(db)

	blobs, err := objstore.NewMinioStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("object store connection failed")
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		logger.Fatal().Err(err).Msg("object store bucket setup failed")
	}

	var broadcaster collab.Broadcaster = collab.NopBroadcaster{}
	var tracker *presence.Tracker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		rt, err := realtime.NewBroadcaster(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer rt.Close()
		broadcaster = rt

		tracker, err = presence.NewTracker(cfg.RedisURL, cfg.PresenceTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer tracker.Close()
	} else {
		logger.Warn().Msg("REDIS_URL not set; presence and realtime fan-out are disabled")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger)

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	emailNotifier := notify.NewEmailNotifier(cfg)
	if emailNotifier.IsConfigured() {
		notifier = emailNotifier
	} else {
		logger.Info().Msg("SMTP not configured; notifications are logged only")
	}

	sessions := collab.NewManager(broadcaster, logger)

	var service *app.Service
	if tracker != nil {
		service = app.New(cfg, dataStore, blobs, sessions, tracker, notifier, searchService, logger)
	} else {
		service = app.New(cfg, dataStore, blobs, sessions, nil, notifier, searchService, logger)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("redline api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
