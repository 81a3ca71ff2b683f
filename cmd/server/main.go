package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wmag777/story-book/internal/cache"
	"github.com/wmag777/story-book/internal/config"
	"github.com/wmag777/story-book/internal/costs"
	"github.com/wmag777/story-book/internal/crypto"
	"github.com/wmag777/story-book/internal/extraction"
	"github.com/wmag777/story-book/internal/files"
	"github.com/wmag777/story-book/internal/imagegen"
	"github.com/wmag777/story-book/internal/metrics"
	"github.com/wmag777/story-book/internal/prompt"
	"github.com/wmag777/story-book/internal/queue"
	"github.com/wmag777/story-book/internal/settings"
	"github.com/wmag777/story-book/internal/storage"
	"github.com/wmag777/story-book/internal/story"
	"github.com/wmag777/story-book/internal/web"
	"github.com/wmag777/story-book/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("db_driver", cfg.DB.Driver).
		Str("image_model", cfg.Image.Model).
		Msg("starting storybook")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, cfg.DB.MigrationsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()
	if err := store.SeedDefaultTemplates(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to seed prompt templates")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	cryptoManager, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize crypto manager")
	}

	mediaStore, err := files.New(cfg.Media.Dir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize media store")
	}

	m := metrics.Global()
	templates := prompt.NewStore(store, cache.New(cfg.Templates.CacheTTL), cfg.Templates.CacheTTL, log.Logger)
	composer := prompt.NewComposer(templates, log.Logger)
	settingsSvc := settings.New(store, cryptoManager, log.Logger)
	tracker := costs.New(store, settingsSvc, log.Logger)
	generator := imagegen.New(settingsSvc, mediaStore, tracker, cfg.Image, log.Logger)
	charGen := imagegen.NewCharacterGenerator(generator, templates, log.Logger)
	extractor := extraction.New(templates, settingsSvc, cfg.Extract, log.Logger)
	processor := story.New(store, extractor, log.Logger)

	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
	statusStore := queue.NewStatusStore(rdb, cfg.Redis.JobStatusTTL)

	jobWorker := worker.New(worker.Config{
		Store:         store,
		Queue:         jobQueue,
		Status:        statusStore,
		Composer:      composer,
		Generator:     generator,
		CharGen:       charGen,
		Files:         mediaStore,
		MaxJobRetries: cfg.Worker.MaxRetries,
		Logger:        log.Logger,
		Metrics:       m,
	})

	errCh := make(chan error, 2)

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		go func() {
			if err := jobWorker.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	var httpServer *web.Server
	if cfg.AppMode == config.ModeWeb || cfg.AppMode == config.ModeAll {
		httpServer = web.NewServer(web.Config{
			Store:     store,
			Files:     mediaStore,
			Templates: templates,
			Composer:  composer,
			Settings:  settingsSvc,
			Story:     processor,
			CharGen:   charGen,
			Runner:    jobWorker,
			Queue:     jobQueue,
			Status:    statusStore,
			HTTP:      cfg.HTTP,
			Metrics:   m,
			Logger:    log.Logger,
		})
		go func() {
			log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
			if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop http server")
		}
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
