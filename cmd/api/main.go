package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/api"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/config"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/logging"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/queue"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/registry"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, "api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
	}

	artifacts, err := newArtifactStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("configure artifact store")
	}

	gate := queue.NewGate(client, cfg.MaxQueueSize)
	reg := registry.New(client, cfg.JobResultTTL)

	server := api.New(cfg, gate, reg, artifacts, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info().Str("port", cfg.HTTPPort).
		Int("max_queue_size", cfg.MaxQueueSize).
		Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info().Msg("api stopped")
}

func newArtifactStore(ctx context.Context, cfg config.Config) (store.ArtifactStore, error) {
	if cfg.ResultsS3Bucket != "" {
		return store.NewS3Store(ctx, store.S3Options{
			Bucket:    cfg.ResultsS3Bucket,
			Region:    cfg.ResultsS3Region,
			Endpoint:  cfg.ResultsS3Endpoint,
			PathStyle: cfg.ResultsS3PathStyle,
			Prefix:    cfg.ResultsS3Prefix,
		})
	}
	return store.NewFileStore(cfg.ResultsFolder)
}
