package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/config"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/generate"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/logging"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/queue"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/registry"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/store"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/telemetry"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, "worker")

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

	var gen generate.Generator
	if cfg.GeneratorURL != "" {
		gen = generate.NewBackendClient(cfg.GeneratorURL, cfg.GeneratorTimeout)
		logger.Info().Str("backend", cfg.GeneratorURL).Msg("using inference backend")
	} else {
		gen = generate.NewLocalStylizer()
		logger.Warn().Msg("GENERATOR_URL not set, using local stylizer")
	}

	gate := queue.NewGate(client, cfg.MaxQueueSize)
	reg := registry.New(client, cfg.JobResultTTL)
	pool := worker.NewPool(cfg, gate, reg, artifacts, gen, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().Int("slots", cfg.MaxConcurrentJobs).
		Dur("job_timeout", cfg.JobTimeout).
		Dur("result_ttl", cfg.JobResultTTL).
		Msg("worker started")
	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker stopped with error")
	}
	logger.Info().Msg("worker stopped")
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
