package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/config"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/generate"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/models"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/queue"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/registry"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/store"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/telemetry"
)

// dequeueWait bounds each blocking pop so slots notice shutdown promptly.
const dequeueWait = 2 * time.Second

// Pool runs a fixed number of execution slots against the shared queue. Each
// slot executes one job at a time: dequeue, mark processing, invoke the
// generator under the job timeout, persist the artifact, record the terminal
// state. Jobs run at most once; failures are never retried.
type Pool struct {
	cfg       config.Config
	gate      *queue.Gate
	registry  *registry.Registry
	artifacts store.ArtifactStore
	generator generate.Generator
	logger    zerolog.Logger
}

func NewPool(cfg config.Config, gate *queue.Gate, reg *registry.Registry, artifacts store.ArtifactStore, gen generate.Generator, logger zerolog.Logger) *Pool {
	return &Pool{
		cfg:       cfg,
		gate:      gate,
		registry:  reg,
		artifacts: artifacts,
		generator: gen,
		logger:    logger,
	}
}

// Run starts the slots and the TTL sweep loop, blocking until the context is
// cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.MaxConcurrentJobs; i++ {
		slot := i
		g.Go(func() error { return p.runSlot(ctx, slot) })
	}
	g.Go(func() error { return p.runSweep(ctx) })
	return g.Wait()
}

func (p *Pool) runSlot(ctx context.Context, slot int) error {
	logger := p.logger.With().Int("slot", slot).Logger()
	logger.Info().Msg("slot started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		jobID, err := p.gate.Dequeue(ctx, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error().Err(err).Msg("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if jobID == "" {
			continue
		}
		if depth, err := p.gate.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
		p.execute(ctx, logger, jobID)
	}
}

func (p *Pool) execute(ctx context.Context, logger zerolog.Logger, jobID string) {
	// Bookkeeping runs on a detached context: a dequeued job must always
	// reach a terminal record and release its occupancy slot, even when the
	// worker context is cancelled mid-generation. Only the generator itself
	// observes cancellation.
	bookCtx := context.WithoutCancel(ctx)

	job, err := p.registry.Get(bookCtx, jobID)
	if err != nil {
		// A dequeued ID without a record means the registry entry expired
		// while the job sat in the queue; nothing to execute, but the slot
		// taken at admission must still be returned.
		logger.Error().Err(err).Str("job_id", jobID).Msg("dequeued job has no record")
		if errors.Is(err, registry.ErrNotFound) {
			p.releaseSlot(bookCtx, logger, jobID)
		}
		return
	}

	start := time.Now().UTC()
	if err := p.registry.MarkProcessing(bookCtx, jobID, start); err != nil {
		logger.Error().Err(err).Str("job_id", jobID).Msg("refusing job not in queued state")
		p.releaseSlot(bookCtx, logger, jobID)
		return
	}
	telemetry.ProcessingGauge.Inc()
	defer telemetry.ProcessingGauge.Dec()
	logger.Info().Str("job_id", jobID).Str("prompt", job.Params.Prompt).
		Int("width", job.Params.Width).Int("height", job.Params.Height).
		Uint32("seed", job.Params.Seed).Msg("job started")

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	data, genErr := p.invoke(jobCtx, job)
	cancel()

	finish := time.Now().UTC()
	if genErr != nil {
		msg := genErr.Error()
		if errors.Is(genErr, context.DeadlineExceeded) {
			msg = fmt.Sprintf("timeout: job exceeded %s", p.cfg.JobTimeout)
			telemetry.JobsTimedOut.Inc()
		}
		p.fail(bookCtx, logger, jobID, msg, finish)
		return
	}

	ref, err := p.artifacts.Put(bookCtx, jobID, data)
	if err != nil {
		p.fail(bookCtx, logger, jobID, fmt.Sprintf("store artifact: %s", err), finish)
		return
	}
	if err := p.registry.MarkCompleted(bookCtx, jobID, ref, time.Now().UTC()); err != nil {
		logger.Error().Err(err).Str("job_id", jobID).Msg("record completion failed")
		return
	}
	telemetry.JobsCompleted.Inc()
	logger.Info().Str("job_id", jobID).Str("result", ref).
		Dur("duration", finish.Sub(start)).Msg("job completed")
}

// invoke calls the generator, converting a panic into a failed outcome so a
// misbehaving backend cannot take the slot down with it.
func (p *Pool) invoke(ctx context.Context, job models.Job) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panic: %v", r)
		}
	}()
	return p.generator.Generate(ctx, job.Params)
}

func (p *Pool) releaseSlot(ctx context.Context, logger zerolog.Logger, jobID string) {
	if err := p.registry.ReleaseSlot(ctx); err != nil {
		logger.Error().Err(err).Str("job_id", jobID).Msg("release occupancy slot failed")
	}
}

func (p *Pool) fail(ctx context.Context, logger zerolog.Logger, jobID, msg string, finish time.Time) {
	if err := p.registry.MarkFailed(ctx, jobID, msg, finish); err != nil {
		logger.Error().Err(err).Str("job_id", jobID).Msg("record failure failed")
		return
	}
	telemetry.JobsFailed.Inc()
	logger.Warn().Str("job_id", jobID).Str("error", msg).Msg("job failed")
}

func (p *Pool) runSweep(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		deleted, err := p.artifacts.Sweep(ctx, p.cfg.JobResultTTL)
		if err != nil {
			p.logger.Error().Err(err).Msg("artifact sweep failed")
			continue
		}
		if deleted > 0 {
			telemetry.ArtifactsSwept.Add(float64(deleted))
			p.logger.Info().Int("deleted", deleted).Msg("swept expired artifacts")
		}
	}
}
