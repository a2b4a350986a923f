package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/pulse/internal/analysis"
	"horse.fit/pulse/internal/blob"
	"horse.fit/pulse/internal/cli"
	"horse.fit/pulse/internal/config"
	"horse.fit/pulse/internal/db"
	"horse.fit/pulse/internal/extract"
	"horse.fit/pulse/internal/ingest"
	"horse.fit/pulse/internal/jobs"
	"horse.fit/pulse/internal/langdetect"
	"horse.fit/pulse/internal/logging"
	"horse.fit/pulse/internal/nlp"
	"horse.fit/pulse/internal/queue"
	"horse.fit/pulse/internal/queue/pgqueue"
	"horse.fit/pulse/internal/queue/redisqueue"
	"horse.fit/pulse/internal/reader"
	"horse.fit/pulse/internal/resolver"
	"horse.fit/pulse/internal/store"
	"horse.fit/pulse/internal/store/memstore"
	"horse.fit/pulse/internal/tasks"
)

// services is everything a command may need, built from one config.
type services struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *db.Pool
	store    store.Repository
	queue    queue.Queue
	pg       *pgqueue.Queue
	redis    *redisqueue.Queue
	pipeline *tasks.Pipeline
}

func loadConfig(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

// connect builds the store, queue backend and pipeline for cfg. The caller
// must Close the result.
func connect(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*services, error) {
	svc := &services{cfg: cfg, logger: logger}
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		svc.pool = pool
		svc.store = pool
	} else {
		logger.Warn().Msg("DATABASE_URL is empty; using the in-memory store")
		svc.store = memstore.New()
	}

	backoff := queue.NewBackoff(cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	queueLogger := logging.Component(logger, "queue")
	var maintainer queue.Maintainer
	switch cfg.QueueBackend {
	case config.QueueBackendPostgres:
		svc.pg = pgqueue.New(svc.pool, queueLogger, pgqueue.Options{
			Backoff:   backoff,
			Retention: cfg.JobRetention,
			Listen:    true,
		})
		svc.queue = svc.pg
		maintainer = svc.pg
	case config.QueueBackendRedis:
		rq, err := redisqueue.New(ctx, redisqueue.Options{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			Backoff:   backoff,
			Retention: cfg.JobRetention,
		}, queueLogger)
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		svc.redis = rq
		svc.queue = rq
	default:
		mem := queue.NewMemory(queue.MemoryOptions{
			Backoff:   backoff,
			Retention: cfg.JobRetention,
			Logger:    queueLogger,
		})
		svc.queue = mem
		maintainer = mem
	}

	deps, err := buildDeps(ctx, cfg, svc.store, logger)
	if err != nil {
		svc.Close()
		return nil, err
	}
	deps.Maintainer = maintainer

	svc.pipeline = tasks.New(svc.queue, deps, logger, tasks.Options{
		MaxRetries:      cfg.JobMaxRetries,
		PendingSweepAge: cfg.PendingSweepAge,
	},
		jobs.WithPollInterval(cfg.QueuePollInterval),
		jobs.WithLeaseDuration(cfg.QueueLeaseDuration),
	)
	return svc, nil
}

func buildDeps(ctx context.Context, cfg *config.Config, st store.Repository, logger zerolog.Logger) (tasks.Deps, error) {
	fetcher := reader.NewFetcher(reader.FetchOptions{
		Timeout:       cfg.FetchTimeout,
		BodyByteLimit: cfg.FetchMaxBytes,
		UserAgent:     cfg.UserAgent,
	})

	ingestOpts := ingest.Options{Fetcher: fetcher, BatchSize: cfg.IngestBatchSize}
	if strings.TrimSpace(cfg.ResolverBaseURL) != "" {
		ingestOpts.Resolver = resolver.New(resolver.Options{
			BaseURL: cfg.ResolverBaseURL,
			APIKey:  cfg.ResolverAPIKey,
			Timeout: cfg.FetchTimeout,
		})
	}
	if strings.TrimSpace(cfg.S3Bucket) != "" || strings.TrimSpace(cfg.S3Endpoint) != "" {
		blobs, err := blob.NewS3Client(ctx, cfg)
		if err != nil {
			return tasks.Deps{}, fmt.Errorf("failed to initialize object storage: %w", err)
		}
		ingestOpts.Blobs = blobs
	}

	registry, err := nlp.NewRegistryFromConfig(ctx, cfg)
	if err != nil {
		return tasks.Deps{}, fmt.Errorf("failed to initialize nlp providers: %w", err)
	}
	provider, err := registry.Fallback(logging.Component(logger, "nlp"))
	if err != nil {
		return tasks.Deps{}, fmt.Errorf("failed to resolve nlp providers: %w", err)
	}

	authority := cfg.DefaultAuthority
	return tasks.Deps{
		Ingest: ingest.NewService(st, logging.Component(logger, "ingest"), ingestOpts),
		Extract: extract.NewService(st, logging.Component(logger, "extract"), extract.Options{
			Fetcher:  fetcher,
			Detector: langdetect.NewDetector(),
		}),
		Analysis: analysis.NewService(st, logging.Component(logger, "analysis"), analysis.Options{
			Provider:         provider,
			DefaultAuthority: &authority,
		}),
	}, nil
}

func (s *services) Close() {
	if s == nil {
		return
	}
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("close queue failed")
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("close database failed")
		}
	}
}

// inline reports whether jobs only exist inside this process.
func (s *services) inline() bool {
	return s.cfg.QueueBackend == config.QueueBackendMemory
}

// runMaintenance drives cron firing and lease expiry for the configured
// backend until ctx is done.
func (s *services) runMaintenance(ctx context.Context, interval time.Duration) error {
	if s.redis != nil {
		return s.redis.RunScheduler(ctx)
	}
	return s.pipeline.RunMaintenance(ctx, interval)
}

// drain runs the pipeline in this process until every job of the run that
// jobID started is terminal. It serves the memory backend, where no
// separate worker can see the queue.
func (s *services) drain(ctx context.Context, jobID string) ([]queue.Job, error) {
	lister, ok := s.queue.(queue.Lister)
	if !ok {
		return nil, fmt.Errorf("queue backend cannot list jobs")
	}
	root, err := s.queue.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.pipeline.Runtime.Start(runCtx) }()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-done:
			if err != nil {
				return nil, fmt.Errorf("run pipeline: %w", err)
			}
			return nil, errors.New("pipeline stopped before the run finished")
		case <-ticker.C:
		}
		runJobs, err := lister.List(ctx, queue.ListFilter{RunID: root.RunID})
		if err != nil {
			return nil, fmt.Errorf("list run jobs: %w", err)
		}
		if allTerminal(runJobs) {
			cancel()
			<-done
			return runJobs, nil
		}
	}
}

// waitForJob polls until the job is terminal.
func waitForJob(ctx context.Context, q queue.Queue, jobID string, interval time.Duration) (queue.Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := q.Get(ctx, jobID)
		if err != nil {
			return queue.Job{}, err
		}
		if job.State.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func allTerminal(jobs []queue.Job) bool {
	if len(jobs) == 0 {
		return false
	}
	for _, job := range jobs {
		if !job.State.Terminal() {
			return false
		}
	}
	return true
}
