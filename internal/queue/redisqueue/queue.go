// Package redisqueue runs jobs on asynq. Each task gets its own asynq queue
// and server so its concurrency limit is the server's concurrency.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"horse.fit/pulse/internal/failure"
	"horse.fit/pulse/internal/globaltime"
	"horse.fit/pulse/internal/queue"
)

const (
	schedulesKey        = "pulse:schedules"
	cancelledKeyPrefix  = "pulse:cancelled:"
	cronUniqueWindow    = 30 * time.Second
	defaultRetention    = 14 * 24 * time.Hour
	serverShutdownGrace = 30 * time.Second
)

type Options struct {
	Addr      string
	Password  string
	DB        int
	Backoff   queue.Backoff
	Retention time.Duration
}

type Queue struct {
	redisOpt  asynq.RedisClientOpt
	client    *asynq.Client
	inspector *asynq.Inspector
	rdb       *redis.Client
	backoff   queue.Backoff
	retention time.Duration
	logger    zerolog.Logger

	mu        sync.Mutex
	scheduler *asynq.Scheduler
	entries   map[string]string
}

func New(ctx context.Context, opts Options, logger zerolog.Logger) (*Queue, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}

	retention := opts.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Queue{
		redisOpt:  redisOpt,
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		rdb:       rdb,
		backoff:   opts.Backoff,
		retention: retention,
		logger:    logger,
		entries:   make(map[string]string),
	}, nil
}

func (q *Queue) Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error) {
	if req.Name == "" {
		return "", fmt.Errorf("enqueue job: task name is required")
	}
	payload, err := encodeEnvelope(req, globaltime.UTC())
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	if req.SingletonKey != "" {
		id = req.Name + ":" + req.SingletonKey
	}
	opts := []asynq.Option{
		asynq.TaskID(id),
		asynq.Queue(req.Name),
		asynq.MaxRetry(max(req.MaxRetries, 0)),
		asynq.Retention(q.retention),
	}
	if !req.StartAfter.IsZero() {
		opts = append(opts, asynq.ProcessAt(req.StartAfter))
	}

	task := asynq.NewTask(req.Name, payload)
	info, err := q.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		existing, getErr := q.inspector.GetTaskInfo(req.Name, id)
		if getErr != nil {
			return "", fmt.Errorf("load singleton job %s: %w", id, getErr)
		}
		if existing.State != asynq.TaskStateCompleted && existing.State != asynq.TaskStateArchived {
			return existing.ID, nil
		}
		if delErr := q.inspector.DeleteTask(req.Name, id); delErr != nil {
			return "", fmt.Errorf("replace finished singleton job %s: %w", id, delErr)
		}
		info, err = q.client.EnqueueContext(ctx, task, opts...)
	}
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", req.Name, err)
	}
	return info.ID, nil
}

func (q *Queue) findTask(id string) (*asynq.TaskInfo, error) {
	queues, err := q.inspector.Queues()
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	for _, name := range queues {
		info, err := q.inspector.GetTaskInfo(name, id)
		if err == nil {
			return info, nil
		}
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return nil, queue.ErrNotFound
}

func (q *Queue) Get(ctx context.Context, id string) (queue.Job, error) {
	info, err := q.findTask(id)
	if err != nil {
		return queue.Job{}, err
	}
	env, err := decodeEnvelope(info.Payload)
	if err != nil {
		return queue.Job{}, err
	}
	return jobFromInfo(info, q.isCancelled(ctx, id, env))
}

func (q *Queue) Cancel(ctx context.Context, id string) error {
	info, err := q.findTask(id)
	if err != nil {
		return err
	}
	switch info.State {
	case asynq.TaskStateCompleted, asynq.TaskStateArchived:
		return nil
	}

	env, err := decodeEnvelope(info.Payload)
	if err != nil {
		return err
	}
	if err := q.rdb.Set(ctx, cancelMarkerKey(id, env), "1", q.retention).Err(); err != nil {
		return fmt.Errorf("mark job %s cancelled: %w", id, err)
	}
	if info.State == asynq.TaskStateActive {
		if err := q.inspector.CancelProcessing(id); err != nil {
			return fmt.Errorf("cancel active job %s: %w", id, err)
		}
		return nil
	}
	if err := q.inspector.ArchiveTask(info.Queue, id); err != nil {
		return fmt.Errorf("archive cancelled job %s: %w", id, err)
	}
	return nil
}

func (q *Queue) isCancelled(ctx context.Context, id string, env envelope) bool {
	n, err := q.rdb.Exists(ctx, cancelMarkerKey(id, env)).Result()
	if err != nil {
		q.logger.Warn().Err(err).Str("job_id", id).Msg("check cancellation marker failed")
		return false
	}
	return n > 0
}

// Consume runs an asynq server bound to the task's queue until ctx is done.
func (q *Queue) Consume(ctx context.Context, name string, opts queue.ConsumeOptions, handler queue.Handler) error {
	concurrency := max(opts.Concurrency, 1)
	srv := asynq.NewServer(q.redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{name: 1},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return q.backoff.Delay(n)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			q.logger.Warn().Err(err).Str("task", task.Type()).Msg("asynq task attempt failed")
		}),
		Logger:          asynqLogger{logger: q.logger},
		LogLevel:        asynqLogLevel(q.logger.GetLevel()),
		ShutdownTimeout: serverShutdownGrace,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(name, q.process(handler))
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start asynq server for %s: %w", name, err)
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

func (q *Queue) process(handler queue.Handler) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		env, err := decodeEnvelope(task.Payload())
		if err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		id, _ := asynq.GetTaskID(ctx)
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)

		now := globaltime.UTC()
		job := queue.Job{
			ID:         id,
			Name:       task.Type(),
			Payload:    env.Data,
			State:      queue.StateActive,
			RetryCount: retried,
			MaxRetries: maxRetry,
			RunID:      env.RunID,
			ParentID:   env.ParentID,
			CreatedAt:  env.EnqueuedAt,
			StartedAt:  &now,
		}

		output, err := handler(ctx, job)
		if err != nil {
			if failure.IsPermanent(err) || q.isCancelled(context.WithoutCancel(ctx), id, env) {
				return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			}
			return err
		}
		if len(output) > 0 {
			if _, writeErr := task.ResultWriter().Write(output); writeErr != nil {
				q.logger.Warn().Err(writeErr).Str("task", task.Type()).Str("job_id", id).Msg("store job output failed")
			}
		}
		return nil
	}
}

// Schedule records the schedule in Redis and, when this process runs the
// scheduler, registers it with asynq right away.
func (q *Queue) Schedule(ctx context.Context, s queue.Schedule) (bool, error) {
	if _, err := queue.ParseCron(s.Cron, s.Timezone); err != nil {
		return false, err
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = globaltime.UTC()
	}
	raw, err := json.Marshal(storedSchedule(s))
	if err != nil {
		return false, fmt.Errorf("encode schedule %s: %w", s.Key(), err)
	}
	created, err := q.rdb.HSetNX(ctx, schedulesKey, s.Key(), raw).Result()
	if err != nil {
		return false, fmt.Errorf("store schedule %s: %w", s.Key(), err)
	}
	if !created {
		if err := q.rdb.HSet(ctx, schedulesKey, s.Key(), raw).Err(); err != nil {
			return false, fmt.Errorf("update schedule %s: %w", s.Key(), err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.scheduler != nil {
		if err := q.registerLocked(s); err != nil {
			return created, err
		}
	}
	return created, nil
}

func (q *Queue) Schedules(ctx context.Context) ([]queue.Schedule, error) {
	values, err := q.rdb.HGetAll(ctx, schedulesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	out := make([]queue.Schedule, 0, len(values))
	for key, raw := range values {
		var stored scheduleRecord
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			q.logger.Warn().Err(err).Str("schedule", key).Msg("skip unreadable schedule")
			continue
		}
		out = append(out, stored.schedule())
	}
	sortSchedules(out)
	return out, nil
}

// RunScheduler registers every stored schedule with an asynq scheduler and
// runs it until ctx is done. Run it in exactly one process.
func (q *Queue) RunScheduler(ctx context.Context) error {
	scheduler := asynq.NewScheduler(q.redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   asynqLogger{logger: q.logger},
		LogLevel: asynqLogLevel(q.logger.GetLevel()),
	})

	schedules, err := q.Schedules(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.scheduler = scheduler
	for _, s := range schedules {
		if err := q.registerLocked(s); err != nil {
			q.logger.Error().Err(err).Str("task", s.TaskName).Str("cron", s.Cron).Msg("register schedule failed")
		}
	}
	q.mu.Unlock()

	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start asynq scheduler: %w", err)
	}
	<-ctx.Done()
	scheduler.Shutdown()

	q.mu.Lock()
	q.scheduler = nil
	q.entries = make(map[string]string)
	q.mu.Unlock()
	return nil
}

func (q *Queue) registerLocked(s queue.Schedule) error {
	if entryID, ok := q.entries[s.Key()]; ok {
		if err := q.scheduler.Unregister(entryID); err != nil {
			return fmt.Errorf("unregister schedule %s: %w", s.Key(), err)
		}
		delete(q.entries, s.Key())
	}
	payload, err := encodeEnvelope(queue.EnqueueRequest{Name: s.TaskName, Payload: s.Payload}, s.CreatedAt)
	if err != nil {
		return err
	}
	entryID, err := q.scheduler.Register(
		cronSpec(s.Cron, s.Timezone),
		asynq.NewTask(s.TaskName, payload),
		asynq.Queue(s.TaskName),
		asynq.MaxRetry(max(s.MaxRetries, 0)),
		asynq.Retention(q.retention),
		asynq.Unique(cronUniqueWindow),
	)
	if err != nil {
		return fmt.Errorf("register schedule %s: %w", s.Key(), err)
	}
	q.entries[s.Key()] = entryID
	return nil
}

func (q *Queue) Close() error {
	var errs []error
	if err := q.client.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := q.inspector.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := q.rdb.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
