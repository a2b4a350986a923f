package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"horse.fit/pulse/internal/failure"
	"horse.fit/pulse/internal/queue"
	payloadschema "horse.fit/pulse/schema"
)

const defaultConcurrency = 1

type TaskOptions struct {
	// Schema names the payload JSON schema. Defaults to the task name; tasks
	// without a registered schema rely on struct tags and Validate().
	Schema      string
	Concurrency int
	MaxRetries  int
	Priority    int
}

// HandlerFunc processes one job. The returned value is stored as the job
// output.
type HandlerFunc[P any] func(ctx context.Context, jc *JobContext, payload P) (any, error)

type Task[P any] struct {
	rt      *Runtime
	name    string
	opts    TaskOptions
	handler HandlerFunc[P]
}

// Define declares a task on rt. Defining the same name twice panics.
func Define[P any](rt *Runtime, name string, opts TaskOptions, handler HandlerFunc[P]) *Task[P] {
	if opts.Schema == "" {
		opts.Schema = name
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	t := &Task[P]{rt: rt, name: name, opts: opts, handler: handler}
	if err := rt.add(name, t); err != nil {
		panic(err)
	}
	return t
}

func (t *Task[P]) Name() string { return t.name }

func (t *Task[P]) info() TaskInfo {
	return TaskInfo{
		Name:        t.name,
		Schema:      t.opts.Schema,
		Concurrency: t.opts.Concurrency,
		MaxRetries:  t.opts.MaxRetries,
		Priority:    t.opts.Priority,
	}
}

type triggerConfig struct {
	singletonKey string
	startAfter   time.Time
	runID        string
	priority     *int
}

type TriggerOption func(*triggerConfig)

// Singleton collapses triggers with the same key while an earlier job is
// still queued or active.
func Singleton(key string) TriggerOption {
	return func(c *triggerConfig) { c.singletonKey = key }
}

func StartAfter(at time.Time) TriggerOption {
	return func(c *triggerConfig) { c.startAfter = at }
}

func WithRunID(id string) TriggerOption {
	return func(c *triggerConfig) { c.runID = id }
}

func WithPriority(p int) TriggerOption {
	return func(c *triggerConfig) { c.priority = &p }
}

// Trigger validates payload and enqueues it as the first job of a new run.
func (t *Task[P]) Trigger(ctx context.Context, payload P, opts ...TriggerOption) (string, error) {
	cfg := triggerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.runID == "" {
		cfg.runID = uuid.NewString()
	}
	return t.enqueue(ctx, payload, cfg, "")
}

// TriggerFrom enqueues payload as a child of the running job jc. The graph
// must contain the edge jc.TaskName -> t.
func (t *Task[P]) TriggerFrom(ctx context.Context, jc *JobContext, payload P, opts ...TriggerOption) (string, error) {
	if jc == nil {
		return t.Trigger(ctx, payload, opts...)
	}
	if !t.rt.graph.Allows(jc.TaskName, t.name) {
		return "", failure.Permanent(fmt.Errorf("%w: %s -> %s", ErrEdgeNotAllowed, jc.TaskName, t.name))
	}
	cfg := triggerConfig{runID: jc.RunID}
	for _, opt := range opts {
		opt(&cfg)
	}
	return t.enqueue(ctx, payload, cfg, jc.JobID)
}

func (t *Task[P]) enqueue(ctx context.Context, payload P, cfg triggerConfig, parentID string) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", t.name, err)
	}
	if err := t.validate(raw, payload); err != nil {
		return "", err
	}

	priority := t.opts.Priority
	if cfg.priority != nil {
		priority = *cfg.priority
	}

	id, err := t.rt.queue.Enqueue(ctx, queue.EnqueueRequest{
		Name:         t.name,
		Payload:      raw,
		MaxRetries:   t.opts.MaxRetries,
		Priority:     priority,
		SingletonKey: cfg.singletonKey,
		RunID:        cfg.runID,
		ParentID:     parentID,
		StartAfter:   cfg.startAfter,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", t.name, err)
	}
	return id, nil
}

func (t *Task[P]) validateRaw(raw json.RawMessage) error {
	payload, err := t.decode(raw)
	if err != nil {
		return err
	}
	return t.validate(raw, payload)
}

func (t *Task[P]) decode(raw json.RawMessage) (P, error) {
	var payload P
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, newValidationError(t.name, fmt.Errorf("decode payload: %w", err))
	}
	return payload, nil
}

// validate runs the JSON schema, the struct tags and an optional
// Validate() method, in that order.
func (t *Task[P]) validate(raw json.RawMessage, payload P) error {
	if payloadschema.Has(t.opts.Schema) {
		if err := payloadschema.Validate(t.opts.Schema, raw); err != nil {
			return newValidationError(t.name, err)
		}
	}

	if isStruct(payload) {
		if err := t.rt.validate.Struct(payload); err != nil {
			return newValidationError(t.name, err)
		}
	}

	if v, ok := any(payload).(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return newValidationError(t.name, err)
		}
	}
	return nil
}

func isStruct(v any) bool {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	return rv.Kind() == reflect.Struct
}

// Register consumes jobs of t with at most Concurrency in flight. It
// blocks until ctx is done.
func (t *Task[P]) Register(ctx context.Context) error {
	return t.register(ctx)
}

func (t *Task[P]) register(ctx context.Context) error {
	t.rt.logger.Info().
		Str("task", t.name).
		Int("concurrency", t.opts.Concurrency).
		Int("max_retries", t.opts.MaxRetries).
		Msg("task registered")

	err := t.rt.queue.Consume(ctx, t.name, t.rt.consumeOptions(t.opts.Concurrency), t.handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("consume %s: %w", t.name, err)
	}
	return nil
}

func (t *Task[P]) handle(ctx context.Context, job queue.Job) (output json.RawMessage, err error) {
	logCtx := t.rt.logger.With().
		Str("task", t.name).
		Str("job_id", job.ID).
		Str("run_id", job.RunID).
		Int("attempt", job.Attempt())
	if job.ParentID != "" {
		logCtx = logCtx.Str("parent_job_id", job.ParentID)
	}
	logger := logCtx.Logger()

	jc := &JobContext{
		JobID:    job.ID,
		RunID:    job.RunID,
		ParentID: job.ParentID,
		TaskName: t.name,
		Attempt:  job.Attempt(),
		Logger:   logger,
	}
	ctx = logger.WithContext(ctx)
	startedAt := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("job handler panicked")
			output = nil
			err = fmt.Errorf("%s handler panic: %v", t.name, r)
		}
	}()

	payload, err := t.decode(job.Payload)
	if err == nil {
		err = t.validate(job.Payload, payload)
	}
	if err != nil {
		logger.Error().Err(err).Msg("job payload rejected")
		return nil, failure.Permanent(err)
	}

	logger.Debug().Msg("job started")
	result, err := t.handler(ctx, jc, payload)
	durationMS := time.Since(startedAt).Milliseconds()

	if failure.IsDuplicate(err) {
		logger.Info().Err(err).Int64("duration_ms", durationMS).Msg("duplicate noop")
		return nil, nil
	}
	if err != nil {
		logger.Error().
			Err(err).
			Bool("permanent", failure.IsPermanent(err)).
			Int64("duration_ms", durationMS).
			Msg("job failed")
		return nil, err
	}

	if result != nil {
		output, err = json.Marshal(result)
		if err != nil {
			logger.Error().Err(err).Msg("marshal job output failed")
			return nil, failure.Permanent(fmt.Errorf("marshal %s output: %w", t.name, err))
		}
	}

	logger.Info().Int64("duration_ms", durationMS).Msg("job completed")
	return output, nil
}
