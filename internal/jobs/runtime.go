// Package jobs is the typed task registry on top of the durable queue.
//
// Tasks are declared with Define against an explicitly constructed Runtime.
// Trigger validates and enqueues, Register consumes with bounded
// concurrency, and the Graph restricts which task may trigger which.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"horse.fit/pulse/internal/queue"
)

// TaskInfo describes a defined task.
type TaskInfo struct {
	Name        string `json:"name"`
	Schema      string `json:"schema"`
	Concurrency int    `json:"concurrency"`
	MaxRetries  int    `json:"max_retries"`
	Priority    int    `json:"priority"`
}

type registration interface {
	info() TaskInfo
	register(ctx context.Context) error
	validateRaw(raw json.RawMessage) error
}

type Runtime struct {
	queue    queue.Queue
	logger   zerolog.Logger
	graph    *Graph
	validate *validator.Validate

	pollInterval  time.Duration
	leaseDuration time.Duration

	mu    sync.RWMutex
	tasks map[string]registration
}

type Option func(*Runtime)

func WithGraph(g *Graph) Option {
	return func(rt *Runtime) {
		if g != nil {
			rt.graph = g
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(rt *Runtime) { rt.pollInterval = d }
}

func WithLeaseDuration(d time.Duration) Option {
	return func(rt *Runtime) { rt.leaseDuration = d }
}

func NewRuntime(q queue.Queue, logger zerolog.Logger, opts ...Option) *Runtime {
	rt := &Runtime{
		queue:    q,
		logger:   logger,
		graph:    NewGraph(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		tasks:    make(map[string]registration),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Runtime) Queue() queue.Queue     { return rt.queue }
func (rt *Runtime) Graph() *Graph          { return rt.graph }
func (rt *Runtime) Logger() zerolog.Logger { return rt.logger }

func (rt *Runtime) Scheduler() *Scheduler {
	return &Scheduler{runtime: rt, logger: rt.logger.With().Str("component", "scheduler").Logger()}
}

func (rt *Runtime) Tasks() []TaskInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]TaskInfo, 0, len(rt.tasks))
	for _, reg := range rt.tasks {
		out = append(out, reg.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (rt *Runtime) Defined(name string) bool {
	_, ok := rt.lookup(name)
	return ok
}

// ValidatePayload runs the full trigger-time validation of a raw payload
// for a defined task.
func (rt *Runtime) ValidatePayload(name string, raw json.RawMessage) error {
	reg, ok := rt.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return reg.validateRaw(raw)
}

// CheckGraph reports edges that name tasks which were never defined.
func (rt *Runtime) CheckGraph() error {
	for _, name := range rt.graph.Nodes() {
		if !rt.Defined(name) {
			return fmt.Errorf("%w: %s appears in pipeline graph", ErrUnknownTask, name)
		}
	}
	return nil
}

// Start registers the named tasks, or every defined task when names is
// empty, and blocks until ctx is done or a consumer fails.
func (rt *Runtime) Start(ctx context.Context, names ...string) error {
	if err := rt.CheckGraph(); err != nil {
		return err
	}

	selected, err := rt.selectTasks(names)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		return fmt.Errorf("no tasks to register")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, reg := range selected {
		reg := reg
		group.Go(func() error {
			return reg.register(groupCtx)
		})
	}

	rt.logger.Info().Int("tasks", len(selected)).Msg("worker runtime started")
	err = group.Wait()
	rt.logger.Info().Msg("worker runtime stopped")
	return err
}

func (rt *Runtime) selectTasks(names []string) ([]registration, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	if len(names) == 0 {
		out := make([]registration, 0, len(rt.tasks))
		for _, reg := range rt.tasks {
			out = append(out, reg)
		}
		return out, nil
	}

	out := make([]registration, 0, len(names))
	for _, name := range names {
		reg, ok := rt.tasks[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
		}
		out = append(out, reg)
	}
	return out, nil
}

func (rt *Runtime) lookup(name string) (registration, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	reg, ok := rt.tasks[name]
	return reg, ok
}

func (rt *Runtime) add(name string, reg registration) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, exists := rt.tasks[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDefine, name)
	}
	rt.tasks[name] = reg
	return nil
}

func (rt *Runtime) consumeOptions(concurrency int) queue.ConsumeOptions {
	return queue.ConsumeOptions{
		Concurrency:   concurrency,
		PollInterval:  rt.pollInterval,
		LeaseDuration: rt.leaseDuration,
	}
}
