package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/pulse/internal/globaltime"
)

// Memory is a process-local queue. It backs tests and QUEUE_BACKEND=memory
// development runs; nothing survives a restart.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	schedules map[string]Schedule
	subs      map[string]map[chan struct{}]struct{}
	retention time.Duration
	closed    bool

	poller *Poller
}

type MemoryOptions struct {
	Backoff   Backoff
	Retention time.Duration
	Logger    zerolog.Logger
}

func NewMemory(opts MemoryOptions) *Memory {
	backoff := opts.Backoff
	if backoff.Base <= 0 {
		backoff = NewBackoff(0, 0)
	}
	m := &Memory{
		jobs:      make(map[string]*Job),
		schedules: make(map[string]Schedule),
		subs:      make(map[string]map[chan struct{}]struct{}),
		retention: opts.Retention,
	}
	m.poller = NewPoller(m, backoff, opts.Logger).WithWaker(m)
	return m
}

func (m *Memory) Enqueue(_ context.Context, req EnqueueRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	return m.enqueueLocked(req)
}

func (m *Memory) enqueueLocked(req EnqueueRequest) (string, error) {
	if req.Name == "" {
		return "", fmt.Errorf("enqueue job: task name is required")
	}
	if req.SingletonKey != "" {
		for _, existing := range m.jobs {
			if existing.Name == req.Name && existing.SingletonKey == req.SingletonKey && !existing.State.Terminal() {
				return existing.ID, nil
			}
		}
	}

	now := globaltime.UTC()
	startAfter := req.StartAfter
	if startAfter.IsZero() {
		startAfter = now
	}
	payload := append(json.RawMessage(nil), req.Payload...)
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	job := &Job{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Payload:      payload,
		State:        StateCreated,
		MaxRetries:   max(req.MaxRetries, 0),
		Priority:     req.Priority,
		SingletonKey: req.SingletonKey,
		RunID:        req.RunID,
		ParentID:     req.ParentID,
		StartAfter:   startAfter,
		CreatedAt:    now,
	}
	m.jobs[job.ID] = job
	m.notifyLocked(job.Name)
	return job.ID, nil
}

func (m *Memory) Get(_ context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *job, nil
}

// Jobs returns a snapshot of every job, oldest first.
func (m *Memory) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Memory) List(_ context.Context, filter ListFilter) ([]Job, error) {
	all := m.Jobs()
	out := make([]Job, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		job := all[i]
		if filter.Name != "" && job.Name != filter.Name {
			continue
		}
		if filter.State != "" && job.State != filter.State {
			continue
		}
		if filter.RunID != "" && job.RunID != filter.RunID {
			continue
		}
		out = append(out, job)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.State.Terminal() {
		return nil
	}
	now := globaltime.UTC()
	job.State = StateCancelled
	job.CompletedAt = &now
	job.LeaseExpiresAt = nil
	return nil
}

func (m *Memory) Consume(ctx context.Context, name string, opts ConsumeOptions, handler Handler) error {
	return m.poller.Consume(ctx, name, opts, handler)
}

func (m *Memory) Lease(_ context.Context, name string, leaseFor time.Duration) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	now := globaltime.UTC()
	var next *Job
	for _, job := range m.jobs {
		if job.Name != name || !job.State.Pending() || job.StartAfter.After(now) {
			continue
		}
		if next == nil || job.Priority > next.Priority ||
			(job.Priority == next.Priority && job.CreatedAt.Before(next.CreatedAt)) ||
			(job.Priority == next.Priority && job.CreatedAt.Equal(next.CreatedAt) && job.ID < next.ID) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}

	expires := now.Add(leaseFor)
	next.State = StateActive
	next.StartedAt = &now
	next.LeaseExpiresAt = &expires
	leased := *next
	return &leased, nil
}

func (m *Memory) Complete(_ context.Context, at Attempt, output json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.leasedLocked(at)
	if err != nil {
		return err
	}
	now := globaltime.UTC()
	job.State = StateCompleted
	job.CompletedAt = &now
	job.LeaseExpiresAt = nil
	job.Output = append(json.RawMessage(nil), output...)
	return nil
}

func (m *Memory) Fail(_ context.Context, at Attempt, cause string, retryAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.leasedLocked(at)
	if err != nil {
		return err
	}
	job.LastError = cause
	job.LeaseExpiresAt = nil
	if retryAt == nil {
		now := globaltime.UTC()
		job.State = StateFailed
		job.CompletedAt = &now
		return nil
	}
	job.State = StateRetry
	job.RetryCount++
	job.StartAfter = *retryAt
	m.notifyLocked(job.Name)
	return nil
}

func (m *Memory) Heartbeat(_ context.Context, at Attempt, leaseFor time.Duration) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.leasedLocked(at)
	if err != nil {
		if existing, ok := m.jobs[at.ID]; ok && existing.State == StateCancelled {
			return StateCancelled, nil
		}
		return "", err
	}
	expires := globaltime.UTC().Add(leaseFor)
	job.LeaseExpiresAt = &expires
	return job.State, nil
}

// leasedLocked returns the job if it is still active under at.
func (m *Memory) leasedLocked(at Attempt) (*Job, error) {
	job, ok := m.jobs[at.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if job.State != StateActive || job.RetryCount != at.RetryCount {
		return nil, ErrLeaseLost
	}
	return job, nil
}

func (m *Memory) Schedule(_ context.Context, s Schedule) (bool, error) {
	if _, err := ParseCron(s.Cron, s.Timezone); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.schedules[s.Key()]; ok {
		existing.Timezone = s.Timezone
		existing.Payload = s.Payload
		existing.MaxRetries = s.MaxRetries
		m.schedules[s.Key()] = existing
		return false, nil
	}
	s.CreatedAt = globaltime.UTC()
	s.LastFiredAt = nil
	m.schedules[s.Key()] = s
	return true, nil
}

func (m *Memory) Schedules(_ context.Context) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// Maintain expires stale leases, purges old terminal jobs and fires due
// schedules.
func (m *Memory) Maintain(_ context.Context) (MaintenanceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result MaintenanceResult
	now := globaltime.UTC()
	for id, job := range m.jobs {
		switch {
		case job.State == StateActive && job.LeaseExpiresAt != nil && job.LeaseExpiresAt.Before(now):
			job.LeaseExpiresAt = nil
			job.LastError = "lease expired"
			if job.RetryCount >= job.MaxRetries {
				job.State = StateFailed
				job.CompletedAt = &now
			} else {
				job.State = StateRetry
				job.RetryCount++
				job.StartAfter = now
			}
			result.Expired++
		case m.retention > 0 && job.State.Terminal() && job.CompletedAt != nil && now.Sub(*job.CompletedAt) > m.retention:
			delete(m.jobs, id)
			result.Purged++
		}
	}

	for key, s := range m.schedules {
		fireAt, due, err := DueFire(s, now)
		if err != nil || !due {
			continue
		}
		if _, err := m.enqueueLocked(EnqueueRequest{
			Name:         s.TaskName,
			Payload:      s.Payload,
			MaxRetries:   s.MaxRetries,
			SingletonKey: FireKey(s, fireAt),
		}); err != nil {
			return result, fmt.Errorf("fire schedule %s: %w", key, err)
		}
		s.LastFiredAt = &fireAt
		m.schedules[key] = s
		result.Fired++
	}
	return result, nil
}

func (m *Memory) Subscribe(name string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	if m.subs[name] == nil {
		m.subs[name] = make(map[chan struct{}]struct{})
	}
	m.subs[name][ch] = struct{}{}
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		delete(m.subs[name], ch)
		m.mu.Unlock()
	}
}

func (m *Memory) notifyLocked(name string) {
	for ch := range m.subs[name] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
