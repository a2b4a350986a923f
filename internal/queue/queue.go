// Package queue defines the durable job queue used by every pipeline stage.
//
// A job moves created -> active -> completed, or active -> retry -> active
// while attempts remain, or to failed once they run out. Queued and active
// jobs can be cancelled. Delivery is at-least-once: an expired lease returns
// the job to retry, so handlers must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type State string

const (
	StateCreated   State = "created"
	StateRetry     State = "retry"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrClosed   = errors.New("queue is closed")
	// ErrLeaseLost means the job was re-leased, expired or settled since the
	// caller leased it. The caller's result must be dropped.
	ErrLeaseLost = errors.New("job lease lost")
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Pending reports whether the job is waiting to be leased.
func (s State) Pending() bool {
	return s == StateCreated || s == StateRetry
}

func (s State) Valid() bool {
	switch s {
	case StateCreated, StateRetry, StateActive, StateCompleted, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

type Job struct {
	ID             string
	Name           string
	Payload        json.RawMessage
	State          State
	RetryCount     int
	MaxRetries     int
	Priority       int
	SingletonKey   string
	RunID          string
	ParentID       string
	StartAfter     time.Time
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Output         json.RawMessage
	LastError      string
}

// Attempt is the 1-based execution number of the current lease.
func (j Job) Attempt() int {
	return j.RetryCount + 1
}

// Record is the externally visible job shape.
type Record struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	State       State           `json:"state"`
	Data        json.RawMessage `json:"data"`
	Output      json.RawMessage `json:"output,omitempty"`
	StartedOn   *time.Time      `json:"startedOn,omitempty"`
	CompletedOn *time.Time      `json:"completedOn,omitempty"`
	CreatedOn   time.Time       `json:"createdOn"`
	RetryCount  int             `json:"retryCount"`
	RunID       string          `json:"runId,omitempty"`
	ParentID    string          `json:"parentId,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
}

// Attempt names one lease of a job. Expiry and retries bump RetryCount, so
// an Attempt taken from an older lease no longer matches the stored job.
type Attempt struct {
	ID         string
	RetryCount int
}

func (j Job) Attempt() Attempt {
	return Attempt{ID: j.ID, RetryCount: j.RetryCount}
}

func (j Job) Record() Record {
	data := j.Payload
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	return Record{
		ID:          j.ID,
		Name:        j.Name,
		State:       j.State,
		Data:        data,
		Output:      j.Output,
		StartedOn:   j.StartedAt,
		CompletedOn: j.CompletedAt,
		CreatedOn:   j.CreatedAt,
		RetryCount:  j.RetryCount,
		RunID:       j.RunID,
		ParentID:    j.ParentID,
		LastError:   j.LastError,
	}
}

type EnqueueRequest struct {
	Name       string
	Payload    json.RawMessage
	MaxRetries int
	Priority   int
	// SingletonKey collapses enqueues of the same task while an earlier job
	// with the key is still queued or active.
	SingletonKey string
	RunID        string
	ParentID     string
	StartAfter   time.Time
}

type Schedule struct {
	TaskName    string
	Cron        string
	Timezone    string
	Payload     json.RawMessage
	MaxRetries  int
	LastFiredAt *time.Time
	CreatedAt   time.Time
}

// Key identifies a schedule. Registration is idempotent on it.
func (s Schedule) Key() string {
	return s.TaskName + "|" + s.Cron
}

// Handler runs one leased job. The returned output is stored on completion.
type Handler func(ctx context.Context, job Job) (json.RawMessage, error)

type ConsumeOptions struct {
	Concurrency   int
	PollInterval  time.Duration
	LeaseDuration time.Duration
}

func (o ConsumeOptions) withDefaults() ConsumeOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 5 * time.Minute
	}
	return o
}

type Queue interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (string, error)
	Get(ctx context.Context, id string) (Job, error)
	Cancel(ctx context.Context, id string) error
	// Consume blocks, running handler for jobs of one task with at most
	// opts.Concurrency in flight, until ctx is done.
	Consume(ctx context.Context, name string, opts ConsumeOptions, handler Handler) error
	// Schedule registers a cron trigger. created is false when the same
	// task and cron expression were already registered.
	Schedule(ctx context.Context, s Schedule) (created bool, err error)
	Schedules(ctx context.Context) ([]Schedule, error)
	Close() error
}

// Maintainer is implemented by backends that expire leases, purge old jobs
// and fire cron schedules from a periodic sweep.
type Maintainer interface {
	Maintain(ctx context.Context) (MaintenanceResult, error)
}

type MaintenanceResult struct {
	Expired int `json:"expired"`
	Purged  int `json:"purged"`
	Fired   int `json:"fired"`
}

// ListFilter narrows job listings. Zero values match everything.
type ListFilter struct {
	Name  string
	State State
	RunID string
	Limit int
}

// Lister is implemented by backends that can enumerate jobs.
type Lister interface {
	List(ctx context.Context, filter ListFilter) ([]Job, error)
}
