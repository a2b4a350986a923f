// Package pgqueue stores jobs in Postgres. Leases use FOR UPDATE SKIP LOCKED,
// enqueues wake idle workers through LISTEN/NOTIFY, and cron schedules are
// fired by whichever node holds the advisory lock during maintenance.
package pgqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/pulse/internal/db"
	"horse.fit/pulse/internal/globaltime"
	"horse.fit/pulse/internal/queue"
	"horse.fit/pulse/internal/store"
)

const (
	notifyChannel       = "pulse_jobs"
	scheduleLockKey     = int64(0x70756c7365) // "pulse"
	defaultListLimit    = 50
	maxLastErrorLength  = 4000
	defaultRetentionAge = 14 * 24 * time.Hour
)

var terminalStates = []string{
	string(queue.StateCompleted),
	string(queue.StateCancelled),
	string(queue.StateFailed),
}

type Options struct {
	Backoff   queue.Backoff
	Retention time.Duration
	// Listen enables the LISTEN/NOTIFY wakeup connection.
	Listen bool
}

type Queue struct {
	pool      *db.Pool
	logger    zerolog.Logger
	retention time.Duration
	poller    *queue.Poller
	notifier  *Notifier
}

func New(pool *db.Pool, logger zerolog.Logger, opts Options) *Queue {
	retention := opts.Retention
	if retention <= 0 {
		retention = defaultRetentionAge
	}
	q := &Queue{
		pool:      pool,
		logger:    logger,
		retention: retention,
	}
	q.poller = queue.NewPoller(q, opts.Backoff, logger)
	if opts.Listen && pool != nil {
		q.notifier = NewNotifier(pool.DSN(), notifyChannel, logger)
		q.poller.WithWaker(q.notifier)
	}
	return q
}

func (q *Queue) Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error) {
	if q == nil || q.pool == nil {
		return "", fmt.Errorf("job queue is not initialized")
	}
	id, err := insertJob(ctx, q.pool, req)
	if err != nil {
		return "", err
	}
	if _, err := q.pool.Exec(ctx, notifySQL, notifyChannel, req.Name); err != nil {
		q.logger.Warn().Err(err).Str("task", req.Name).Msg("notify job enqueue failed")
	}
	return id, nil
}

type execer interface {
	QueryRow(ctx context.Context, query string, args ...any) *db.Row
}

func insertJob(ctx context.Context, conn execer, req queue.EnqueueRequest) (string, error) {
	if req.Name == "" {
		return "", fmt.Errorf("enqueue job: task name is required")
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	startAfter := req.StartAfter
	if startAfter.IsZero() {
		startAfter = globaltime.UTC()
	}

	var id string
	err := conn.QueryRow(ctx, insertJobSQL,
		uuid.NewString(),
		req.Name,
		req.Priority,
		string(payload),
		max(req.MaxRetries, 0),
		req.SingletonKey,
		req.RunID,
		req.ParentID,
		startAfter,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !db.IsNoRows(err) {
		return "", fmt.Errorf("insert job %s: %w", req.Name, err)
	}

	if err := conn.QueryRow(ctx, selectSingletonSQL, req.Name, req.SingletonKey).Scan(&id); err != nil {
		return "", fmt.Errorf("load singleton job %s/%s: %w", req.Name, req.SingletonKey, err)
	}
	return id, nil
}

func (q *Queue) Get(ctx context.Context, id string) (queue.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return queue.Job{}, queue.ErrNotFound
	}
	job, err := scanJob(q.pool.QueryRow(ctx, selectJobSQL, id))
	if err != nil {
		if db.IsNoRows(err) {
			return queue.Job{}, queue.ErrNotFound
		}
		return queue.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (q *Queue) Cancel(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return queue.ErrNotFound
	}
	tag, err := q.pool.Exec(ctx, cancelJobSQL, id)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	return nil
}

func (q *Queue) Consume(ctx context.Context, name string, opts queue.ConsumeOptions, handler queue.Handler) error {
	return q.poller.Consume(ctx, name, opts, handler)
}

func (q *Queue) Lease(ctx context.Context, name string, leaseFor time.Duration) (*queue.Job, error) {
	job, err := scanJob(q.pool.QueryRow(ctx, leaseJobSQL, name, leaseFor.Seconds()))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lease %s job: %w", name, err)
	}
	return &job, nil
}

func (q *Queue) Complete(ctx context.Context, at queue.Attempt, output json.RawMessage) error {
	var out any
	if len(output) > 0 {
		out = string(output)
	}
	tag, err := q.pool.Exec(ctx, completeJobSQL, at.ID, out, at.RetryCount)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", at.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

func (q *Queue) Fail(ctx context.Context, at queue.Attempt, cause string, retryAt *time.Time) error {
	cause = store.Truncate(cause, maxLastErrorLength)
	var (
		tag db.CommandTag
		err error
	)
	if retryAt == nil {
		tag, err = q.pool.Exec(ctx, failJobSQL, at.ID, cause, at.RetryCount)
	} else {
		tag, err = q.pool.Exec(ctx, retryJobSQL, at.ID, cause, at.RetryCount, *retryAt)
	}
	if err != nil {
		return fmt.Errorf("fail job %s: %w", at.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

func (q *Queue) Heartbeat(ctx context.Context, at queue.Attempt, leaseFor time.Duration) (queue.State, error) {
	var state string
	err := q.pool.QueryRow(ctx, heartbeatSQL, at.ID, leaseFor.Seconds(), at.RetryCount).Scan(&state)
	if err == nil {
		return queue.State(state), nil
	}
	if !db.IsNoRows(err) {
		return "", fmt.Errorf("heartbeat job %s: %w", at.ID, err)
	}
	if err := q.pool.QueryRow(ctx, selectJobStateSQL, at.ID).Scan(&state); err != nil {
		if db.IsNoRows(err) {
			return "", queue.ErrNotFound
		}
		return "", fmt.Errorf("load job state %s: %w", at.ID, err)
	}
	if queue.State(state) == queue.StateCancelled {
		return queue.StateCancelled, nil
	}
	return "", queue.ErrLeaseLost
}

func (q *Queue) Schedule(ctx context.Context, s queue.Schedule) (bool, error) {
	if _, err := queue.ParseCron(s.Cron, s.Timezone); err != nil {
		return false, err
	}
	payload := s.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var inserted bool
	err := q.pool.QueryRow(ctx, upsertScheduleSQL, s.TaskName, s.Cron, s.Timezone, string(payload), max(s.MaxRetries, 0)).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert schedule %s: %w", s.Key(), err)
	}
	return inserted, nil
}

func (q *Queue) Schedules(ctx context.Context) ([]queue.Schedule, error) {
	rows, err := q.pool.Query(ctx, selectSchedulesSQL)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (q *Queue) List(ctx context.Context, filter queue.ListFilter) ([]queue.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query, args, err := buildListQuery(filter, limit)
	if err != nil {
		return nil, err
	}
	rows, err := q.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]queue.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func buildListQuery(filter queue.ListFilter, limit int) (string, []any, error) {
	b := sq.Select(jobColumns).
		From("pulse.jobs").
		OrderBy("created_on DESC", "id").
		Limit(uint64(limit)).
		PlaceholderFormat(sq.Dollar)
	if filter.Name != "" {
		b = b.Where(sq.Eq{"name": filter.Name})
	}
	if filter.State != "" {
		b = b.Where(sq.Eq{"state": string(filter.State)})
	}
	if filter.RunID != "" {
		b = b.Where(sq.Eq{"run_id": filter.RunID})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build list query: %w", err)
	}
	return query, args, nil
}

func buildPurgeQuery(cutoff time.Time) (string, []any, error) {
	query, args, err := sq.Delete("pulse.jobs").
		Where(sq.Eq{"state": terminalStates}).
		Where(sq.Lt{"completed_on": cutoff}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build purge query: %w", err)
	}
	return query, args, nil
}

// Maintain expires stale leases, purges terminal jobs past retention and
// fires due cron schedules.
func (q *Queue) Maintain(ctx context.Context) (queue.MaintenanceResult, error) {
	var result queue.MaintenanceResult

	tag, err := q.pool.Exec(ctx, expireLeasesSQL)
	if err != nil {
		return result, fmt.Errorf("expire leases: %w", err)
	}
	result.Expired = int(tag.RowsAffected())

	purgeSQL, purgeArgs, err := buildPurgeQuery(globaltime.UTC().Add(-q.retention))
	if err != nil {
		return result, err
	}
	tag, err = q.pool.Exec(ctx, purgeSQL, purgeArgs...)
	if err != nil {
		return result, fmt.Errorf("purge jobs: %w", err)
	}
	result.Purged = int(tag.RowsAffected())

	fired, err := q.fireSchedules(ctx)
	if err != nil {
		return result, err
	}
	result.Fired = fired
	return result, nil
}

func (q *Queue) fireSchedules(ctx context.Context) (int, error) {
	fired := 0
	fireNames := make([]string, 0)
	err := q.pool.InTx(ctx, func(tx db.Tx) error {
		var locked bool
		if err := tx.QueryRow(ctx, tryAdvisoryLockSQL, scheduleLockKey).Scan(&locked); err != nil {
			return fmt.Errorf("acquire schedule lock: %w", err)
		}
		if !locked {
			return nil
		}

		rows, err := tx.Query(ctx, lockSchedulesSQL)
		if err != nil {
			return fmt.Errorf("lock schedules: %w", err)
		}
		schedules, err := scanSchedules(rows)
		rows.Close()
		if err != nil {
			return err
		}

		now := globaltime.UTC()
		for _, s := range schedules {
			fireAt, due, err := queue.DueFire(s, now)
			if err != nil {
				q.logger.Error().Err(err).Str("task", s.TaskName).Str("cron", s.Cron).Msg("skip invalid schedule")
				continue
			}
			if !due {
				continue
			}
			if _, err := insertJob(ctx, tx, queue.EnqueueRequest{
				Name:         s.TaskName,
				Payload:      s.Payload,
				MaxRetries:   s.MaxRetries,
				SingletonKey: queue.FireKey(s, fireAt),
			}); err != nil {
				return fmt.Errorf("fire schedule %s: %w", s.Key(), err)
			}
			if _, err := tx.Exec(ctx, markScheduleFiredSQL, s.TaskName, s.Cron, fireAt); err != nil {
				return fmt.Errorf("mark schedule %s fired: %w", s.Key(), err)
			}
			fired++
			fireNames = append(fireNames, s.TaskName)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, name := range fireNames {
		if _, err := q.pool.Exec(ctx, notifySQL, notifyChannel, name); err != nil {
			q.logger.Warn().Err(err).Str("task", name).Msg("notify scheduled job failed")
		}
	}
	return fired, nil
}

// Listen runs the LISTEN loop until ctx is done. It is a no-op when the
// queue was built without Options.Listen.
func (q *Queue) Listen(ctx context.Context) {
	if q == nil || q.notifier == nil {
		return
	}
	q.notifier.Run(ctx)
}

func (q *Queue) Close() error {
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (queue.Job, error) {
	var (
		job     queue.Job
		state   string
		data    []byte
		output  []byte
		leaseAt *time.Time
	)
	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Priority,
		&data,
		&state,
		&job.MaxRetries,
		&job.RetryCount,
		&job.SingletonKey,
		&job.RunID,
		&job.ParentID,
		&job.StartAfter,
		&leaseAt,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&output,
		&job.LastError,
	)
	if err != nil {
		return queue.Job{}, err
	}
	job.State = queue.State(state)
	job.Payload = json.RawMessage(data)
	job.LeaseExpiresAt = leaseAt
	if len(output) > 0 {
		job.Output = json.RawMessage(output)
	}
	return job, nil
}

func scanSchedules(rows *db.Rows) ([]queue.Schedule, error) {
	out := make([]queue.Schedule, 0)
	for rows.Next() {
		var (
			s    queue.Schedule
			data []byte
		)
		if err := rows.Scan(&s.TaskName, &s.Cron, &s.Timezone, &data, &s.MaxRetries, &s.LastFiredAt, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		s.Payload = json.RawMessage(data)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}
