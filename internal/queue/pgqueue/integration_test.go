package pgqueue

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horse.fit/pulse/internal/config"
	"horse.fit/pulse/internal/db"
	"horse.fit/pulse/internal/queue"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	dsn := os.Getenv("PULSE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PULSE_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, &config.Config{DatabaseURL: dsn, DBMinConns: 1, DBMaxConns: 4, LogLevel: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	require.NoError(t, db.Migrate(ctx, pool, "up", zerolog.Nop()))
	_, err = pool.Exec(ctx, "TRUNCATE pulse.jobs, pulse.schedules")
	require.NoError(t, err)

	return New(pool, zerolog.Nop(), Options{Backoff: queue.NewBackoff(time.Millisecond, 5*time.Millisecond)})
}

func TestPostgresJobLifecycle(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, queue.EnqueueRequest{Name: "content.extract", Payload: json.RawMessage(`{"raw_item_ids":[1]}`), MaxRetries: 2, SingletonKey: "batch:1"})
	require.NoError(t, err)
	again, err := q.Enqueue(ctx, queue.EnqueueRequest{Name: "content.extract", SingletonKey: "batch:1"})
	require.NoError(t, err)
	assert.Equal(t, id, again)

	job, err := q.Lease(ctx, "content.extract", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, queue.StateActive, job.State)

	other, err := q.Lease(ctx, "content.extract", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, other, "a leased job is not handed out twice")

	retryAt := time.Now().Add(-time.Second)
	first := job.Attempt()
	require.NoError(t, q.Fail(ctx, first, "upstream 503", &retryAt))
	job, err = q.Lease(ctx, "content.extract", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.RetryCount)

	assert.ErrorIs(t, q.Complete(ctx, first, json.RawMessage(`{"processed":0}`)), queue.ErrLeaseLost)
	_, err = q.Heartbeat(ctx, first, time.Minute)
	assert.ErrorIs(t, err, queue.ErrLeaseLost)
	require.NoError(t, q.Complete(ctx, job.Attempt(), json.RawMessage(`{"processed":1}`)))
	done, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, done.State)
	require.NoError(t, q.Cancel(ctx, id))
	done, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, done.State)
}

func TestPostgresScheduleIdempotent(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	s := queue.Schedule{TaskName: "ingest.poll-sources", Cron: "*/5 * * * *", Timezone: "UTC", Payload: json.RawMessage(`{"source_type":"feed"}`)}
	created, err := q.Schedule(ctx, s)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = q.Schedule(ctx, s)
	require.NoError(t, err)
	assert.False(t, created)

	schedules, err := q.Schedules(ctx)
	require.NoError(t, err)
	assert.Len(t, schedules, 1)
}
