package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horse.fit/pulse/internal/failure"
	"horse.fit/pulse/internal/queue"
)

func TestEnvelopeCarriesRunMetadata(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	raw, err := encodeEnvelope(queue.EnqueueRequest{
		Name:     "analysis.brief",
		Payload:  json.RawMessage(`{"story_id":7}`),
		RunID:    "run-1",
		ParentID: "job-0",
	}, now)
	require.NoError(t, err)

	info := &asynq.TaskInfo{
		ID:       "analysis.brief:story:7",
		Type:     "analysis.brief",
		Payload:  raw,
		State:    asynq.TaskStateRetry,
		Retried:  2,
		MaxRetry: 3,
		LastErr:  "upstream 503",
		Result:   []byte(`{"ok":true}`),
	}
	job, err := jobFromInfo(info, false)
	require.NoError(t, err)
	assert.Equal(t, queue.StateRetry, job.State)
	assert.Equal(t, "run-1", job.RunID)
	assert.Equal(t, "job-0", job.ParentID)
	assert.Equal(t, now, job.CreatedAt)
	assert.JSONEq(t, `{"story_id":7}`, string(job.Payload))
	assert.JSONEq(t, `{"ok":true}`, string(job.Output))
	assert.Equal(t, 2, job.RetryCount)
}

func TestMapState(t *testing.T) {
	t.Parallel()

	cases := []struct {
		info      asynq.TaskInfo
		cancelled bool
		want      queue.State
	}{
		{info: asynq.TaskInfo{State: asynq.TaskStatePending}, want: queue.StateCreated},
		{info: asynq.TaskInfo{State: asynq.TaskStateScheduled}, want: queue.StateCreated},
		{info: asynq.TaskInfo{State: asynq.TaskStateScheduled, Retried: 1}, want: queue.StateRetry},
		{info: asynq.TaskInfo{State: asynq.TaskStateActive}, want: queue.StateActive},
		{info: asynq.TaskInfo{State: asynq.TaskStateCompleted}, want: queue.StateCompleted},
		{info: asynq.TaskInfo{State: asynq.TaskStateArchived}, want: queue.StateFailed},
		{info: asynq.TaskInfo{State: asynq.TaskStateArchived}, cancelled: true, want: queue.StateCancelled},
	}
	for _, tc := range cases {
		info := tc.info
		assert.Equal(t, tc.want, mapState(&info, tc.cancelled), "state %v cancelled=%v", tc.info.State, tc.cancelled)
	}
}

func TestCronSpec(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "CRON_TZ=UTC */5 * * * *", cronSpec(" */5 * * * * ", ""))
	assert.Equal(t, "CRON_TZ=America/New_York 0 9 * * *", cronSpec("0 9 * * *", "America/New_York"))
}

func TestRedisScheduleIdempotent(t *testing.T) {
	addr := os.Getenv("PULSE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PULSE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	q, err := New(ctx, Options{Addr: addr, Backoff: queue.NewBackoff(time.Second, time.Minute)}, zerolog.Nop())
	require.NoError(t, err)
	defer q.Close()
	require.NoError(t, q.rdb.Del(ctx, schedulesKey).Err())

	s := queue.Schedule{TaskName: "ingest.poll-sources", Cron: "*/5 * * * *", Timezone: "UTC"}
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

func TestCancelMarkerIsPerEnqueue(t *testing.T) {
	t.Parallel()

	req := queue.EnqueueRequest{Name: "analysis.analyze", SingletonKey: "story:7"}
	first, err := encodeEnvelope(req, time.Now())
	require.NoError(t, err)
	second, err := encodeEnvelope(req, time.Now())
	require.NoError(t, err)

	a, err := decodeEnvelope(first)
	require.NoError(t, err)
	b, err := decodeEnvelope(second)
	require.NoError(t, err)
	require.NotEmpty(t, a.EnqueueID)

	id := "analysis.analyze:story:7"
	assert.NotEqual(t, cancelMarkerKey(id, a), cancelMarkerKey(id, b))
}

func TestRedisReplacedSingletonRetriesAfterCancel(t *testing.T) {
	addr := os.Getenv("PULSE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PULSE_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	q, err := New(ctx, Options{Addr: addr, Backoff: queue.NewBackoff(10*time.Millisecond, 50*time.Millisecond)}, zerolog.Nop())
	require.NoError(t, err)
	defer q.Close()

	name := "test.cancel-" + uuid.NewString()[:8]
	req := queue.EnqueueRequest{Name: name, SingletonKey: "story:1", MaxRetries: 3}

	id, err := q.Enqueue(ctx, req)
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, id))
	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StateCancelled, job.State)

	again, err := q.Enqueue(ctx, req)
	require.NoError(t, err)
	require.Equal(t, id, again)
	job, err = q.Get(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCreated, job.State)

	var calls atomic.Int32
	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = q.Consume(consumeCtx, name, queue.ConsumeOptions{Concurrency: 1}, func(context.Context, queue.Job) (json.RawMessage, error) {
			if calls.Add(1) == 1 {
				return nil, failure.Transient(errors.New("upstream 503"))
			}
			return nil, nil
		})
	}()

	require.Eventually(t, func() bool {
		job, err := q.Get(ctx, again)
		return err == nil && job.State == queue.StateCompleted
	}, 45*time.Second, 200*time.Millisecond)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}
