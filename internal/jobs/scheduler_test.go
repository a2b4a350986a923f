package jobs

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pollPayload struct {
	SourceType string `json:"source_type"`
}

func TestRegisterSchedulesIsIdempotent(t *testing.T) {
	t.Parallel()

	rt, mem := newTestRuntime(t)
	Define(rt, "ingest.poll-sources", TaskOptions{MaxRetries: 2}, func(context.Context, *JobContext, pollPayload) (any, error) {
		return nil, nil
	})
	configs := []ScheduleConfig{
		{TaskName: "ingest.poll-sources", Cron: "*/5 * * * *", Payload: json.RawMessage(`{"source_type":"feed"}`)},
		{TaskName: "ingest.poll-sources", Cron: "*/15 * * * *", Timezone: "Europe/Berlin", Payload: json.RawMessage(`{"source_type":"channel"}`)},
	}

	first := rt.Scheduler().RegisterSchedules(context.Background(), configs)
	require.True(t, first.OK())
	assert.Equal(t, 2, first.Created)

	second := rt.Scheduler().RegisterSchedules(context.Background(), configs)
	require.True(t, second.OK())
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 2, second.Unchanged)

	schedules, err := mem.Schedules(context.Background())
	require.NoError(t, err)
	require.Len(t, schedules, 2)
	for _, s := range schedules {
		assert.Equal(t, 2, s.MaxRetries)
	}
}

func TestRegisterSchedulesContinuesPastFailures(t *testing.T) {
	t.Parallel()

	rt, mem := newTestRuntime(t)
	Define(rt, "ingest.poll-sources", TaskOptions{}, func(context.Context, *JobContext, pollPayload) (any, error) {
		return nil, nil
	})

	report := rt.Scheduler().RegisterSchedules(context.Background(), []ScheduleConfig{
		{TaskName: "ingest.poll-sources", Cron: "not cron", Payload: json.RawMessage(`{"source_type":"feed"}`)},
		{TaskName: "ingest.poll-sources", Cron: "0 * * * *", Timezone: "Mars/Olympus", Payload: json.RawMessage(`{"source_type":"feed"}`)},
		{TaskName: "ingest.poll-sources", Cron: "0 * * * *", Payload: json.RawMessage(`{"source_type":"fax"}`)},
		{TaskName: "nope.missing", Cron: "0 * * * *"},
		{TaskName: "ingest.poll-sources", Cron: "@hourly", Payload: json.RawMessage(`{"source_type":"feed"}`)},
	})

	assert.False(t, report.OK())
	assert.Equal(t, 4, report.Failed)
	assert.Equal(t, 1, report.Created)
	require.Len(t, report.Results, 5)
	assert.True(t, report.Results[4].Created)
	for _, r := range report.Results[:4] {
		assert.NotEmpty(t, r.Error)
	}

	schedules, err := mem.Schedules(context.Background())
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "@hourly", schedules[0].Cron)
}
