package redisqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"horse.fit/pulse/internal/queue"
)

// envelope carries the job metadata asynq has no field for. EnqueueID is
// fresh per enqueue, so a singleton task id reused after the previous task
// finished never inherits that task's cancellation marker.
type envelope struct {
	EnqueueID  string          `json:"enqueue_id,omitempty"`
	RunID      string          `json:"run_id,omitempty"`
	ParentID   string          `json:"parent_id,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Data       json.RawMessage `json:"data"`
}

func encodeEnvelope(req queue.EnqueueRequest, now time.Time) ([]byte, error) {
	data := req.Payload
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	raw, err := json.Marshal(envelope{
		EnqueueID:  uuid.NewString(),
		RunID:      req.RunID,
		ParentID:   req.ParentID,
		EnqueuedAt: now,
		Data:       data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode job envelope: %w", err)
	}
	return raw, nil
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("decode job envelope: %w", err)
	}
	if len(env.Data) == 0 {
		env.Data = json.RawMessage(`{}`)
	}
	return env, nil
}

// mapState folds asynq task states onto the queue lifecycle.
func mapState(info *asynq.TaskInfo, cancelled bool) queue.State {
	switch info.State {
	case asynq.TaskStateActive:
		return queue.StateActive
	case asynq.TaskStateCompleted:
		return queue.StateCompleted
	case asynq.TaskStateArchived:
		if cancelled {
			return queue.StateCancelled
		}
		return queue.StateFailed
	case asynq.TaskStateRetry:
		return queue.StateRetry
	case asynq.TaskStateScheduled:
		if info.Retried > 0 {
			return queue.StateRetry
		}
		return queue.StateCreated
	default:
		return queue.StateCreated
	}
}

// cancelMarkerKey names the Redis key that marks one enqueue of a task as
// cancelled.
func cancelMarkerKey(taskID string, env envelope) string {
	return cancelledKeyPrefix + taskID + ":" + env.EnqueueID
}

func jobFromInfo(info *asynq.TaskInfo, cancelled bool) (queue.Job, error) {
	env, err := decodeEnvelope(info.Payload)
	if err != nil {
		return queue.Job{}, err
	}
	job := queue.Job{
		ID:         info.ID,
		Name:       info.Type,
		Payload:    env.Data,
		State:      mapState(info, cancelled),
		RetryCount: info.Retried,
		MaxRetries: info.MaxRetry,
		RunID:      env.RunID,
		ParentID:   env.ParentID,
		StartAfter: info.NextProcessAt,
		CreatedAt:  env.EnqueuedAt,
		LastError:  info.LastErr,
	}
	if !info.CompletedAt.IsZero() {
		completed := info.CompletedAt
		job.CompletedAt = &completed
	}
	if len(info.Result) > 0 {
		job.Output = json.RawMessage(info.Result)
	}
	return job, nil
}
