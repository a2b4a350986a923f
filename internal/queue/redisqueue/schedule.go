package redisqueue

import (
	"encoding/json"
	"sort"
	"time"

	"horse.fit/pulse/internal/queue"
)

type scheduleRecord struct {
	TaskName   string          `json:"task_name"`
	Cron       string          `json:"cron"`
	Timezone   string          `json:"timezone"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	MaxRetries int             `json:"max_retries"`
	CreatedAt  time.Time       `json:"created_at"`
}

func storedSchedule(s queue.Schedule) scheduleRecord {
	return scheduleRecord{
		TaskName:   s.TaskName,
		Cron:       s.Cron,
		Timezone:   s.Timezone,
		Payload:    s.Payload,
		MaxRetries: s.MaxRetries,
		CreatedAt:  s.CreatedAt,
	}
}

func (r scheduleRecord) schedule() queue.Schedule {
	return queue.Schedule{
		TaskName:   r.TaskName,
		Cron:       r.Cron,
		Timezone:   r.Timezone,
		Payload:    r.Payload,
		MaxRetries: r.MaxRetries,
		CreatedAt:  r.CreatedAt,
	}
}

func sortSchedules(schedules []queue.Schedule) {
	sort.Slice(schedules, func(i, j int) bool { return schedules[i].Key() < schedules[j].Key() })
}
