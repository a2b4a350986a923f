package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"horse.fit/pulse/internal/queue"
)

type ScheduleConfig struct {
	TaskName string          `json:"task" yaml:"task"`
	Cron     string          `json:"cron" yaml:"cron"`
	Timezone string          `json:"timezone,omitempty" yaml:"timezone"`
	Payload  json.RawMessage `json:"payload,omitempty" yaml:"-"`
}

type ScheduleResult struct {
	TaskName string `json:"task"`
	Cron     string `json:"cron"`
	Created  bool   `json:"created"`
	Error    string `json:"error,omitempty"`
}

// Report summarizes one RegisterSchedules call.
type Report struct {
	Created   int              `json:"created"`
	Unchanged int              `json:"unchanged"`
	Failed    int              `json:"failed"`
	Results   []ScheduleResult `json:"results"`
}

func (r Report) OK() bool { return r.Failed == 0 }

// Scheduler registers cron triggers for defined tasks with the queue.
type Scheduler struct {
	runtime *Runtime
	logger  zerolog.Logger
}

// RegisterSchedules validates and registers every entry. A failing entry is
// logged and reported; the remaining entries are still registered.
// Registration is idempotent on (task, cron).
func (s *Scheduler) RegisterSchedules(ctx context.Context, configs []ScheduleConfig) Report {
	report := Report{Results: make([]ScheduleResult, 0, len(configs))}

	for _, cfg := range configs {
		result := ScheduleResult{TaskName: cfg.TaskName, Cron: cfg.Cron}
		created, err := s.register(ctx, cfg)
		switch {
		case err != nil:
			report.Failed++
			result.Error = err.Error()
			s.logger.Error().
				Err(err).
				Str("task", cfg.TaskName).
				Str("cron", cfg.Cron).
				Str("timezone", cfg.Timezone).
				Msg("register schedule failed")
		case created:
			report.Created++
			result.Created = true
			s.logger.Info().Str("task", cfg.TaskName).Str("cron", cfg.Cron).Str("timezone", cfg.Timezone).Msg("schedule registered")
		default:
			report.Unchanged++
			s.logger.Debug().Str("task", cfg.TaskName).Str("cron", cfg.Cron).Msg("schedule already registered")
		}
		report.Results = append(report.Results, result)
	}
	return report
}

func (s *Scheduler) register(ctx context.Context, cfg ScheduleConfig) (bool, error) {
	name := strings.TrimSpace(cfg.TaskName)
	if name == "" {
		return false, fmt.Errorf("task name is required")
	}
	reg, ok := s.runtime.lookup(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	cron := strings.TrimSpace(cfg.Cron)
	if _, err := queue.ParseCron(cron, cfg.Timezone); err != nil {
		return false, err
	}

	payload := cfg.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if err := reg.validateRaw(payload); err != nil {
		return false, err
	}

	created, err := s.runtime.queue.Schedule(ctx, queue.Schedule{
		TaskName:   name,
		Cron:       cron,
		Timezone:   strings.TrimSpace(cfg.Timezone),
		Payload:    payload,
		MaxRetries: reg.info().MaxRetries,
	})
	if err != nil {
		return false, fmt.Errorf("schedule %s %q: %w", name, cron, err)
	}
	return created, nil
}
