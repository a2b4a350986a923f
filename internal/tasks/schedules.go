package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"horse.fit/pulse/internal/config"
	"horse.fit/pulse/internal/jobs"
)

// ScheduleConfigs converts file entries into scheduler registrations.
func ScheduleConfigs(entries []config.ScheduleEntry) ([]jobs.ScheduleConfig, error) {
	out := make([]jobs.ScheduleConfig, 0, len(entries))
	for i, entry := range entries {
		cfg := jobs.ScheduleConfig{TaskName: entry.Task, Cron: entry.Cron, Timezone: entry.Timezone}
		if len(entry.Payload) > 0 {
			raw, err := json.Marshal(entry.Payload)
			if err != nil {
				return nil, fmt.Errorf("schedules[%d] %s: encode payload: %w", i, entry.Task, err)
			}
			cfg.Payload = raw
		}
		out = append(out, cfg)
	}
	return out, nil
}

// RegisterSchedules loads the schedules file (or the defaults) and registers
// every entry. Registering the same task and cron again is a no-op.
func (p *Pipeline) RegisterSchedules(ctx context.Context, path string) (jobs.Report, error) {
	entries, err := config.LoadSchedules(path)
	if err != nil {
		return jobs.Report{}, err
	}
	configs, err := ScheduleConfigs(entries)
	if err != nil {
		return jobs.Report{}, err
	}
	report := p.Runtime.Scheduler().RegisterSchedules(ctx, configs)
	if !report.OK() {
		return report, fmt.Errorf("%d of %d schedules failed to register", report.Failed, len(configs))
	}
	return report, nil
}
