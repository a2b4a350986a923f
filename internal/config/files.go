package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ScheduleEntry is one cron registration from SCHEDULES_FILE.
type ScheduleEntry struct {
	Task     string         `yaml:"task"`
	Cron     string         `yaml:"cron"`
	Timezone string         `yaml:"timezone"`
	Payload  map[string]any `yaml:"payload"`
}

// SourceSeed is one source definition from SOURCES_FILE.
type SourceSeed struct {
	Type           string         `yaml:"type"`
	URL            string         `yaml:"url"`
	Name           string         `yaml:"name"`
	AuthorityScore *float64       `yaml:"authority_score"`
	Active         *bool          `yaml:"active"`
	Metadata       map[string]any `yaml:"metadata"`
}

type schedulesFile struct {
	Schedules []ScheduleEntry `yaml:"schedules"`
}

type sourcesFile struct {
	Sources []SourceSeed `yaml:"sources"`
}

// DefaultSchedules run when no SCHEDULES_FILE is configured.
func DefaultSchedules() []ScheduleEntry {
	return []ScheduleEntry{
		{Task: "ingest.poll-sources", Cron: "*/5 * * * *", Timezone: "UTC", Payload: map[string]any{"source_type": "feed"}},
		{Task: "ingest.poll-sources", Cron: "*/15 * * * *", Timezone: "UTC", Payload: map[string]any{"source_type": "channel"}},
		{Task: "content.sweep-pending", Cron: "*/10 * * * *", Timezone: "UTC"},
		{Task: "maintenance.queue", Cron: "* * * * *", Timezone: "UTC"},
	}
}

func LoadSchedules(path string) ([]ScheduleEntry, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultSchedules(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedules file %s: %w", path, err)
	}
	var parsed schedulesFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse schedules file %s: %w", path, err)
	}
	for i := range parsed.Schedules {
		if strings.TrimSpace(parsed.Schedules[i].Timezone) == "" {
			parsed.Schedules[i].Timezone = "UTC"
		}
	}
	return parsed.Schedules, nil
}

func LoadSources(path string) ([]SourceSeed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file %s: %w", path, err)
	}
	var parsed sourcesFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse sources file %s: %w", path, err)
	}
	for i, seed := range parsed.Sources {
		if strings.TrimSpace(seed.Type) == "" || strings.TrimSpace(seed.URL) == "" {
			return nil, fmt.Errorf("sources[%d]: type and url are required", i)
		}
	}
	return parsed.Sources, nil
}
