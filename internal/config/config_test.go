package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Environment:         "test",
		LogLevel:            "info",
		DatabaseURL:         "postgres://localhost/pulse",
		DBMinConns:          1,
		DBMaxConns:          4,
		QueueBackend:        QueueBackendPostgres,
		QueuePollInterval:   time.Second,
		QueueLeaseDuration:  time.Minute,
		JobMaxRetries:       3,
		RetryBaseDelay:      time.Second,
		RetryMaxDelay:       time.Minute,
		FetchTimeout:        15 * time.Second,
		IngestBatchSize:     10,
		DefaultAuthority:    0.7,
		NLPProvider:         "stub",
		EmbeddingProvider:   "stub",
		EmbeddingDimensions: 768,
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "memory needs no database", mutate: func(c *Config) { c.QueueBackend = QueueBackendMemory; c.DatabaseURL = "" }},
		{name: "postgres needs database", mutate: func(c *Config) { c.DatabaseURL = "" }, wantErr: true},
		{name: "unknown backend", mutate: func(c *Config) { c.QueueBackend = "kafka" }, wantErr: true},
		{name: "batch too large", mutate: func(c *Config) { c.IngestBatchSize = 100 }, wantErr: true},
		{name: "authority out of range", mutate: func(c *Config) { c.DefaultAuthority = 1.5 }, wantErr: true},
		{name: "gemini without key", mutate: func(c *Config) { c.NLPProvider = "gemini" }, wantErr: true},
		{name: "http embedder without endpoint", mutate: func(c *Config) { c.EmbeddingProvider = "http" }, wantErr: true},
		{name: "retry delays inverted", mutate: func(c *Config) { c.RetryMaxDelay = time.Millisecond }, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoadSchedulesDefaultsAndFile(t *testing.T) {
	t.Parallel()

	defaults, err := LoadSchedules("")
	require.NoError(t, err)
	assert.NotEmpty(t, defaults)

	path := filepath.Join(t.TempDir(), "schedules.yaml")
	content := "schedules:\n  - task: ingest.poll-sources\n    cron: \"0 * * * *\"\n    payload:\n      source_type: feed\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	entries, err := LoadSchedules(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "UTC", entries[0].Timezone)
	assert.Equal(t, "feed", entries[0].Payload["source_type"])
}

func TestLoadSourcesRequiresTypeAndURL(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sources:\n  - type: feed\n"), 0o600))
	_, err := LoadSources(path)
	assert.Error(t, err)
}
