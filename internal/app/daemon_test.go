package app

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildUnitFiles(t *testing.T) {
	t.Parallel()

	opts := unitOptions{User: "pulse", WorkDir: "/srv/pulse", Binary: "/usr/local/bin/pulse", EnvFile: "/srv/pulse/.env", Port: 9000}

	worker := buildWorkerUnitFile(opts)
	assert.Contains(t, worker, "ExecStart=/usr/local/bin/pulse worker --scheduler\n")
	assert.Contains(t, worker, "EnvironmentFile=/srv/pulse/.env\n")
	assert.Contains(t, worker, "User=pulse\n")

	serve := buildServeUnitFile(opts)
	assert.Contains(t, serve, "ExecStart=/usr/local/bin/pulse serve --host 0.0.0.0 --port 9000\n")
	assert.Contains(t, serve, "After=network.target "+daemonWorkerUnitName+"\n")

	opts.EnvFile = ""
	assert.NotContains(t, buildServeUnitFile(opts), "EnvironmentFile=")
}

func TestResolveUnitOptions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, ".env"), "QUEUE_BACKEND=memory\n")

	opts, err := resolveUnitOptions("pulse", dir, "/opt/pulse", 8090)
	require.NoError(t, err)
	assert.Equal(t, dir, opts.WorkDir)
	assert.Equal(t, filepath.Join(dir, ".env"), opts.EnvFile)
	assert.Equal(t, "/opt/pulse", opts.Binary)

	_, err = resolveUnitOptions("pulse", filepath.Join(dir, "missing"), "/opt/pulse", 8090)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not a directory"))
}

func TestValidatePort(t *testing.T) {
	t.Parallel()

	assert.NoError(t, validatePort(8090, "--port"))
	assert.Error(t, validatePort(0, "--port"))
	assert.Error(t, validatePort(70000, "--port"))
}
