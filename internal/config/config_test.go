package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test from an empty directory so a developer's .env is not
// picked up, and clears every variable Load reads.
func isolate(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })

	for _, key := range []string{
		"CONFIG", "PORT", "WORKSPACE_DIR", "DATA_DIR", "PROCESS_TIMEOUT", "RESPONSE_TIMEOUT",
		"KILL_GRACE", "RUNNER", "SHELL", "MAX_OUTPUT_BYTES", "API_KEY", "METRICS_ADDR",
		"HISTORY", "DATABASE_URL", "NATS_URL", "INSTANCE_ID", "S3_ENDPOINT", "S3_BUCKET",
		"S3_REGION", "S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY", "S3_FORCE_PATH_STYLE", "SECRETS_ARN",
	} {
		t.Setenv(envPrefix+key, "")
		os.Unsetenv(envPrefix + key)
	}
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3001, cfg.Port)
	assert.Equal(t, "./workspace", cfg.WorkspaceDir)
	assert.Equal(t, 30*time.Second, cfg.ProcessTimeout)
	assert.Equal(t, 31*time.Second, cfg.ResponseTimeout)
	assert.Equal(t, 2*time.Second, cfg.KillGrace)
	assert.Equal(t, "shell", cfg.Runner)
	assert.Equal(t, 10<<20, cfg.MaxOutputBytes)
	assert.Equal(t, ":9091", cfg.MetricsAddr)
	assert.True(t, cfg.History)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoadFromEnv(t *testing.T) {
	isolate(t)
	t.Setenv("WORKBENCH_PORT", "9999")
	t.Setenv("WORKBENCH_API_KEY", "test-key")
	t.Setenv("WORKBENCH_PROCESS_TIMEOUT", "5s")
	t.Setenv("WORKBENCH_RESPONSE_TIMEOUT", "6000")
	t.Setenv("WORKBENCH_RUNNER", "pty")
	t.Setenv("WORKBENCH_HISTORY", "false")
	t.Setenv("WORKBENCH_METRICS_ADDR", "")
	t.Setenv("WORKBENCH_S3_FORCE_PATH_STYLE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "test-key", cfg.APIKey)
	assert.Equal(t, 5*time.Second, cfg.ProcessTimeout)
	assert.Equal(t, 6*time.Second, cfg.ResponseTimeout, "bare numbers are milliseconds")
	assert.Equal(t, "pty", cfg.Runner)
	assert.False(t, cfg.History)
	assert.Empty(t, cfg.MetricsAddr, "explicitly empty disables metrics")
	assert.True(t, cfg.S3ForcePathStyle)
}

func TestLoadFileThenEnv(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "workbench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 4000
workspace_dir: /srv/ws
process_timeout: 10s
response_timeout: 12s
nats_url: nats://broker:4222
`), 0644))
	t.Setenv("WORKBENCH_CONFIG", path)
	t.Setenv("WORKBENCH_PORT", "4001")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4001, cfg.Port, "env wins over file")
	assert.Equal(t, "/srv/ws", cfg.WorkspaceDir)
	assert.Equal(t, 10*time.Second, cfg.ProcessTimeout)
	assert.Equal(t, 12*time.Second, cfg.ResponseTimeout)
	assert.Equal(t, "nats://broker:4222", cfg.NATSURL)
	assert.Equal(t, 2*time.Second, cfg.KillGrace, "unset keys keep defaults")
}

func TestLoadDotEnv(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile(".env", []byte("WORKBENCH_INSTANCE_ID=from-dotenv\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("WORKBENCH_INSTANCE_ID") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.InstanceID)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"WORKBENCH_PORT", "not-a-number"},
		{"WORKBENCH_PORT", "70000"},
		{"WORKBENCH_PROCESS_TIMEOUT", "soon"},
		{"WORKBENCH_HISTORY", "maybe"},
		{"WORKBENCH_RUNNER", "docker"},
		{"WORKBENCH_RESPONSE_TIMEOUT", "30s"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			isolate(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	isolate(t)
	t.Setenv("WORKBENCH_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestApplySecrets_EnvWins(t *testing.T) {
	t.Setenv("WORKBENCH_TEST_SECRET_A", "explicit")
	t.Setenv("WORKBENCH_TEST_SECRET_B", "")
	os.Unsetenv("WORKBENCH_TEST_SECRET_B")
	t.Cleanup(func() { os.Unsetenv("WORKBENCH_TEST_SECRET_B") })

	applied, total, err := applySecrets(`{"WORKBENCH_TEST_SECRET_A":"secret","WORKBENCH_TEST_SECRET_B":"secret"}`)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 2, total)
	assert.Equal(t, "explicit", os.Getenv("WORKBENCH_TEST_SECRET_A"))
	assert.Equal(t, "secret", os.Getenv("WORKBENCH_TEST_SECRET_B"))

	_, _, err = applySecrets("not json")
	assert.Error(t, err)
}
