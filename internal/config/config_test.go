package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("MIDIMESH_DATA_DIR", t.TempDir())

	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8300", cfg.ListenAddr)
	assert.Equal(t, 50*time.Millisecond, cfg.Engine.PollInterval.Std())
	assert.Equal(t, 5*time.Second, cfg.Engine.ReopenCooldown.Std())
	assert.Equal(t, time.Minute, cfg.Engine.PollErrorLogWindow.Std())
	assert.Equal(t, 100*time.Millisecond, cfg.Store.DebounceWindow.Std())
	assert.Equal(t, 30*time.Second, cfg.Discovery.PeerTTL.Std())
	assert.NotEmpty(t, cfg.ServerName)
}

func TestLoad_YAMLFileOverridesDefaults(t *testing.T) {
	t.Setenv("MIDIMESH_DATA_DIR", t.TempDir())

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server_name: studio-a
listen_addr: ":9100"
engine:
  poll_interval: 20ms
  reopen_cooldown: 10s
discovery:
  port: 41999
  peer_ttl: 1m
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "studio-a", cfg.ServerName)
	assert.Equal(t, ":9100", cfg.ListenAddr)
	assert.Equal(t, 20*time.Millisecond, cfg.Engine.PollInterval.Std())
	assert.Equal(t, 10*time.Second, cfg.Engine.ReopenCooldown.Std())
	assert.Equal(t, 41999, cfg.Discovery.Port)
	assert.Equal(t, time.Minute, cfg.Discovery.PeerTTL.Std())
	// Untouched sections keep their defaults.
	assert.Equal(t, time.Minute, cfg.Engine.PollErrorLogWindow.Std())
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("MIDIMESH_DATA_DIR", dataDir)
	t.Setenv("MIDIMESH_SERVER_NAME", "from-env")
	t.Setenv("MIDIMESH_ENGINE_POLL_INTERVAL", "75ms")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_name: from-file\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.ServerName)
	assert.Equal(t, 75*time.Millisecond, cfg.Engine.PollInterval.Std())
	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dataDir, "routes.json"), cfg.RoutesPath())
	assert.Equal(t, filepath.Join(dataDir, "history.db"), cfg.HistoryPath())
}

func TestLoad_RejectsMalformedDuration(t *testing.T) {
	t.Setenv("MIDIMESH_DATA_DIR", t.TempDir())

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  poll_interval: fast\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
