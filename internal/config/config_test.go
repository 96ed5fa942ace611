package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{"SERVER_ADDR", "DATABASE_URL", "MISSION_FILE", "MISSION_AUTOSTART", "WS_WRITE_TIMEOUT", "LOG_PRETTY"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.ServerAddr)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "true", cfg.AutoStartRule)
	assert.Equal(t, 10*time.Second, cfg.WSWriteTimeout)
	assert.False(t, cfg.LogPretty)
}

func TestLoadReadsEnvAndDotenv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MISSION_FILE=levels/dotenv.mis\nWS_PING_INTERVAL=5s\n"), 0o644))
	t.Setenv("MISSION_FILE", "")
	t.Setenv("WS_PING_INTERVAL", "")
	os.Unsetenv("MISSION_FILE")
	os.Unsetenv("WS_PING_INTERVAL")
	t.Setenv("MISSION_AUTOSTART", "connections > 1")
	t.Setenv("WS_WRITE_TIMEOUT", "bogus")
	t.Setenv("LOG_PRETTY", "yes-please")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "levels/dotenv.mis", cfg.MissionFile)
	assert.Equal(t, 5*time.Second, cfg.WSPingInterval)
	assert.Equal(t, "connections > 1", cfg.AutoStartRule)
	assert.Equal(t, 10*time.Second, cfg.WSWriteTimeout)
	assert.False(t, cfg.LogPretty)
}
