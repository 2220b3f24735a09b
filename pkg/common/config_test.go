package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheatcode-dev/sandboxd/pkg/types"
)

func TestConfigManagerDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("CONFIG_JSON", "")

	cm, err := NewConfigManager[types.AppConfig]()
	require.NoError(t, err)

	config := cm.GetConfig()
	assert.Equal(t, "sandboxd", config.ClusterName)
	assert.Equal(t, []string{"localhost:6379"}, config.Database.Redis.Addrs)
	assert.Equal(t, types.RedisModeSingle, config.Database.Redis.Mode)
	assert.Equal(t, 1994, config.Gateway.HTTPPort)
	assert.Equal(t, "cheatcode-app", config.Sandbox.WebSnapshot)
	assert.Equal(t, "cheatcode-mobile", config.Sandbox.MobileSnapshot)
	assert.Equal(t, 60*time.Second, config.Sandbox.StartTimeout)
	assert.Equal(t, 15*time.Minute, config.Sandbox.AutoStopInterval)
	assert.Equal(t, 24*time.Hour, config.Sandbox.AutoArchiveInterval)
	assert.False(t, config.Pool.Enabled)
	assert.Equal(t, 0.8, config.Pool.ScaleThreshold)
}

func TestConfigManagerOverrideFromFile(t *testing.T) {
	override := []byte("gateway:\n  httpPort: 2005\nsandbox:\n  webSnapshot: custom-app\n")
	path := filepath.Join(t.TempDir(), "override.yaml")
	require.NoError(t, os.WriteFile(path, override, 0o644))

	t.Setenv("CONFIG_PATH", path)
	t.Setenv("CONFIG_JSON", "")

	cm, err := NewConfigManager[types.AppConfig]()
	require.NoError(t, err)

	config := cm.GetConfig()
	assert.Equal(t, 2005, config.Gateway.HTTPPort)
	assert.Equal(t, "custom-app", config.Sandbox.WebSnapshot)

	// Untouched keys keep their defaults.
	assert.Equal(t, "cheatcode-mobile", config.Sandbox.MobileSnapshot)
	assert.Equal(t, 10*time.Second, config.Gateway.ShutdownTimeout)
}
