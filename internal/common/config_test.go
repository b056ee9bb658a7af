package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveProxiedCount(t *testing.T) {
	tests := []struct {
		name     string
		max      int
		value    interface{}
		expected int
	}{
		{"absent means none", 4, nil, 0},
		{"true means all slots", 4, true, 4},
		{"false means none", 4, false, 0},
		{"plain integer", 4, 2, 2},
		{"toml integer (int64)", 4, int64(3), 3},
		{"float from json-ish config", 4, float64(1), 1},
		{"negative means all except", 4, -1, 3},
		{"negative beyond max clamps to zero", 4, -10, 0},
		{"clamped to max", 4, 99, 4},
		{"quoted integer", 4, "2", 2},
		{"quoted true", 4, "true", 4},
		{"quoted garbage", 4, "lots", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := BrowserConfig{MaxBrowsers: tt.max, ProxiedCount: tt.value}
			assert.Equal(t, tt.expected, c.ResolveProxiedCount())
		})
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	config := DefaultConfig()
	config.Proxy.RotationStrategy = "fastest-first"
	assert.Error(t, config.Validate())

	config = DefaultConfig()
	config.Browser.MinBrowsers = 10
	config.Browser.MaxBrowsers = 2
	assert.Error(t, config.Validate())

	config = DefaultConfig()
	config.Queue.RetryAttempts = 0
	assert.Error(t, config.Validate())
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	t.Setenv("SMARTSTORE_PORT", "9191")
	t.Setenv("SMARTSTORE_REDIS_ADDR", "redis.internal:6380")

	config, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9191, config.Server.Port)
	assert.Equal(t, "redis.internal:6380", config.State.RedisAddr)
}
