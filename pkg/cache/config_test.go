package cache

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())

	assert.True(t, config.Levels["request"].Enabled)
	assert.True(t, config.Levels["memory"].Enabled)
	assert.True(t, config.Levels["database"].Enabled)
	assert.Equal(t, 10000, config.Validation.TargetRPM)
	assert.Equal(t, 85.0, config.Validation.TargetHitRatio)
	assert.False(t, config.Operations.CoalesceRemember)
}

func TestConfigValidateRejections(t *testing.T) {
	t.Run("unknown level name", func(t *testing.T) {
		config := DefaultConfig()
		config.Levels["disk"] = LevelConfig{Enabled: true}
		assert.Error(t, config.Validate())
	})

	t.Run("non-positive batch size", func(t *testing.T) {
		config := DefaultConfig()
		config.Warming.BatchSize = 0
		assert.Error(t, config.Validate())
	})

	t.Run("inverted capacity thresholds", func(t *testing.T) {
		config := DefaultConfig()
		config.Validation.WarningThreshold = 95
		config.Validation.CriticalThreshold = 80
		assert.Error(t, config.Validate())
	})
}

func TestConfigClampTTL(t *testing.T) {
	config := DefaultConfig()

	// Without overrides the capability table drives the clamp.
	assert.Equal(t, time.Hour, config.ClampTTL(LevelMemory, 0))
	assert.Equal(t, 24*time.Hour, config.ClampTTL(LevelMemory, 48*time.Hour))
	assert.Equal(t, time.Second, config.ClampTTL(LevelMemory, 10*time.Millisecond))

	// Configured overrides win.
	config.Levels["memory"] = LevelConfig{
		Enabled:    true,
		DefaultTTL: 10 * time.Minute,
		MaxTTL:     30 * time.Minute,
	}
	assert.Equal(t, 10*time.Minute, config.ClampTTL(LevelMemory, 0))
	assert.Equal(t, 30*time.Minute, config.ClampTTL(LevelMemory, time.Hour))
}

func TestLoadConfigFromViper(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("cache.warming.batch_size", 25)
	viper.Set("cache.validation.target_rpm", 5000)

	config, err := LoadConfigFromViper()
	require.NoError(t, err)

	assert.Equal(t, 25, config.Warming.BatchSize)
	assert.Equal(t, 5000, config.Validation.TargetRPM)
	// Unset values keep defaults.
	assert.Equal(t, 85.0, config.Validation.TargetHitRatio)
}
