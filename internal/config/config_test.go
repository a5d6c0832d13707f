// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "browserkit", cfg.Logger.ServiceName)
	assert.Equal(t, "chrome", cfg.Browser.Name)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 1280, cfg.Browser.ViewportWidth)
	assert.Equal(t, 720, cfg.Browser.ViewportHeight)
	assert.Equal(t, "1.3", cfg.Protocol.MinCDPVersion)
	assert.Equal(t, 20*time.Second, cfg.Protocol.AttachTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Protocol.PollInterval)
	assert.Equal(t, 3, cfg.Protocol.ReconnectAttempts)
	assert.Equal(t, 40000, cfg.Launch.BasePort)
	assert.Equal(t, "browser.log", cfg.Launch.BrowserLogName)
	assert.Equal(t, 64, cfg.Browser.MinVersions["chromium"])
	assert.True(t, cfg.Profile.CleanCache)
	assert.NoError(t, cfg.Validate())
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Viewport", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Browser.ViewportWidth = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "viewport_width")
	})

	t.Run("AttachTimeout", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Protocol.AttachTimeout = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "protocol.attach_timeout")
	})

	t.Run("BasePort", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Launch.BasePort = 70000
		assert.Error(t, cfg.Validate())
	})

	t.Run("VideoQuality", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Video.Enabled = true
		cfg.Video.Quality = 120
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "video.quality")

		cfg.Video.Enabled = false
		assert.NoError(t, cfg.Validate(), "quality is only checked when recording is enabled")
	})
}

func TestNewConfigFromViper(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")

	yamlConfig := []byte(`
browser:
  name: "firefox:nightly"
  headless: false
  isolate_tabs: true
protocol:
  attach_timeout: 3s
launch:
  args: ["--foo", "--bar=1"]
  env:
    LANG: en_US
`)
	require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "firefox:nightly", cfg.Browser.Name)
	assert.False(t, cfg.Browser.Headless)
	assert.True(t, cfg.Browser.IsolateTabs)
	assert.Equal(t, 3*time.Second, cfg.Protocol.AttachTimeout)
	assert.Equal(t, []string{"--foo", "--bar=1"}, cfg.Launch.Args)
	assert.Equal(t, "en_US", cfg.Launch.Env["lang"], "viper lower-cases map keys")
}

func TestNewConfigFromViper_Invalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("protocol.poll_interval", "0s")

	_, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestPreferencesDisabled(t *testing.T) {
	cfg := NewDefaultConfig()

	t.Setenv(SkipPreferencesEnv, "")
	assert.False(t, cfg.PreferencesDisabled())

	t.Setenv(SkipPreferencesEnv, "1")
	assert.True(t, cfg.PreferencesDisabled())

	t.Setenv(SkipPreferencesEnv, "no")
	assert.False(t, cfg.PreferencesDisabled())

	cfg.Profile.SkipPreferences = true
	assert.True(t, cfg.PreferencesDisabled())
}
