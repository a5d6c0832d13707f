// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SkipPreferencesEnv disables every read and write of on-disk browser preference files when set
// to a truthy value. Needed when the application under test encrypts its own profile directory.
const SkipPreferencesEnv = "BROWSERKIT_SKIP_PREFERENCES"

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Launch    LaunchConfig    `mapstructure:"launch" yaml:"launch"`
	Profile   ProfileConfig   `mapstructure:"profile" yaml:"profile"`
	Protocol  ProtocolConfig  `mapstructure:"protocol" yaml:"protocol"`
	Video     VideoConfig     `mapstructure:"video" yaml:"video"`
	Downloads DownloadsConfig `mapstructure:"downloads" yaml:"downloads"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// LoggerConfig controls console and file logging.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig picks a console color name per level. Empty keeps the default, "none" disables it.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig selects and shapes the browser being driven.
type BrowserConfig struct {
	// Name is a "name[:channel]" selector or a path to an executable.
	Name     string `mapstructure:"name" yaml:"name"`
	Headless bool   `mapstructure:"headless" yaml:"headless"`
	// IsolateTabs opens a fresh target for every spec instead of reusing the primary one.
	IsolateTabs bool `mapstructure:"isolate_tabs" yaml:"isolate_tabs"`
	// Interactive selects the fixed "interactive" profile slot instead of a per-run one.
	Interactive    bool           `mapstructure:"interactive" yaml:"interactive"`
	ViewportWidth  int            `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int            `mapstructure:"viewport_height" yaml:"viewport_height"`
	ExtraPaths     []string       `mapstructure:"extra_paths" yaml:"extra_paths"`
	Host           HostConfig     `mapstructure:"host" yaml:"host"`
	VersionProbe   time.Duration  `mapstructure:"version_probe_timeout" yaml:"version_probe_timeout"`
	MinVersions    map[string]int `mapstructure:"min_versions" yaml:"min_versions"`
}

// HostConfig declares an embedding Chromium-based runtime (an Electron-like shell) that is
// offered as a pseudo-browser during discovery.
type HostConfig struct {
	Name            string `mapstructure:"name" yaml:"name"`
	ChromiumVersion string `mapstructure:"chromium_version" yaml:"chromium_version"`
	Path            string `mapstructure:"path" yaml:"path"`
}

// LaunchConfig tunes how the browser process is spawned.
type LaunchConfig struct {
	Args            []string          `mapstructure:"args" yaml:"args"`
	Env             map[string]string `mapstructure:"env" yaml:"env"`
	Extensions      []string          `mapstructure:"extensions" yaml:"extensions"`
	ExtensionSource string            `mapstructure:"extension_source" yaml:"extension_source"`
	ThemePath       string            `mapstructure:"theme_path" yaml:"theme_path"`
	BasePort        int               `mapstructure:"base_port" yaml:"base_port"`
	EndpointTimeout time.Duration     `mapstructure:"endpoint_timeout" yaml:"endpoint_timeout"`
	KillGracePeriod time.Duration     `mapstructure:"kill_grace_period" yaml:"kill_grace_period"`
	BrowserLogName  string            `mapstructure:"browser_log_name" yaml:"browser_log_name"`
}

// ProfileConfig locates the per-browser user data directories.
type ProfileConfig struct {
	AppDataDir      string `mapstructure:"app_data_dir" yaml:"app_data_dir"`
	SkipPreferences bool   `mapstructure:"skip_preferences" yaml:"skip_preferences"`
	CleanCache      bool   `mapstructure:"clean_cache" yaml:"clean_cache"`
}

// ProtocolConfig tunes the remote debugging connection.
type ProtocolConfig struct {
	MinCDPVersion     string        `mapstructure:"min_cdp_version" yaml:"min_cdp_version"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	AttachTimeout     time.Duration `mapstructure:"attach_timeout" yaml:"attach_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff" yaml:"reconnect_backoff"`
}

// VideoConfig controls the screencast side channel.
type VideoConfig struct {
	Enabled       bool `mapstructure:"enabled" yaml:"enabled"`
	Quality       int  `mapstructure:"quality" yaml:"quality"`
	EveryNthFrame int  `mapstructure:"every_nth_frame" yaml:"every_nth_frame"`
}

// DownloadsConfig controls where intercepted downloads land.
type DownloadsConfig struct {
	Folder string `mapstructure:"folder" yaml:"folder"`
}

// MetricsConfig controls the prometheus endpoint of the CLI.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// NewDefaultConfig returns the defaults alone. Tests and embedders use it.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults registers every key so environment overrides resolve through AutomaticEnv.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "browserkit")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.name", "chrome")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.isolate_tabs", false)
	v.SetDefault("browser.interactive", false)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 720)
	v.SetDefault("browser.version_probe_timeout", "5s")
	v.SetDefault("browser.min_versions", map[string]int{"chromium": 64, "firefox": 86})

	// -- Launch --
	v.SetDefault("launch.base_port", 40000)
	v.SetDefault("launch.endpoint_timeout", "30s")
	v.SetDefault("launch.kill_grace_period", "5s")
	v.SetDefault("launch.browser_log_name", "browser.log")

	// -- Profile --
	v.SetDefault("profile.app_data_dir", "~/.browserkit/browsers")
	v.SetDefault("profile.skip_preferences", false)
	v.SetDefault("profile.clean_cache", true)

	// -- Protocol --
	v.SetDefault("protocol.min_cdp_version", "1.3")
	v.SetDefault("protocol.request_timeout", "30s")
	v.SetDefault("protocol.attach_timeout", "20s")
	v.SetDefault("protocol.poll_interval", "100ms")
	v.SetDefault("protocol.reconnect_attempts", 3)
	v.SetDefault("protocol.reconnect_backoff", "500ms")

	// -- Video --
	v.SetDefault("video.enabled", false)
	v.SetDefault("video.quality", 80)
	v.SetDefault("video.every_nth_frame", 1)

	// -- Downloads --
	v.SetDefault("downloads.folder", "downloads")

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", "127.0.0.1:9464")
}

// NewConfigFromViper unmarshals and validates the merged defaults, file and environment.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.BindEnv("profile.skip_preferences", SkipPreferencesEnv)

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate rejects values no driver can work with.
func (c *Config) Validate() error {
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser.viewport_width and browser.viewport_height must be positive integers")
	}
	if c.Launch.BasePort < 0 || c.Launch.BasePort > 65535 {
		return fmt.Errorf("launch.base_port must be within 0-65535")
	}
	if c.Protocol.AttachTimeout <= 0 {
		return fmt.Errorf("protocol.attach_timeout must be a positive duration")
	}
	if c.Protocol.PollInterval <= 0 {
		return fmt.Errorf("protocol.poll_interval must be a positive duration")
	}
	if c.Protocol.ReconnectAttempts < 0 {
		return fmt.Errorf("protocol.reconnect_attempts cannot be negative")
	}
	if c.Video.Enabled && (c.Video.Quality < 0 || c.Video.Quality > 100) {
		return fmt.Errorf("video.quality must be between 0 and 100")
	}
	return nil
}

// PreferencesDisabled reports whether on-disk preference handling is switched off, either by
// configuration or by the process-level escape hatch.
func (c *Config) PreferencesDisabled() bool {
	if c.Profile.SkipPreferences {
		return true
	}
	return envTruthy(os.Getenv(SkipPreferencesEnv))
}

func envTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
