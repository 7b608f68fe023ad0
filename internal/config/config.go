// Package config assembles the application's root configuration from viper.
// Component packages own their tuning structs; this package only composes
// them and supplies the sections that have no owning component.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/xkilldash9x/shade-cli/internal/behavior"
	"github.com/xkilldash9x/shade-cli/internal/browser"
	"github.com/xkilldash9x/shade-cli/internal/monitor"
	"github.com/xkilldash9x/shade-cli/internal/schedule"
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger      LoggerConfig              `mapstructure:"logger"`
	Metrics     MetricsConfig             `mapstructure:"metrics"`
	Browser     browser.Config            `mapstructure:"browser"`
	Identity    IdentityConfig            `mapstructure:"identity"`
	Profiles    ProfilesConfig            `mapstructure:"profiles"`
	Behavior    behavior.Config           `mapstructure:"behavior"`
	Scheduler   schedule.Config           `mapstructure:"scheduler"`
	Detection   monitor.DetectionConfig   `mapstructure:"detection"`
	Performance monitor.PerformanceConfig `mapstructure:"performance"`

	// Seed makes every randomized subsystem reproducible when nonzero.
	Seed int64 `mapstructure:"seed"`
}

// ColorConfig defines the color settings for different log levels.
// These are used for console output to make logs more readable.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" json:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" json:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" json:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" json:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" json:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" json:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" json:"fatal" yaml:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" json:"level" yaml:"level"`
	Format      string      `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" json:"colors" yaml:"colors"`
}

// MetricsConfig controls the optional prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// IdentityConfig tunes the browser fingerprint pool.
type IdentityConfig struct {
	// RotationInterval is how long an identity stays active before the
	// next request picks a fresh one.
	RotationInterval time.Duration `mapstructure:"rotation_interval"`
	// UserAgents overrides the built-in pool when non-empty.
	UserAgents []string `mapstructure:"user_agents"`
}

// ProfilesConfig tunes persistent profile storage.
type ProfilesConfig struct {
	Dir            string        `mapstructure:"dir"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	// SaveEvery persists the live session after every N navigations.
	SaveEvery int `mapstructure:"save_every"`
}

// SetDefaults registers every configuration default on the viper instance.
// Keys mirror the mapstructure tags, dot-separated per section.
func SetDefaults(v *viper.Viper) {
	// Logger
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "shade")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "red")

	// Metrics
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9090")

	// Browser
	browserDefaults := browser.DefaultConfig()
	v.SetDefault("browser.headless", browserDefaults.Headless)
	v.SetDefault("browser.ignore_tls_errors", browserDefaults.IgnoreTLSErrors)
	v.SetDefault("browser.chrome_path", browserDefaults.ChromePath)
	v.SetDefault("browser.args", browserDefaults.Args)
	v.SetDefault("browser.nav_timeout", browserDefaults.NavTimeout)
	v.SetDefault("browser.stabilize_quiet", browserDefaults.StabilizeQuiet)

	// Identity
	v.SetDefault("identity.rotation_interval", time.Hour)
	v.SetDefault("identity.user_agents", []string{})

	// Profiles
	v.SetDefault("profiles.dir", "./profiles")
	v.SetDefault("profiles.session_timeout", 24*time.Hour)
	v.SetDefault("profiles.max_age", 30*24*time.Hour)
	v.SetDefault("profiles.save_every", 5)

	// Behavior
	behaviorDefaults := behavior.DefaultConfig()
	v.SetDefault("behavior.enabled", behaviorDefaults.Enabled)
	v.SetDefault("behavior.think_min", behaviorDefaults.ThinkMin)
	v.SetDefault("behavior.think_max", behaviorDefaults.ThinkMax)
	v.SetDefault("behavior.reading_wpm", behaviorDefaults.ReadingWPM)
	v.SetDefault("behavior.comprehension", behaviorDefaults.Comprehension)
	v.SetDefault("behavior.scroll_probability", behaviorDefaults.ScrollProbability)
	v.SetDefault("behavior.scroll_down_bias", behaviorDefaults.ScrollDownBias)
	v.SetDefault("behavior.hover_probability", behaviorDefaults.HoverProbability)
	v.SetDefault("behavior.type_delay_min", behaviorDefaults.TypeDelayMin)
	v.SetDefault("behavior.type_delay_max", behaviorDefaults.TypeDelayMax)

	// Scheduler
	scheduleDefaults := schedule.DefaultConfig()
	v.SetDefault("scheduler.min_interval", scheduleDefaults.MinInterval)
	v.SetDefault("scheduler.max_interval", scheduleDefaults.MaxInterval)
	v.SetDefault("scheduler.burst_threshold", scheduleDefaults.BurstThreshold)
	v.SetDefault("scheduler.burst_window", scheduleDefaults.BurstWindow)
	v.SetDefault("scheduler.burst_decay_window", scheduleDefaults.BurstDecayWindow)
	v.SetDefault("scheduler.max_penalty", scheduleDefaults.MaxPenalty)
	v.SetDefault("scheduler.emergency_duration", scheduleDefaults.EmergencyDuration)

	// Detection
	detectionDefaults := monitor.DefaultDetectionConfig()
	v.SetDefault("detection.window", detectionDefaults.Window)
	v.SetDefault("detection.alert_threshold", detectionDefaults.AlertThreshold)
	v.SetDefault("detection.critical_threshold", detectionDefaults.CriticalThreshold)

	// Performance
	performanceDefaults := monitor.DefaultPerformanceConfig()
	v.SetDefault("performance.max_samples", performanceDefaults.MaxSamples)
	v.SetDefault("performance.sample_interval", performanceDefaults.SampleInterval)
	v.SetDefault("performance.memory_limit_mb", performanceDefaults.MemoryLimitMB)
	v.SetDefault("performance.latency_threshold", performanceDefaults.LatencyThreshold)

	v.SetDefault("seed", 0)
}

// Load unmarshals the viper state into a fresh Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the root sections and delegates to each component's own
// validation.
func (c *Config) Validate() error {
	if c.Identity.RotationInterval < 0 {
		return fmt.Errorf("config: identity.rotation_interval must not be negative")
	}
	if c.Profiles.Dir == "" {
		return fmt.Errorf("config: profiles.dir must not be empty")
	}
	if c.Profiles.SessionTimeout < 0 || c.Profiles.MaxAge < 0 {
		return fmt.Errorf("config: profile timeouts must not be negative")
	}
	if c.Profiles.SaveEvery < 0 {
		return fmt.Errorf("config: profiles.save_every must not be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("config: metrics.listen must be set when metrics are enabled")
	}
	if err := c.Browser.Validate(); err != nil {
		return err
	}
	if err := c.Behavior.Validate(); err != nil {
		return err
	}
	if err := c.Scheduler.Validate(); err != nil {
		return err
	}
	if err := c.Detection.Validate(); err != nil {
		return err
	}
	return c.Performance.Validate()
}
