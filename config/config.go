// Package config loads application configuration, layering defaults, an
// optional TOML file, and MAINLOOP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	mainloop "github.com/joeycumines/go-mainloop"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. MAINLOOP_LOOP_FIXED_STEP.
const EnvPrefix = `MAINLOOP`

// Config holds application configuration.
type Config struct {
	Loop   LoopConfig   `mapstructure:"loop"`
	Logs   LogsConfig   `mapstructure:"logs"`
	Report ReportConfig `mapstructure:"report"`
	App    AppConfig    `mapstructure:"app"`
}

// LoopConfig holds frame timing settings.
type LoopConfig struct {
	FixedStep     time.Duration `mapstructure:"fixed_step"`
	TargetFrame   time.Duration `mapstructure:"target_frame"`
	MaxFixedSteps int           `mapstructure:"max_fixed_steps"`
}

// LogsConfig holds log sink settings.
type LogsConfig struct {
	Dir string `mapstructure:"dir"`
}

// ReportConfig holds remote reporting settings.
type ReportConfig struct {
	// Endpoint is the collector URL. Reporting is disabled if empty.
	Endpoint string `mapstructure:"endpoint"`
	// Development suppresses remote reports.
	Development bool `mapstructure:"development"`
}

// AppConfig holds application identity settings.
type AppConfig struct {
	Version       string `mapstructure:"version"`
	InstallIDPath string `mapstructure:"install_id_path"`
}

// Load reads configuration. If path is empty, MAINLOOP_CONFIG is used, then
// config.toml in the user config directory, neither of which need exist. An
// explicit path must exist.
func Load(path string) (Config, error) {
	v := viper.New()

	dataDir := defaultDataDir()

	// default values
	v.SetDefault("loop.fixed_step", mainloop.DefaultFixedStep)
	v.SetDefault("loop.target_frame", mainloop.DefaultTargetFrameTime)
	v.SetDefault("loop.max_fixed_steps", mainloop.DefaultMaxFixedSteps)
	v.SetDefault("logs.dir", filepath.Join(dataDir, "logs"))
	v.SetDefault("report.endpoint", "")
	v.SetDefault("report.development", false)
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.install_id_path", filepath.Join(dataDir, "installation_id"))

	v.SetConfigType("toml")

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "mainloop"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return Config{}, fmt.Errorf("config: read: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the loop settings, per the mainloop options.
func (c Config) Validate() error {
	if c.Loop.FixedStep <= 0 {
		return fmt.Errorf("config: loop.fixed_step: %w", mainloop.ErrInvalidFixedStep)
	}
	if c.Loop.TargetFrame < 0 {
		return fmt.Errorf("config: loop.target_frame: %w", mainloop.ErrInvalidFrameTime)
	}
	if c.Loop.MaxFixedSteps <= 0 {
		return fmt.Errorf("config: loop.max_fixed_steps: %w", mainloop.ErrInvalidMaxFixedSteps)
	}
	return nil
}

// LoopOptions converts the loop settings to mainloop options.
func (c LoopConfig) LoopOptions() []mainloop.LoopOption {
	return []mainloop.LoopOption{
		mainloop.WithFixedStep(c.FixedStep),
		mainloop.WithTargetFrameTime(c.TargetFrame),
		mainloop.WithMaxFixedStepsPerFrame(c.MaxFixedSteps),
	}
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "mainloop")
	}
	return filepath.Join(os.TempDir(), "mainloop")
}
