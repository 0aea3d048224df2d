package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"

	"github.com/bluelightgit/roubao/capture"
	"github.com/bluelightgit/roubao/internal/display"
)

const (
	BackendPortal  = "portal"
	BackendDesktop = "desktop"
)

type Config struct {
	Backend           string        `mapstructure:"backend"`
	FrameTimeout      time.Duration `mapstructure:"frame_timeout"`
	WorkerQuitTimeout time.Duration `mapstructure:"worker_quit_timeout"`
	DisplayIndex      int           `mapstructure:"display_index"`
	DensityDPI        int           `mapstructure:"density_dpi"`
	RefreshInterval   time.Duration `mapstructure:"refresh_interval"`
	GrantFile         string        `mapstructure:"grant_file"`
	LogFormat         string        `mapstructure:"log_format"`
	LogLevel          string        `mapstructure:"log_level"`
	DisplayName       string        `mapstructure:"display_name"`
}

func Default() *Config {
	backend := BackendDesktop
	if runtime.GOOS == "linux" {
		backend = BackendPortal
	}
	return &Config{
		Backend:           backend,
		FrameTimeout:      capture.DefaultFrameTimeout,
		WorkerQuitTimeout: capture.DefaultWorkerQuitTimeout,
		DensityDPI:        display.DefaultDensityDPI,
		RefreshInterval:   100 * time.Millisecond,
		GrantFile:         filepath.Join(configDir(), "grant.yaml"),
		LogFormat:         "text",
		LogLevel:          "info",
		DisplayName:       capture.DefaultDisplayName,
	}
}

// Load reads cfgFile, or roubao.yaml from the user config directory or the
// working directory when cfgFile is empty. ROUBAO_* environment variables
// override file values. A missing default file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	for key, value := range map[string]any{
		"backend":             cfg.Backend,
		"frame_timeout":       cfg.FrameTimeout,
		"worker_quit_timeout": cfg.WorkerQuitTimeout,
		"display_index":       cfg.DisplayIndex,
		"density_dpi":         cfg.DensityDPI,
		"refresh_interval":    cfg.RefreshInterval,
		"grant_file":          cfg.GrantFile,
		"log_format":          cfg.LogFormat,
		"log_level":           cfg.LogLevel,
		"display_name":        cfg.DisplayName,
	} {
		v.SetDefault(key, value)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("roubao")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ROUBAO")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "roubao")
	}
	return "."
}
