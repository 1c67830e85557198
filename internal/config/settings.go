// Package config loads application settings and bootstraps logging. The core
// engine receives plain value structs; nothing below this package touches
// viper.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Settings is the read-only configuration surface consumed by the engine.
type Settings struct {
	MaxConcurrentDownloads int    `mapstructure:"max_concurrent_downloads"`
	MaxConcurrentSegments  int    `mapstructure:"max_concurrent_segments"`
	DownloadPath           string `mapstructure:"download_path"`
	DefaultQuality         string `mapstructure:"default_quality"`
	DefaultFormat          string `mapstructure:"default_format"`
	EnableResume           bool   `mapstructure:"enable_resume"`
	SpeedLimitKBps         int64  `mapstructure:"speed_limit"`

	ProxyURL      string `mapstructure:"proxy_url"`
	ProxyType     string `mapstructure:"proxy_type"`
	ProxyUsername string `mapstructure:"proxy_username"`
	ProxyPassword string `mapstructure:"proxy_password"`

	UserAgent string `mapstructure:"user_agent"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig shapes the application logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // "text" or "json"
	File       string `mapstructure:"file"`   // empty = stderr
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// Defaults returns the built-in settings used when no config file exists.
func Defaults() Settings {
	home, _ := os.UserHomeDir()
	return Settings{
		MaxConcurrentDownloads: 3,
		MaxConcurrentSegments:  4,
		DownloadPath:           filepath.Join(home, "Downloads"),
		DefaultQuality:         "best",
		DefaultFormat:          "mp4",
		EnableResume:           true,
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     14,
		},
	}
}

// Load reads settings from the given file (empty = search the standard
// locations), applying defaults and RIPTIDE_* environment overrides.
func Load(path string) (Settings, error) {
	v := viper.New()
	def := Defaults()

	v.SetDefault("max_concurrent_downloads", def.MaxConcurrentDownloads)
	v.SetDefault("max_concurrent_segments", def.MaxConcurrentSegments)
	v.SetDefault("download_path", def.DownloadPath)
	v.SetDefault("default_quality", def.DefaultQuality)
	v.SetDefault("default_format", def.DefaultFormat)
	v.SetDefault("enable_resume", def.EnableResume)
	v.SetDefault("speed_limit", def.SpeedLimitKBps)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.max_size", def.Logging.MaxSize)
	v.SetDefault("logging.max_backups", def.Logging.MaxBackups)
	v.SetDefault("logging.max_age", def.Logging.MaxAge)

	v.SetEnvPrefix("riptide")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("riptide")
		v.SetConfigType("yaml")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "riptide"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing config file falls back to defaults; anything else is real.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return def, err
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return def, err
	}
	if s.MaxConcurrentDownloads < 1 {
		s.MaxConcurrentDownloads = def.MaxConcurrentDownloads
	}
	if s.MaxConcurrentSegments < 1 {
		s.MaxConcurrentSegments = def.MaxConcurrentSegments
	}
	return s, nil
}
