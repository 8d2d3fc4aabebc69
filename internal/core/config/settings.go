package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// =============================================================================
// Runtime Settings
// =============================================================================

// Settings holds runtime behavior of the CLI itself: where the application
// home lives, how to talk to Docker, and how to log. Domain configuration
// (steps, dags, workspaces) lives in the HOCON documents instead.
type Settings struct {
	Home    string         `mapstructure:"home"`
	Log     LogSettings    `mapstructure:"log"`
	Docker  DockerSettings `mapstructure:"docker"`
	Tools   ToolSettings   `mapstructure:"tools"`
	Browser bool           `mapstructure:"browser"`
}

// LogSettings holds logging configuration.
type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DockerSettings holds Docker client configuration.
type DockerSettings struct {
	Host string `mapstructure:"host"`
}

// ToolSettings names the external binaries nbforge shells out to.
type ToolSettings struct {
	Compose  string `mapstructure:"compose"`
	Jupytext string `mapstructure:"jupytext"`
}

// LoadSettings loads runtime settings from an optional YAML file and the
// NBFORGE_* environment (environment wins).
func LoadSettings(configPath string) (*Settings, error) {
	v := viper.New()

	v.SetDefault("home", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("docker.host", "")
	v.SetDefault("tools.compose", "docker-compose")
	v.SetDefault("tools.jupytext", "jupytext")
	v.SetDefault("browser", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only a parse failure is fatal; a missing file means defaults.
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse settings file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("NBFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return &s, nil
}

// HomeDir returns the application home directory, defaulting to ~/.nbforge
// and expanding a leading "~".
func (s *Settings) HomeDir() string {
	home := s.Home
	if home == "" {
		home = "~/.nbforge"
	}
	if strings.HasPrefix(home, "~") {
		if userHome, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(userHome, strings.TrimPrefix(home, "~"))
		}
	}
	return home
}

// AppConfigFile returns the path of the generated HOCON application config.
func (s *Settings) AppConfigFile() string {
	return filepath.Join(s.HomeDir(), "config", "nbforge.conf")
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format and
// installs it as the process default.
func SetupLogger(s *Settings) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(s.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(s.Log.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
