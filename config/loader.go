package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "semflow.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/semflow"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// envOverrides maps SEMFLOW_* variables onto config fields. Only connection
// endpoints and log settings are overridable this way; everything else goes
// through the file.
var envOverrides = map[string]func(*Config, string){
	"SEMFLOW_DATABASE_URL": func(c *Config, v string) { c.Database.URL = v },
	"SEMFLOW_NATS_URL":     func(c *Config, v string) { c.NATS.URL = v },
	"SEMFLOW_HTTP_ADDR":    func(c *Config, v string) { c.HTTP.Addr = v },
	"SEMFLOW_LOG_LEVEL":    func(c *Config, v string) { c.Log.Level = v },
	"SEMFLOW_LOG_FORMAT":   func(c *Config, v string) { c.Log.Format = v },
}

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/semflow/config.yaml)
// 3. Project config (explicit path, or semflow.yaml in current or parent directories)
// 4. SEMFLOW_* environment variables
//
// An explicit path that does not exist is an error; a missing search-path
// config is not.
func (l *Loader) Load(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load user config
	userConfigPath := l.userConfigPath()
	if userConfigPath != "" {
		if userConfig, err := LoadFromFile(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
			config.Merge(userConfig)
		} else if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	// Load project config
	projectConfigPath := path
	if projectConfigPath == "" {
		projectConfigPath = l.findProjectConfig()
	}
	if projectConfigPath != "" {
		projectConfig, err := LoadFromFile(projectConfigPath)
		if err != nil {
			if path != "" {
				return nil, fmt.Errorf("config file %s: %w", path, err)
			}
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		} else {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		}
	} else {
		l.logger.Debug("No project config found")
	}

	// Apply environment overrides
	for name, apply := range envOverrides {
		if v := os.Getenv(name); v != "" {
			apply(config, v)
			l.logger.Debug("Applied environment override", slog.String("var", name))
		}
	}

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return fmt.Errorf("cannot resolve user home directory")
	}

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for semflow.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}
