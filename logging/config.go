package logging

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Environment types
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// GetConfigFromEnv creates a logger configuration based on environment variables
func GetConfigFromEnv() Config {
	return ApplyEnv(DefaultConfig)
}

// ApplyEnv overlays LOG_* / ENVIRONMENT variables onto base.
func ApplyEnv(base Config) Config {
	config := base

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		config.Environment = strings.ToLower(env)
		switch config.Environment {
		case EnvDevelopment:
			config.Format = "text"
			config.Level = "debug"
			config.AddSource = true
		case EnvTest:
			config.Format = "text"
			config.Level = "debug"
			config.AddSource = false
		case EnvProduction:
			config.Format = "json"
			config.AddSource = false
		}
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = strings.ToLower(level)
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = strings.ToLower(format)
	}
	if addSource := os.Getenv("LOG_ADD_SOURCE"); addSource != "" {
		config.AddSource = strings.ToLower(addSource) == "true"
	}
	if file := os.Getenv("LOG_FILE"); file != "" {
		config.File = file
	}
	if size := os.Getenv("LOG_MAX_SIZE_MB"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			config.MaxSizeMB = n
		}
	}

	return config
}

// CustomLevel defines a custom log level between existing ones
type CustomLevel slog.Level

const (
	LevelTrace CustomLevel = CustomLevel(slog.LevelDebug - 4)
)

// String returns the string representation of the custom level
func (l CustomLevel) String() string {
	if l == LevelTrace {
		return "TRACE"
	}
	return slog.Level(l).String()
}
