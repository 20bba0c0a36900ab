package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-appwatch/pkg/errors"

	"github.com/joho/godotenv"
)

// Environment variables that override file configuration
const (
	EnvProcessName = "APPWATCH_PROCESS_NAME"
	EnvLogDir      = "APPWATCH_LOG_DIR"
	EnvDebug       = "APPWATCH_DEBUG"
)

// LookupFunc matches os.LookupEnv
type LookupFunc func(key string) (string, bool)

// ApplyEnvironment overrides process name, log directory and debug flag. Environment wins over file.
func ApplyEnvironment(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if value, ok := lookup(EnvProcessName); ok && strings.TrimSpace(value) != "" {
		cfg.Monitor.ProcessName = strings.TrimSpace(value)
	}
	if value, ok := lookup(EnvLogDir); ok && strings.TrimSpace(value) != "" {
		cfg.Logging.LogDir = strings.TrimSpace(value)
	}
	if value, ok := lookup(EnvDebug); ok && strings.TrimSpace(value) != "" {
		debug, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return errors.NewValidationError("invalid boolean in environment", err).
				WithContext("variable", EnvDebug).
				WithContext("value", value)
		}
		cfg.Logging.IncludeDebug = debug
	}
	return nil
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment without
// replacing variables that are already set
func LoadEnvFile(filename string) error {
	if err := godotenv.Load(filename); err != nil {
		return errors.NewIOError("failed to load environment file", err).WithContext("filename", filename)
	}
	return nil
}

// Load runs the full pipeline: read file (or start from defaults), apply environment, validate
func Load(filename string, lookup LookupFunc) (*Config, error) {
	var cfg *Config
	if filename == "" {
		cfg = Default()
	} else {
		loaded, err := LoadConfigFromFile(filename)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := ApplyEnvironment(cfg, lookup); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
