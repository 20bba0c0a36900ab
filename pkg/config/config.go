package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/core-tools/hsu-appwatch/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Config represents the top-level configuration file structure
type Config struct {
	Monitor        MonitorConfig        `yaml:"monitor"`
	HangDetection  HangDetectionConfig  `yaml:"hang_detection"`
	EventLog       EventLogConfig       `yaml:"event_log"`
	Crash          CrashConfig          `yaml:"crash"`
	ResourceLimits ResourceLimitsConfig `yaml:"resource_limits"`
	Logging        LoggingConfig        `yaml:"logging"`
	Advanced       AdvancedConfig       `yaml:"advanced"`
}

// MonitorConfig selects the target process and the base polling cadence
type MonitorConfig struct {
	ProcessName            string `yaml:"process_name"`
	PerformanceInterval    int    `yaml:"performance_interval,omitempty"`   // seconds
	ProcessCheckInterval   int    `yaml:"process_check_interval,omitempty"` // seconds
	HealthCheckInterval    int    `yaml:"health_check_interval,omitempty"`  // seconds
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds,omitempty"`
}

type HangDetectionConfig struct {
	Enabled        *bool `yaml:"enabled,omitempty"` // Pointer to distinguish unset from false
	TimeoutSeconds int   `yaml:"timeout_seconds,omitempty"`
	CheckInterval  int   `yaml:"check_interval,omitempty"`
	RetryCount     int   `yaml:"retry_count,omitempty"`
}

type EventLogConfig struct {
	Enabled            *bool    `yaml:"enabled,omitempty"`
	Sources            []string `yaml:"sources,omitempty"`
	SeverityLevels     []string `yaml:"severity_levels,omitempty"`
	FilterEnabled      *bool    `yaml:"filter_enabled,omitempty"`
	Keywords           []string `yaml:"keywords,omitempty"`
	PollInterval       int      `yaml:"poll_interval,omitempty"`
	DedupWindowSeconds int      `yaml:"dedup_window_seconds,omitempty"`
	StateFile          string   `yaml:"state_file,omitempty"`
}

type CrashConfig struct {
	// Exit codes the runtime uses to signal an out-of-memory abort
	OOMExitCodes []int64 `yaml:"oom_exit_codes,omitempty"`
}

type ResourceLimitsConfig struct {
	MonitorMaxMemoryMB      float64 `yaml:"monitor_max_memory_mb,omitempty"`
	MonitorMaxCPUPercent    float64 `yaml:"monitor_max_cpu_percent,omitempty"`
	WarningThresholdPercent float64 `yaml:"warning_threshold_percent,omitempty"`
}

type LoggingConfig struct {
	LogDir               string `yaml:"log_dir,omitempty"`
	FilePrefix           string `yaml:"file_prefix,omitempty"`
	MaxFileSizeMB        int    `yaml:"max_file_size_mb,omitempty"`
	MaxFiles             int    `yaml:"max_files,omitempty"`
	RetentionDays        int    `yaml:"retention_days,omitempty"`
	CompressionEnabled   *bool  `yaml:"compression_enabled,omitempty"`
	BatchSize            int    `yaml:"batch_size,omitempty"`
	FlushIntervalSeconds int    `yaml:"flush_interval_seconds,omitempty"`
	IncludeDebug         bool   `yaml:"include_debug,omitempty"`
	WriteRetryAttempts   int    `yaml:"write_retry_attempts,omitempty"`
	FallbackBufferSize   int    `yaml:"fallback_buffer_size,omitempty"`
}

type AdvancedConfig struct {
	ThreadPoolSize   int `yaml:"thread_pool_size,omitempty"`
	QueueSize        int `yaml:"queue_size,omitempty"`
	MetricBufferSize int `yaml:"metric_buffer_size,omitempty"`
}

// Severity names accepted in event_log.severity_levels
const (
	SeverityCritical = "critical"
	SeverityError    = "error"
	SeverityWarning  = "warning"
)

// DefaultKeywords are runtime-fatal signatures matched by the event log filter
var DefaultKeywords = []string{
	"java", "jvm", "javafx",
	"OutOfMemoryError", "StackOverflowError", "NullPointerException", "heap space",
}

// Default returns a configuration with every default applied and no target process
func Default() *Config {
	cfg := &Config{}
	SetDefaults(cfg)
	return cfg
}

// LoadConfigFromFile loads configuration from a YAML (or JSON) file and applies defaults
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.NewValidationError("failed to parse configuration", err).WithContext("filename", filename)
	}
	return cfg, nil
}

// Parse decodes a configuration document and applies defaults
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}
	SetDefaults(&cfg)
	return &cfg, nil
}

// SetDefaults fills every unset field
func SetDefaults(cfg *Config) {
	m := &cfg.Monitor
	if m.PerformanceInterval == 0 {
		m.PerformanceInterval = 60
	}
	if m.ProcessCheckInterval == 0 {
		m.ProcessCheckInterval = 5
	}
	if m.HealthCheckInterval == 0 {
		m.HealthCheckInterval = 300
	}
	if m.ShutdownTimeoutSeconds == 0 {
		m.ShutdownTimeoutSeconds = 10
	}

	h := &cfg.HangDetection
	if h.Enabled == nil {
		h.Enabled = boolPtr(true)
	}
	if h.TimeoutSeconds == 0 {
		h.TimeoutSeconds = 5
	}
	if h.CheckInterval == 0 {
		h.CheckInterval = 30
	}
	if h.RetryCount == 0 {
		h.RetryCount = 3
	}

	e := &cfg.EventLog
	if e.Enabled == nil {
		e.Enabled = boolPtr(true)
	}
	if len(e.Sources) == 0 {
		e.Sources = defaultSources()
	}
	if len(e.SeverityLevels) == 0 {
		e.SeverityLevels = []string{SeverityCritical, SeverityError, SeverityWarning}
	}
	for i, level := range e.SeverityLevels {
		e.SeverityLevels[i] = strings.ToLower(strings.TrimSpace(level))
	}
	if e.FilterEnabled == nil {
		e.FilterEnabled = boolPtr(true)
	}
	if len(e.Keywords) == 0 {
		e.Keywords = append([]string(nil), DefaultKeywords...)
	}
	if e.PollInterval == 0 {
		e.PollInterval = 30
	}
	if e.DedupWindowSeconds == 0 {
		e.DedupWindowSeconds = 600
	}

	if len(cfg.Crash.OOMExitCodes) == 0 {
		cfg.Crash.OOMExitCodes = []int64{3}
	}

	r := &cfg.ResourceLimits
	if r.MonitorMaxMemoryMB == 0 {
		r.MonitorMaxMemoryMB = 50
	}
	if r.MonitorMaxCPUPercent == 0 {
		r.MonitorMaxCPUPercent = 5
	}
	if r.WarningThresholdPercent == 0 {
		r.WarningThresholdPercent = 80
	}

	l := &cfg.Logging
	if l.LogDir == "" {
		l.LogDir = defaultLogDir()
	}
	if l.FilePrefix == "" {
		l.FilePrefix = "appwatch"
	}
	if l.MaxFileSizeMB == 0 {
		l.MaxFileSizeMB = 100
	}
	if l.MaxFiles == 0 {
		l.MaxFiles = 50
	}
	if l.RetentionDays == 0 {
		l.RetentionDays = 30
	}
	if l.CompressionEnabled == nil {
		l.CompressionEnabled = boolPtr(true)
	}
	if l.BatchSize == 0 {
		l.BatchSize = 50
	}
	if l.FlushIntervalSeconds == 0 {
		l.FlushIntervalSeconds = 5
	}
	if l.WriteRetryAttempts == 0 {
		l.WriteRetryAttempts = 5
	}
	if l.FallbackBufferSize == 0 {
		l.FallbackBufferSize = 5000
	}

	a := &cfg.Advanced
	if a.ThreadPoolSize == 0 {
		a.ThreadPoolSize = 2
	}
	if a.QueueSize == 0 {
		a.QueueSize = 10000
	}
	if a.MetricBufferSize == 0 {
		a.MetricBufferSize = 60
	}
}

func defaultSources() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{"Application", "System"}
	case "darwin":
		return []string{"/var/log/system.log"}
	default:
		return []string{"journal"}
	}
}

func defaultLogDir() string {
	if runtime.GOOS == "windows" {
		return "C:/ProgramData/AppWatch/logs"
	}
	return "/var/log/appwatch"
}

func boolPtr(b bool) *bool {
	return &b
}

// Convenience accessors used by the engine

func (c *Config) HangDetectionEnabled() bool {
	return c.HangDetection.Enabled == nil || *c.HangDetection.Enabled
}

func (c *Config) EventLogEnabled() bool {
	return c.EventLog.Enabled == nil || *c.EventLog.Enabled
}

func (c *Config) EventLogFilterEnabled() bool {
	return c.EventLog.FilterEnabled == nil || *c.EventLog.FilterEnabled
}

func (c *Config) CompressionEnabled() bool {
	return c.Logging.CompressionEnabled == nil || *c.Logging.CompressionEnabled
}

func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.Logging.MaxFileSizeMB) * 1024 * 1024
}

func (c *Config) String() string {
	return fmt.Sprintf("process=%s log_dir=%s perf=%ds check=%ds hang=%v event_log=%v",
		c.Monitor.ProcessName, c.Logging.LogDir, c.Monitor.PerformanceInterval,
		c.Monitor.ProcessCheckInterval, c.HangDetectionEnabled(), c.EventLogEnabled())
}
