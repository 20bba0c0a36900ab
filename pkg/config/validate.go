package config

import (
	"fmt"
	"strings"

	"github.com/core-tools/hsu-appwatch/pkg/errors"
)

// Validate checks required fields and ranges. Every violation is reported, not just the first.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	collection := errors.NewErrorCollection()
	collection.Add(validateMonitorConfig(&cfg.Monitor))
	collection.Add(validateHangDetectionConfig(&cfg.HangDetection))
	collection.Add(validateEventLogConfig(&cfg.EventLog))
	collection.Add(validateResourceLimitsConfig(&cfg.ResourceLimits))
	collection.Add(validateLoggingConfig(&cfg.Logging))
	collection.Add(validateAdvancedConfig(&cfg.Advanced))

	if err := collection.ToError(); err != nil {
		return errors.NewValidationError("invalid configuration", err)
	}
	return nil
}

func validateRange(field string, value, min, max int) error {
	if value < min || value > max {
		return errors.NewValidationError(
			fmt.Sprintf("%s out of range: %d", field, value),
			nil,
		).WithContext("valid_range", fmt.Sprintf("%d-%d", min, max))
	}
	return nil
}

func validatePositive(field string, value float64) error {
	if value <= 0 {
		return errors.NewValidationError(fmt.Sprintf("%s must be positive: %v", field, value), nil)
	}
	return nil
}

func validateMonitorConfig(config *MonitorConfig) error {
	collection := errors.NewErrorCollection()

	if strings.TrimSpace(config.ProcessName) == "" {
		collection.Add(errors.NewValidationError("monitor.process_name is required", nil))
	}
	collection.Add(validateRange("monitor.performance_interval", config.PerformanceInterval, 10, 3600))
	collection.Add(validateRange("monitor.process_check_interval", config.ProcessCheckInterval, 1, 60))
	collection.Add(validateRange("monitor.health_check_interval", config.HealthCheckInterval, 10, 3600))
	collection.Add(validateRange("monitor.shutdown_timeout_seconds", config.ShutdownTimeoutSeconds, 1, 300))

	return collection.ToError()
}

func validateHangDetectionConfig(config *HangDetectionConfig) error {
	collection := errors.NewErrorCollection()
	collection.Add(validateRange("hang_detection.timeout_seconds", config.TimeoutSeconds, 1, 30))
	collection.Add(validateRange("hang_detection.check_interval", config.CheckInterval, 10, 300))
	collection.Add(validateRange("hang_detection.retry_count", config.RetryCount, 1, 10))
	return collection.ToError()
}

func validateEventLogConfig(config *EventLogConfig) error {
	collection := errors.NewErrorCollection()

	for _, level := range config.SeverityLevels {
		switch level {
		case SeverityCritical, SeverityError, SeverityWarning:
		default:
			collection.Add(errors.NewValidationError(
				fmt.Sprintf("invalid event_log severity level: %s", level),
				nil,
			).WithContext("valid_levels", "critical, error, warning"))
		}
	}
	for i, source := range config.Sources {
		if strings.TrimSpace(source) == "" {
			collection.Add(errors.NewValidationError(fmt.Sprintf("event_log source at index %d is empty", i), nil))
		}
	}
	collection.Add(validateRange("event_log.poll_interval", config.PollInterval, 5, 3600))
	collection.Add(validateRange("event_log.dedup_window_seconds", config.DedupWindowSeconds, 1, 86400))

	return collection.ToError()
}

func validateResourceLimitsConfig(config *ResourceLimitsConfig) error {
	collection := errors.NewErrorCollection()
	collection.Add(validatePositive("resource_limits.monitor_max_memory_mb", config.MonitorMaxMemoryMB))
	collection.Add(validatePositive("resource_limits.monitor_max_cpu_percent", config.MonitorMaxCPUPercent))
	if config.WarningThresholdPercent <= 0 || config.WarningThresholdPercent > 100 {
		collection.Add(errors.NewValidationError(
			fmt.Sprintf("resource_limits.warning_threshold_percent out of range: %v", config.WarningThresholdPercent),
			nil,
		).WithContext("valid_range", "1-100"))
	}
	return collection.ToError()
}

func validateLoggingConfig(config *LoggingConfig) error {
	collection := errors.NewErrorCollection()

	if strings.TrimSpace(config.LogDir) == "" {
		collection.Add(errors.NewValidationError("logging.log_dir is required", nil))
	}
	if strings.ContainsAny(config.FilePrefix, `/\`) {
		collection.Add(errors.NewValidationError("logging.file_prefix must not contain path separators", nil).
			WithContext("file_prefix", config.FilePrefix))
	}
	collection.Add(validateRange("logging.max_file_size_mb", config.MaxFileSizeMB, 1, 10240))
	collection.Add(validateRange("logging.max_files", config.MaxFiles, 1, 10000))
	collection.Add(validateRange("logging.retention_days", config.RetentionDays, 1, 3650))
	collection.Add(validateRange("logging.batch_size", config.BatchSize, 1, 10000))
	collection.Add(validateRange("logging.flush_interval_seconds", config.FlushIntervalSeconds, 1, 300))
	collection.Add(validateRange("logging.write_retry_attempts", config.WriteRetryAttempts, 1, 20))
	collection.Add(validateRange("logging.fallback_buffer_size", config.FallbackBufferSize, 1, 1000000))

	return collection.ToError()
}

func validateAdvancedConfig(config *AdvancedConfig) error {
	collection := errors.NewErrorCollection()
	collection.Add(validateRange("advanced.thread_pool_size", config.ThreadPoolSize, 1, 32))
	collection.Add(validateRange("advanced.queue_size", config.QueueSize, 1, 10000000))
	collection.Add(validateRange("advanced.metric_buffer_size", config.MetricBufferSize, 1, 100000))
	return collection.ToError()
}
