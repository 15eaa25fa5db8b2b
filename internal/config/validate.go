package config

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

const (
	minGracePeriodMinutes = 1
	maxGracePeriodMinutes = 24 * 60
)

// Validate checks the config for invalid values and returns all errors found.
// Values that would break the monitor are clamped to a safe range; the
// rest are logged as warnings and do not prevent startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.GracePeriodMinutes < minGracePeriodMinutes {
		errs = append(errs, fmt.Errorf("%s %d is below minimum %d, clamping", GracePeriodKey, c.GracePeriodMinutes, minGracePeriodMinutes))
		c.GracePeriodMinutes = minGracePeriodMinutes
	} else if c.GracePeriodMinutes > maxGracePeriodMinutes {
		errs = append(errs, fmt.Errorf("%s %d exceeds maximum %d, clamping", GracePeriodKey, c.GracePeriodMinutes, maxGracePeriodMinutes))
		c.GracePeriodMinutes = maxGracePeriodMinutes
	}

	name := strings.TrimSpace(c.TargetProcess)
	switch {
	case name == "":
		errs = append(errs, fmt.Errorf("target_process is empty, using %q", DefaultTargetProcess))
		c.TargetProcess = DefaultTargetProcess
	case strings.ContainsAny(name, `/\`):
		errs = append(errs, fmt.Errorf("target_process %q must be a process name, not a path", name))
		c.TargetProcess = DefaultTargetProcess
	default:
		for _, r := range name {
			if unicode.IsControl(r) {
				errs = append(errs, fmt.Errorf("target_process contains control characters"))
				c.TargetProcess = DefaultTargetProcess
				break
			}
		}
	}

	if c.PollIntervalSeconds < 1 {
		errs = append(errs, fmt.Errorf("poll_interval_seconds %d is below minimum 1, clamping", c.PollIntervalSeconds))
		c.PollIntervalSeconds = 1
	} else if c.PollIntervalSeconds > 300 {
		errs = append(errs, fmt.Errorf("poll_interval_seconds %d exceeds maximum 300, clamping", c.PollIntervalSeconds))
		c.PollIntervalSeconds = 300
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.MaxConcurrentTerminations < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_terminations %d is below minimum 1, clamping", c.MaxConcurrentTerminations))
		c.MaxConcurrentTerminations = 1
	} else if c.MaxConcurrentTerminations > 16 {
		errs = append(errs, fmt.Errorf("max_concurrent_terminations %d exceeds maximum 16, clamping", c.MaxConcurrentTerminations))
		c.MaxConcurrentTerminations = 16
	}

	if c.TerminationQueueSize < 1 {
		errs = append(errs, fmt.Errorf("termination_queue_size %d is below minimum 1, clamping", c.TerminationQueueSize))
		c.TerminationQueueSize = 1
	} else if c.TerminationQueueSize > 1024 {
		errs = append(errs, fmt.Errorf("termination_queue_size %d exceeds maximum 1024, clamping", c.TerminationQueueSize))
		c.TerminationQueueSize = 1024
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}
