package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GracePeriodKey keeps the option name used by existing Windows installs.
// Viper matches it case-insensitively.
const GracePeriodKey = "SessionLockGracePeriodInMinutes"

const (
	DefaultGracePeriodMinutes = 10
	DefaultTargetProcess      = "UiPath.Agent"
)

type Config struct {
	GracePeriodMinutes        int    `mapstructure:"-" yaml:"SessionLockGracePeriodInMinutes"`
	TargetProcess             string `mapstructure:"target_process" yaml:"target_process"`
	PollIntervalSeconds       int    `mapstructure:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	LogLevel                  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat                 string `mapstructure:"log_format" yaml:"log_format"`
	LogFile                   string `mapstructure:"log_file" yaml:"log_file,omitempty"`
	LogMaxSizeMB              int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups             int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`
	AuditEnabled              bool   `mapstructure:"audit_enabled" yaml:"audit_enabled"`
	AuditMaxSizeMB            int    `mapstructure:"audit_max_size_mb" yaml:"audit_max_size_mb"`
	AuditMaxBackups           int    `mapstructure:"audit_max_backups" yaml:"audit_max_backups"`
	MaxConcurrentTerminations int    `mapstructure:"max_concurrent_terminations" yaml:"max_concurrent_terminations"`
	TerminationQueueSize      int    `mapstructure:"termination_queue_size" yaml:"termination_queue_size"`
}

func Default() *Config {
	return &Config{
		GracePeriodMinutes:        DefaultGracePeriodMinutes,
		TargetProcess:             DefaultTargetProcess,
		PollIntervalSeconds:       5,
		LogLevel:                  "info",
		LogFormat:                 "text",
		LogMaxSizeMB:              50,
		LogMaxBackups:             3,
		AuditEnabled:              true,
		AuditMaxSizeMB:            50,
		AuditMaxBackups:           3,
		MaxConcurrentTerminations: 2,
		TerminationQueueSize:      64,
	}
}

// GracePeriod returns the configured grace period as a duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMinutes) * time.Minute
}

// PollInterval returns the session polling interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Load reads the config file (explicit path, or session-monitor.yaml in the
// platform config dir) and SESSION_MONITOR_* environment overrides. A
// missing file is not an error. A grace period that is present but not an
// integer yields a usable config carrying the default together with a
// *GracePeriodError.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("session-monitor")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SESSION_MONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := Default()

	// Bind every key so AutomaticEnv overrides apply to Unmarshal even
	// when the file does not mention them.
	for _, key := range []string{
		"target_process", "poll_interval_seconds", "log_level", "log_format",
		"log_file", "log_max_size_mb", "log_max_backups", "audit_enabled",
		"audit_max_size_mb", "audit_max_backups", "max_concurrent_terminations",
		"termination_queue_size",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}
	if err := v.BindEnv(GracePeriodKey, "SESSION_MONITOR_GRACE_PERIOD_MINUTES"); err != nil {
		return nil, err
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	minutes, err := parseGracePeriod(v.GetString(GracePeriodKey))
	if err != nil {
		cfg.GracePeriodMinutes = DefaultGracePeriodMinutes
		return cfg, &GracePeriodError{Value: v.GetString(GracePeriodKey), Err: err}
	}
	cfg.GracePeriodMinutes = minutes

	return cfg, nil
}

// GracePeriodError reports an unparsable grace period. It is not fatal:
// the returned config carries the default.
type GracePeriodError struct {
	Value string
	Err   error
}

func (e *GracePeriodError) Error() string {
	return fmt.Sprintf("%s %q is not an integer, using %d: %v", GracePeriodKey, e.Value, DefaultGracePeriodMinutes, e.Err)
}

func (e *GracePeriodError) Unwrap() error { return e.Err }

func parseGracePeriod(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultGracePeriodMinutes, nil
	}
	return strconv.Atoi(raw)
}

// ConfigDir returns the platform config directory.
func ConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "SessionMonitor")
	case "darwin":
		return "/Library/Application Support/SessionMonitor"
	default:
		return "/etc/session-monitor"
	}
}

// DataDir returns the directory holding the audit log.
func DataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "SessionMonitor", "data")
	case "darwin":
		return "/Library/Application Support/SessionMonitor/data"
	default:
		return "/var/lib/session-monitor"
	}
}
