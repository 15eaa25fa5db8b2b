package config

import (
	"strings"
	"testing"
)

func TestValidateDefaultHasNoErrors(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("default config has errors: %v", errs)
	}
}

func TestValidateClampsGracePeriod(t *testing.T) {
	cfg := Default()
	cfg.GracePeriodMinutes = 0
	if errs := cfg.Validate(); len(errs) != 1 {
		t.Fatalf("expected 1 error, got %v", errs)
	}
	if cfg.GracePeriodMinutes != 1 {
		t.Fatalf("GracePeriodMinutes = %d, want 1", cfg.GracePeriodMinutes)
	}

	cfg.GracePeriodMinutes = 100000
	cfg.Validate()
	if cfg.GracePeriodMinutes != 24*60 {
		t.Fatalf("GracePeriodMinutes = %d, want %d", cfg.GracePeriodMinutes, 24*60)
	}
}

func TestValidateRejectsPathAsTargetProcess(t *testing.T) {
	cfg := Default()
	cfg.TargetProcess = `C:\Program Files\Agent\Agent.exe`
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("expected error for path target")
	}
	if cfg.TargetProcess != DefaultTargetProcess {
		t.Fatalf("TargetProcess = %q, want default", cfg.TargetProcess)
	}
}

func TestValidateEmptyTargetProcess(t *testing.T) {
	cfg := Default()
	cfg.TargetProcess = "  "
	cfg.Validate()
	if cfg.TargetProcess != DefaultTargetProcess {
		t.Fatalf("TargetProcess = %q, want default", cfg.TargetProcess)
	}
}

func TestValidateClampsPoolSettings(t *testing.T) {
	cfg := Default()
	cfg.MaxConcurrentTerminations = 0
	cfg.TerminationQueueSize = 5000
	cfg.PollIntervalSeconds = 0
	errs := cfg.Validate()
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if cfg.MaxConcurrentTerminations != 1 {
		t.Fatalf("MaxConcurrentTerminations = %d, want 1", cfg.MaxConcurrentTerminations)
	}
	if cfg.TerminationQueueSize != 1024 {
		t.Fatalf("TerminationQueueSize = %d, want 1024", cfg.TerminationQueueSize)
	}
	if cfg.PollIntervalSeconds != 1 {
		t.Fatalf("PollIntervalSeconds = %d, want 1", cfg.PollIntervalSeconds)
	}
}

func TestValidateUnknownLogSettings(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	cfg.LogFormat = "xml"
	errs := cfg.Validate()
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %v", errs)
	}
	if !strings.Contains(errs[0].Error(), "verbose") {
		t.Fatalf("first error should mention log level: %v", errs[0])
	}
}
