package config

import (
	"reflect"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:  "single service - worker",
			input: "worker",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
			},
		},
		{
			name:  "single service - reaper",
			input: "reaper",
			expected: map[ServiceMode]bool{
				ServiceModeReaper: true,
			},
		},
		{
			name:  "both services",
			input: "worker,reaper",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
				ServiceModeReaper: true,
			},
		},
		{
			name:  "services with spaces",
			input: " worker , reaper ",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
				ServiceModeReaper: true,
			},
		},
		{
			name:  "duplicate services",
			input: "worker,worker,reaper",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
				ServiceModeReaper: true,
			},
		},
		{
			name:        "empty string",
			input:       "",
			expectError: true,
		},
		{
			name:        "only spaces and commas",
			input:       " , , ",
			expectError: true,
		},
		{
			name:        "invalid service name",
			input:       "worker,http",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseServices(tt.input)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("ParseServices(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestAppConfigDefaults(t *testing.T) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("env.Parse error: %v", err)
	}

	if cfg.Services != "worker" {
		t.Errorf("Services default = %q, want worker", cfg.Services)
	}
	if cfg.Queue.Lease != 6*time.Minute {
		t.Errorf("Queue.Lease default = %v", cfg.Queue.Lease)
	}
	if cfg.Queue.DefaultMaxAttempts != 3 {
		t.Errorf("Queue.DefaultMaxAttempts default = %d", cfg.Queue.DefaultMaxAttempts)
	}
	if cfg.Queue.DedupKeyExpression != "case_id" {
		t.Errorf("Queue.DedupKeyExpression default = %q", cfg.Queue.DedupKeyExpression)
	}
	if cfg.Guard.BreakerThreshold != 5 {
		t.Errorf("Guard.BreakerThreshold default = %d", cfg.Guard.BreakerThreshold)
	}
	if cfg.Guard.BreakerCooldown != 60*time.Second {
		t.Errorf("Guard.BreakerCooldown default = %v", cfg.Guard.BreakerCooldown)
	}
	if cfg.Reaper.Interval != 5*time.Minute {
		t.Errorf("Reaper.Interval default = %v", cfg.Reaper.Interval)
	}
}

func TestGuardConfigDependencyOverrides(t *testing.T) {
	t.Setenv("GUARD_DOCKET_PER_MINUTE", "10")
	t.Setenv("GUARD_DOCKET_BREAKER_THRESHOLD", "2")
	t.Setenv("GUARD_SUMMARIZER_BREAKER_COOLDOWN", "5m")

	var cfg GuardConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("env.Parse error: %v", err)
	}

	if cfg.Docket.PerMinute != 10 {
		t.Errorf("Docket.PerMinute = %d, want 10", cfg.Docket.PerMinute)
	}
	if cfg.Docket.BreakerThreshold != 2 {
		t.Errorf("Docket.BreakerThreshold = %d, want 2", cfg.Docket.BreakerThreshold)
	}
	if cfg.Summarizer.BreakerCooldown != 5*time.Minute {
		t.Errorf("Summarizer.BreakerCooldown = %v, want 5m", cfg.Summarizer.BreakerCooldown)
	}
	// Unset overrides stay zero and inherit the defaults at wiring time.
	if cfg.Search.BreakerThreshold != 0 {
		t.Errorf("Search.BreakerThreshold = %d, want 0", cfg.Search.BreakerThreshold)
	}
}

func TestQueueConfigSanitize(t *testing.T) {
	cfg := QueueConfig{
		Lease:              time.Second,
		HandlerTimeout:     0,
		DefaultMaxAttempts: 0,
		RetryBaseDelay:     0,
		RetryMaxDelay:      0,
		TickInterval:       0,
	}
	cfg.Sanitize()

	if cfg.HandlerTimeout < time.Second {
		t.Errorf("HandlerTimeout = %v, want >= 1s", cfg.HandlerTimeout)
	}
	if cfg.Lease <= cfg.HandlerTimeout {
		t.Errorf("Lease %v must outlive HandlerTimeout %v", cfg.Lease, cfg.HandlerTimeout)
	}
	if cfg.DefaultMaxAttempts < 1 {
		t.Errorf("DefaultMaxAttempts = %d, want >= 1", cfg.DefaultMaxAttempts)
	}
	if cfg.RetryBaseDelay <= 0 {
		t.Errorf("RetryBaseDelay = %v, want > 0", cfg.RetryBaseDelay)
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		t.Errorf("RetryMaxDelay %v must be >= RetryBaseDelay %v", cfg.RetryMaxDelay, cfg.RetryBaseDelay)
	}
	if cfg.TickInterval < time.Second {
		t.Errorf("TickInterval = %v, want >= 1s", cfg.TickInterval)
	}
}

func TestGuardConfigSanitize(t *testing.T) {
	cfg := GuardConfig{
		BreakerThreshold: 0,
		BreakerCooldown:  time.Millisecond,
		DefaultPerMinute: 0,
		DefaultPerHour:   0,
		MaxWaitAttempts:  0,
	}
	cfg.Sanitize()

	if cfg.BreakerThreshold < 1 {
		t.Errorf("BreakerThreshold = %d, want >= 1", cfg.BreakerThreshold)
	}
	if cfg.BreakerCooldown < time.Second {
		t.Errorf("BreakerCooldown = %v, want >= 1s", cfg.BreakerCooldown)
	}
	if cfg.DefaultPerMinute < 1 {
		t.Errorf("DefaultPerMinute = %d, want >= 1", cfg.DefaultPerMinute)
	}
	if cfg.DefaultPerHour < cfg.DefaultPerMinute {
		t.Errorf("DefaultPerHour %d must be >= DefaultPerMinute %d", cfg.DefaultPerHour, cfg.DefaultPerMinute)
	}
	if cfg.MaxWaitAttempts < 1 {
		t.Errorf("MaxWaitAttempts = %d, want >= 1", cfg.MaxWaitAttempts)
	}
}

func TestReaperConfigSanitize(t *testing.T) {
	cfg := ReaperConfig{
		Interval:         time.Second,
		PendingMaxAge:    time.Second,
		CompletedMaxAge:  time.Second,
		FailedMaxAge:     time.Second,
		JobResultsMaxAge: time.Second,
		BatchSize:        0,
	}
	cfg.Sanitize()

	if cfg.Interval < time.Minute {
		t.Errorf("Interval = %v, want >= 1m", cfg.Interval)
	}
	if cfg.PendingMaxAge < 5*time.Minute {
		t.Errorf("PendingMaxAge = %v, want >= 5m", cfg.PendingMaxAge)
	}
	if cfg.JobResultsMaxAge < 24*time.Hour {
		t.Errorf("JobResultsMaxAge = %v, want >= 24h", cfg.JobResultsMaxAge)
	}
	if cfg.BatchSize < 1 {
		t.Errorf("BatchSize = %d, want >= 1", cfg.BatchSize)
	}

	oversized := ReaperConfig{BatchSize: 50000}
	oversized.Sanitize()
	if oversized.BatchSize > 10000 {
		t.Errorf("BatchSize = %d, want capped at 10000", oversized.BatchSize)
	}
}

func TestServiceToggles(t *testing.T) {
	cfg := AppConfig{Services: "worker"}
	if !cfg.IsWorkerEnabled() {
		t.Error("expected worker enabled")
	}
	if cfg.IsReaperEnabled() {
		t.Error("expected reaper disabled")
	}

	cfg.Services = "worker,reaper"
	if !cfg.IsWorkerEnabled() || !cfg.IsReaperEnabled() {
		t.Error("expected both services enabled")
	}

	cfg.Services = "bogus"
	if cfg.IsWorkerEnabled() || cfg.IsReaperEnabled() {
		t.Error("invalid service list should disable everything")
	}
}

func TestDetectDevMode(t *testing.T) {
	t.Setenv("APP_ENV", "development")

	cfg := AppConfig{}
	cfg.Sanitize()
	if !cfg.IsDev {
		t.Error("expected dev mode from APP_ENV")
	}

	t.Setenv("APP_ENV", "production")
	cfg = AppConfig{}
	cfg.Sanitize()
	if cfg.IsDev {
		t.Error("expected production mode")
	}
}
