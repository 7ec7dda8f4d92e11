package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		expected     string
	}{
		{
			name:         "returns environment variable when set",
			key:          "FLARE_TEST_KEY_1",
			defaultValue: "default",
			envValue:     "env_value",
			expected:     "env_value",
		},
		{
			name:         "returns default when environment variable is empty",
			key:          "FLARE_TEST_KEY_2",
			defaultValue: "default",
			expected:     "default",
		},
		{
			name:         "handles empty default value",
			key:          "FLARE_TEST_KEY_3",
			defaultValue: "",
			envValue:     "env_value",
			expected:     "env_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			result := getenv(tt.key, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("getenv(%q, %q) = %q, want %q", tt.key, tt.defaultValue, result, tt.expected)
			}
		})
	}
}

func TestGetenvInt(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		def      int
		expected int
	}{
		{name: "valid integer", value: "42", def: 10, expected: 42},
		{name: "invalid integer returns default", value: "not_a_number", def: 10, expected: 10},
		{name: "empty returns default", value: "", def: 10, expected: 10},
		{name: "negative integer", value: "-5", def: 10, expected: -5},
		{name: "float string returns default", value: "3.5", def: 7, expected: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("FLARE_TEST_INT", tt.value)
			if got := getenvInt("FLARE_TEST_INT", tt.def); got != tt.expected {
				t.Errorf("getenvInt() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestGetenvFloat(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		def      float64
		expected float64
	}{
		{name: "valid float", value: "0.5", def: 0.25, expected: 0.5},
		{name: "integer string", value: "1", def: 0.25, expected: 1},
		{name: "invalid returns default", value: "half", def: 0.25, expected: 0.25},
		{name: "empty returns default", value: "", def: 0.25, expected: 0.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("FLARE_TEST_FLOAT", tt.value)
			if got := getenvFloat("FLARE_TEST_FLOAT", tt.def); got != tt.expected {
				t.Errorf("getenvFloat() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGetenvBool(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		def      bool
		expected bool
	}{
		{name: "true", value: "true", def: false, expected: true},
		{name: "one", value: "1", def: false, expected: true},
		{name: "false", value: "false", def: true, expected: false},
		{name: "invalid returns default", value: "maybe", def: true, expected: true},
		{name: "empty returns default", value: "", def: false, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("FLARE_TEST_BOOL", tt.value)
			if got := getenvBool("FLARE_TEST_BOOL", tt.def); got != tt.expected {
				t.Errorf("getenvBool() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGetenvDuration(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		def      time.Duration
		expected time.Duration
	}{
		{name: "go duration", value: "2s", def: time.Second, expected: 2 * time.Second},
		{name: "millisecond integer", value: "2000", def: time.Second, expected: 2 * time.Second},
		{name: "zero disables", value: "0", def: 5 * time.Second, expected: 0},
		{name: "invalid returns default", value: "soon", def: time.Second, expected: time.Second},
		{name: "empty returns default", value: "", def: 50 * time.Millisecond, expected: 50 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("FLARE_TEST_DURATION", tt.value)
			if got := getenvDuration("FLARE_TEST_DURATION", tt.def); got != tt.expected {
				t.Errorf("getenvDuration() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseDurationList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []time.Duration
	}{
		{name: "empty", input: "", expected: nil},
		{name: "single", input: "1s", expected: []time.Duration{time.Second}},
		{
			name:     "with spaces",
			input:    "1s, 4s ,16s",
			expected: []time.Duration{time.Second, 4 * time.Second, 16 * time.Second},
		},
		{
			name:     "invalid parts skipped",
			input:    "1s,bogus,1m",
			expected: []time.Duration{time.Second, time.Minute},
		},
		{name: "all invalid", input: "x,y", expected: []time.Duration{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseDurationList(tt.input)
			if len(got) != len(tt.expected) {
				t.Fatalf("parseDurationList(%q) = %v, want %v", tt.input, got, tt.expected)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("parseDurationList(%q)[%d] = %v, want %v", tt.input, i, got[i], tt.expected[i])
				}
			}
		})
	}
}

func TestGetenvDurationListFallsBack(t *testing.T) {
	t.Setenv("FLARE_BACKOFF_SCHEDULE", "nope")
	got := getenvDurationList("FLARE_BACKOFF_SCHEDULE", DefaultBackoffSchedule())
	if !reflect.DeepEqual(got, DefaultBackoffSchedule()) {
		t.Errorf("getenvDurationList() = %v, want default schedule", got)
	}
}

func clearFlareEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "FLARE_") || strings.HasPrefix(key, "NSQ") || key == "APP_NAME" ||
			key == "PUBLISH_DIAGNOSTICS" || key == "FAIL_FIRST_N" {
			t.Setenv(key, "")
		}
	}
}

func TestFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		clearFlareEnv(t)
		cfg := FromEnv()

		if cfg.AppName != "flarebox" {
			t.Errorf("AppName = %q, want flarebox", cfg.AppName)
		}
		if cfg.HTTPPort != ":8090" {
			t.Errorf("HTTPPort = %q, want :8090", cfg.HTTPPort)
		}
		if cfg.Store.Dir != filepath.Join(os.TempDir(), "flarebox") {
			t.Errorf("Store.Dir = %q", cfg.Store.Dir)
		}
		if cfg.Store.MaxPersistedEntries != 32 {
			t.Errorf("Store.MaxPersistedEntries = %d, want 32", cfg.Store.MaxPersistedEntries)
		}
		if cfg.Launch.WindowDuration != 5*time.Second {
			t.Errorf("Launch.WindowDuration = %v, want 5s", cfg.Launch.WindowDuration)
		}
		if cfg.Launch.WaitTimeout != 2*time.Second {
			t.Errorf("Launch.WaitTimeout = %v, want 2s", cfg.Launch.WaitTimeout)
		}
		if cfg.Launch.PollInterval != 50*time.Millisecond {
			t.Errorf("Launch.PollInterval = %v, want 50ms", cfg.Launch.PollInterval)
		}
		if cfg.Delivery.Timeout != 15*time.Second {
			t.Errorf("Delivery.Timeout = %v, want 15s", cfg.Delivery.Timeout)
		}
		if cfg.Delivery.SignatureHeader != "X-Flare-Signature" {
			t.Errorf("Delivery.SignatureHeader = %q", cfg.Delivery.SignatureHeader)
		}
		if !reflect.DeepEqual(cfg.Flush.BackoffSchedule, DefaultBackoffSchedule()) {
			t.Errorf("Flush.BackoffSchedule = %v", cfg.Flush.BackoffSchedule)
		}
		if cfg.Flush.JitterPercent != 0.25 {
			t.Errorf("Flush.JitterPercent = %v, want 0.25", cfg.Flush.JitterPercent)
		}
		if cfg.NSQ.DiagnosticsTopic != "flare_diagnostics" {
			t.Errorf("NSQ.DiagnosticsTopic = %q", cfg.NSQ.DiagnosticsTopic)
		}
		if cfg.NSQ.PublishDiagnostics {
			t.Error("NSQ.PublishDiagnostics should default to false")
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("default config should validate: %v", err)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		clearFlareEnv(t)
		t.Setenv("FLARE_PERSISTENCE_DIR", "/var/lib/flare")
		t.Setenv("FLARE_MAX_PERSISTED_EVENTS", "10")
		t.Setenv("FLARE_LAUNCH_DURATION", "0")
		t.Setenv("FLARE_LAUNCH_WAIT_TIMEOUT", "500ms")
		t.Setenv("FLARE_API_KEY", "abc123")
		t.Setenv("FLARE_BACKOFF_SCHEDULE", "2s,8s")
		t.Setenv("PUBLISH_DIAGNOSTICS", "true")

		cfg := FromEnv()
		if cfg.Store.Dir != "/var/lib/flare" {
			t.Errorf("Store.Dir = %q", cfg.Store.Dir)
		}
		if cfg.ErrorDir() != filepath.Join("/var/lib/flare", "flare-errors") {
			t.Errorf("ErrorDir() = %q", cfg.ErrorDir())
		}
		if cfg.Store.MaxPersistedEntries != 10 {
			t.Errorf("Store.MaxPersistedEntries = %d", cfg.Store.MaxPersistedEntries)
		}
		if cfg.Launch.WindowDuration != 0 {
			t.Errorf("Launch.WindowDuration = %v, want 0", cfg.Launch.WindowDuration)
		}
		if cfg.Launch.WaitTimeout != 500*time.Millisecond {
			t.Errorf("Launch.WaitTimeout = %v", cfg.Launch.WaitTimeout)
		}
		if cfg.Delivery.APIKey != "abc123" {
			t.Errorf("Delivery.APIKey = %q", cfg.Delivery.APIKey)
		}
		if !reflect.DeepEqual(cfg.Flush.BackoffSchedule, []time.Duration{2 * time.Second, 8 * time.Second}) {
			t.Errorf("Flush.BackoffSchedule = %v", cfg.Flush.BackoffSchedule)
		}
		if !cfg.NSQ.PublishDiagnostics {
			t.Error("NSQ.PublishDiagnostics = false, want true")
		}
	})
}

func TestValidate(t *testing.T) {
	clearFlareEnv(t)
	base := FromEnv()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "empty dir", mutate: func(c *Config) { c.Store.Dir = "" }, wantErr: "persistence dir"},
		{name: "zero capacity", mutate: func(c *Config) { c.Store.MaxPersistedEntries = 0 }, wantErr: "max persisted"},
		{name: "negative launch window", mutate: func(c *Config) { c.Launch.WindowDuration = -time.Second }, wantErr: "launch duration"},
		{name: "zero poll interval", mutate: func(c *Config) { c.Launch.PollInterval = 0 }, wantErr: "poll interval"},
		{name: "jitter out of range", mutate: func(c *Config) { c.Flush.JitterPercent = 1.5 }, wantErr: "jitter"},
		{name: "no workers", mutate: func(c *Config) { c.Tasks.DefaultWorkers = 0 }, wantErr: "task lanes"},
		{
			name: "several problems joined",
			mutate: func(c *Config) {
				c.Store.Dir = ""
				c.Delivery.Timeout = 0
			},
			wantErr: "delivery timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
