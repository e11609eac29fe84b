package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadDefaults(t *testing.T) {
	// t.Setenv restores the original value; Unsetenv makes the key absent.
	for _, k := range []string{
		"PORT", "DB_PATH", "LOG_LEVEL", "SESSION_TTL", "GENERATION_TIMEOUT",
		"GENERATION_MAX_ATTEMPTS", "STALE_WRITE_RETRIES", "INTENT_CONFIDENCE_THRESHOLD",
		"INTENT_CLASSIFIER", "PROVIDER_ORDER",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.GenerationTimeout != 60*time.Second || cfg.Engine.GenerationMaxAttempts != 3 {
		t.Errorf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Engine.ConfidenceThreshold != 0.5 || cfg.Engine.StaleWriteRetries != 3 {
		t.Errorf("engine defaults = %+v", cfg.Engine)
	}
	if diff := cmp.Diff([]string{ProviderGemini, ProviderTextService}, cfg.Providers.Order); diff != "" {
		t.Errorf("provider order mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GENERATION_TIMEOUT", "15s")
	t.Setenv("STALE_WRITE_RETRIES", "5")
	t.Setenv("INTENT_CONFIDENCE_THRESHOLD", "0.7")
	t.Setenv("INTENT_CLASSIFIER", "Model")
	t.Setenv("PROVIDER_ORDER", " textservice , ")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TRANSCRIPT_ENABLED", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.GenerationTimeout != 15*time.Second {
		t.Errorf("GenerationTimeout = %v", cfg.Engine.GenerationTimeout)
	}
	if cfg.Engine.StaleWriteRetries != 5 || cfg.Engine.ConfidenceThreshold != 0.7 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Engine.Classifier != ClassifierModel {
		t.Errorf("Classifier = %q", cfg.Engine.Classifier)
	}
	if diff := cmp.Diff([]string{ProviderTextService}, cfg.Providers.Order); diff != "" {
		t.Errorf("provider order mismatch (-want +got):\n%s", diff)
	}
	if !cfg.Transcript.Enabled {
		t.Error("Transcript.Enabled = false, want true")
	}
	if cfg.LogLevel.String() != "DEBUG" {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"INTENT_CLASSIFIER", "magic", "INTENT_CLASSIFIER"},
		{"PROVIDER_ORDER", "gemini,openai", "unknown provider"},
		{"INTENT_CONFIDENCE_THRESHOLD", "1.5", "INTENT_CONFIDENCE_THRESHOLD"},
		{"GENERATION_MAX_ATTEMPTS", "0", "GENERATION_MAX_ATTEMPTS"},
		{"LOG_LEVEL", "loud", "LOG_LEVEL"},
		{"PORT", "", "PORT"},
		{"TRANSCRIPT_QUEUE_SIZE", "-1", "TRANSCRIPT_QUEUE_SIZE"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestIsDevelopment(t *testing.T) {
	t.Parallel()
	tests := []struct {
		url  string
		want bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:3000", true},
		{"https://deckster.example.com", false},
	}
	for _, tt := range tests {
		if got := (&Config{FrontendURL: tt.url}).IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}
