package env

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("TZ", "UTC")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.EscalationTimeout != 90*time.Second {
		t.Fatalf("expected default timeout, got %v", cfg.EscalationTimeout)
	}
	if cfg.EscalationEnabled() {
		t.Fatalf("expected escalation disabled without a human contact")
	}
}

func TestLoad_DurationForms(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("TZ", "UTC")
	t.Setenv("ESCALATION_TIMEOUT", "45")
	t.Setenv("ESCALATION_SWEEP_INTERVAL", "2s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.EscalationTimeout != 45*time.Second {
		t.Fatalf("expected 45s, got %v", cfg.EscalationTimeout)
	}
	if cfg.EscalationSweepInterval != 2*time.Second {
		t.Fatalf("expected 2s, got %v", cfg.EscalationSweepInterval)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := &Config{
		AppEnv:                  "production",
		StoreDriver:             "memory",
		RecordingDriver:         "s3",
		EscalationTimeout:       time.Minute,
		EscalationSweepInterval: time.Second,
		ProviderRPS:             0,
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected errors")
	}
	msg := err.Error()
	for _, want := range []string{"memory is not allowed", "S3_BUCKET", "PROVIDER_RPS"} {
		if !contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
