package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("user.id", "user-1")
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.PollInterval != 60*time.Second {
		t.Fatalf("expected 60s poll interval, got %s", cfg.PollInterval)
	}
	if cfg.BatchCooldown != 2*time.Second {
		t.Fatalf("expected 2s batch cooldown, got %s", cfg.BatchCooldown)
	}
	if cfg.SubmitTimeout != 0 {
		t.Fatalf("expected no submit timeout by default, got %s", cfg.SubmitTimeout)
	}
	if cfg.StateBackend != StateBackendSQLite {
		t.Fatalf("expected sqlite state backend, got %q", cfg.StateBackend)
	}
	if cfg.SystemAuthorID != "system" {
		t.Fatalf("unexpected system author %q", cfg.SystemAuthorID)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
	}{
		{
			name:   "missing-user",
			values: map[string]any{"auth.signing_secret": "secret"},
		},
		{
			name:   "missing-secret",
			values: map[string]any{"user.id": "user-1"},
		},
		{
			name: "redis-without-address",
			values: map[string]any{
				"user.id":             "user-1",
				"auth.signing_secret": "secret",
				"state.backend":       "redis",
			},
		},
		{
			name: "unknown-backend",
			values: map[string]any{
				"user.id":             "user-1",
				"auth.signing_secret": "secret",
				"state.backend":       "etcd",
			},
		},
		{
			name: "zero-poll-interval",
			values: map[string]any{
				"user.id":              "user-1",
				"auth.signing_secret":  "secret",
				"engine.poll_interval": "0s",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range tt.values {
				configViper.Set(key, value)
			}
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadSplitsKafkaBrokers(t *testing.T) {
	configViper := NewViper()
	configViper.Set("user.id", "user-1")
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("kafka.brokers", []string{"broker-a:9092, broker-b:9092", ""})

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "broker-b:9092" {
		t.Fatalf("unexpected brokers: %#v", cfg.KafkaBrokers)
	}
}
