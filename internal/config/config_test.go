package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address: %s", cfg.HTTPAddress)
	}
	if cfg.DatabaseDriver != DatabaseDriverSQLite {
		t.Fatalf("unexpected database driver: %s", cfg.DatabaseDriver)
	}
	if cfg.LockTTL != 0 {
		t.Fatalf("expected lock expiry to be off by default, got %s", cfg.LockTTL)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("unexpected allowed origins: %v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]interface{}
	}{
		{name: "missing secret", overrides: map[string]interface{}{}},
		{name: "unknown driver", overrides: map[string]interface{}{"auth.signing_secret": "s", "database.driver": "oracle"}},
		{name: "postgres without dsn", overrides: map[string]interface{}{"auth.signing_secret": "s", "database.driver": "postgres"}},
		{name: "pong wait too short", overrides: map[string]interface{}{"auth.signing_secret": "s", "relay.pong_wait": time.Second}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range test.overrides {
				configViper.Set(key, value)
			}
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadAgentUsesSyncDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("agent.page_id", "page-1")

	cfg, err := LoadAgent(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.Timings != DefaultSyncTimings() {
		t.Fatalf("unexpected timings: %+v", cfg.Timings)
	}
	if cfg.Language != "javascript" {
		t.Fatalf("unexpected language: %s", cfg.Language)
	}
}

func TestLoadAgentRequiresPage(t *testing.T) {
	if _, err := LoadAgent(NewViper()); err == nil {
		t.Fatalf("expected missing page error")
	}
}
