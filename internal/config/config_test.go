package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabaseName != "time-tracker" {
		t.Fatalf("unexpected database name %q", cfg.DatabaseName)
	}
	if cfg.DatabaseEngine != EngineLocal {
		t.Fatalf("unexpected engine %q", cfg.DatabaseEngine)
	}
	if cfg.SyncDebounce != 500*time.Millisecond {
		t.Fatalf("unexpected debounce %s", cfg.SyncDebounce)
	}
	if cfg.SyncBatchSize != 100 {
		t.Fatalf("unexpected batch size %d", cfg.SyncBatchSize)
	}
	if !cfg.MetricsEnabled {
		t.Fatalf("expected metrics to be enabled by default")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("TIMETRACKER_DATABASE_ENGINE", "Cloud")
	t.Setenv("TIMETRACKER_REMOTE_ENDPOINT", "https://sync.example.com")
	t.Setenv("TIMETRACKER_SYNC_DEBOUNCE", "250ms")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.DatabaseEngine != EngineCloud {
		t.Fatalf("expected cloud engine, got %q", cfg.DatabaseEngine)
	}
	if cfg.RemoteEndpoint != "https://sync.example.com" {
		t.Fatalf("unexpected endpoint %q", cfg.RemoteEndpoint)
	}
	if cfg.SyncDebounce != 250*time.Millisecond {
		t.Fatalf("unexpected debounce %s", cfg.SyncDebounce)
	}
}

func TestLoadRejectsUnknownEngine(t *testing.T) {
	configViper := NewViper()
	configViper.Set("database.engine", "firestore")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected unknown engine to be rejected")
	}
}

func TestValidateServerRequiresSigningSecret(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := cfg.ValidateServer(); err == nil {
		t.Fatalf("expected missing signing secret to fail")
	}
	cfg.AuthSigningSecret = "secret"
	if err := cfg.ValidateServer(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}
