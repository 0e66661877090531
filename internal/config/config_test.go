package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/unfollow")
	t.Setenv("SECRET_KEY", "test-secret")
	t.Setenv("REMOTE_BASE_URL", "http://remote.local")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Expected port 8080, got %s", cfg.Port)
	}
	if cfg.FreeCredits != 10 || cfg.StarterCredits != 200 {
		t.Fatalf("Unexpected credit defaults: free=%d starter=%d", cfg.FreeCredits, cfg.StarterCredits)
	}
	if cfg.FollowerThreshold != 12000 {
		t.Fatalf("Expected threshold 12000, got %d", cfg.FollowerThreshold)
	}
	if cfg.MaxCandidates != 1200 {
		t.Fatalf("Expected max candidates 1200, got %d", cfg.MaxCandidates)
	}
	if cfg.RemoteTimeout != 15*time.Second {
		t.Fatalf("Expected remote timeout 15s, got %s", cfg.RemoteTimeout)
	}
}

func TestLoadRequiresDBSourceForPostgres(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	t.Setenv("SECRET_KEY", "test-secret")
	t.Setenv("REMOTE_MODE", RemoteModeFake)

	if _, err := Load(); err == nil {
		t.Fatalf("Expected error without DB_SOURCE")
	}

	t.Setenv("STORE_BACKEND", StoreBackendMemory)
	if _, err := Load(); err != nil {
		t.Fatalf("Memory backend should not need DB_SOURCE: %v", err)
	}
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	t.Setenv("STORE_BACKEND", StoreBackendMemory)
	t.Setenv("SECRET_KEY", "test-secret")
	t.Setenv("REMOTE_MODE", RemoteModeFake)
	t.Setenv("FREE_CREDITS", "ten")

	if _, err := Load(); err == nil {
		t.Fatalf("Expected parse error for FREE_CREDITS")
	}
}
