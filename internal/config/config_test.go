package config

import "testing"

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MASTER_JWT_SECRET", "01234567890123456789012345678901")
	t.Setenv("PROVIDER_API_KEY", "test-provider-key")
	t.Setenv("ADMIN_SESSION_SECRET", "test-admin-secret")
}

func TestLoadSucceedsWithRequiredEnvAndDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %q", cfg.Env)
	}
	if cfg.RateLimitRPM != 60 || cfg.RateLimitRPH != 1000 {
		t.Fatalf("expected default rate limits, got rpm=%d rph=%d", cfg.RateLimitRPM, cfg.RateLimitRPH)
	}
	if cfg.ProviderTimeout.Seconds() != 180 {
		t.Fatalf("expected default provider timeout of 180s, got %v", cfg.ProviderTimeout)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
}

func TestLoadRejectsShortMasterSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MASTER_JWT_SECRET", "too-short")

	if _, err := Load(); err == nil {
		t.Fatalf("expected a short master secret to be rejected")
	}
}

func TestLoadRejectsMissingProviderKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PROVIDER_API_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatalf("expected a missing provider key to be rejected")
	}
}

func TestLoadRejectsMissingAdminSessionSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ADMIN_SESSION_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatalf("expected a missing admin session secret to be rejected")
	}
}

func TestLoadHonorsOverriddenEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ENV", "production")
	t.Setenv("RATE_LIMIT_RPM", "30")
	t.Setenv("PROVIDER_TIMEOUT_SECONDS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.IsProduction() {
		t.Fatalf("expected env=production to report IsProduction()")
	}
	if cfg.RateLimitRPM != 30 {
		t.Fatalf("expected overridden rpm 30, got %d", cfg.RateLimitRPM)
	}
	if cfg.ProviderTimeout.Seconds() != 5 {
		t.Fatalf("expected overridden provider timeout of 5s, got %v", cfg.ProviderTimeout)
	}
}

func TestIsProductionRecognizesShortForm(t *testing.T) {
	cfg := Config{Env: "prod"}
	if !cfg.IsProduction() {
		t.Fatalf("expected env=prod to report IsProduction()")
	}
	cfg.Env = "staging"
	if cfg.IsProduction() {
		t.Fatalf("expected env=staging to not report IsProduction()")
	}
}
