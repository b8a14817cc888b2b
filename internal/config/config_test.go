package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("SUMMARY_CACHE_TTL_SECONDS", "bogus")
	t.Setenv("EXPIRY_ALERT_DAYS", "-4")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("port = %q, want 8080", cfg.Port)
	}
	if cfg.SummaryCacheTTLSecs != 300 {
		t.Fatalf("cache ttl = %d, want fallback 300", cfg.SummaryCacheTTLSecs)
	}
	if cfg.ExpiryAlertDays != 30 {
		t.Fatalf("expiry days = %d, want fallback 30", cfg.ExpiryAlertDays)
	}
}
