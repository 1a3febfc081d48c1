package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RateLimit.AttemptsPerWindow != 5 || cfg.RateLimit.Window != 5*time.Minute || cfg.RateLimit.Lock != 10*time.Minute {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Notify.MaxAttempts != 3 || len(cfg.Notify.RetryDelays) != 3 {
		t.Fatalf("unexpected notify defaults: %+v", cfg.Notify)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ec.yaml")
	yamlDoc := `
http_addr: ":9000"
quota:
  per_minute: 4
  per_day: 50
  time_zone: Asia/Seoul
analyzer:
  timeout: 3s
  providers:
    - name: gemini
      base_url: https://example.invalid/v1beta/openai/
      api_key: file-key
      model: gemini-2.0-flash
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EC_HTTP_ADDR", ":9100")
	t.Setenv("EC_QUOTA_PER_DAY", "20")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9100" {
		t.Fatalf("env should win, got %q", cfg.HTTPAddr)
	}
	if cfg.Quota.PerMinute != 4 || cfg.Quota.PerDay != 20 || cfg.Quota.TimeZone != "Asia/Seoul" {
		t.Fatalf("unexpected quota: %+v", cfg.Quota)
	}
	if cfg.Analyzer.Timeout != 3*time.Second || len(cfg.Analyzer.Providers) != 1 || cfg.Analyzer.Providers[0].Name != "gemini" {
		t.Fatalf("unexpected analyzer: %+v", cfg.Analyzer)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("EC_RATE_WINDOW", "soon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected duration parse error")
	}
}

func TestValidateSealKeyLength(t *testing.T) {
	cfg := Default()
	cfg.Seal.KeyHex = "abcd"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected seal key error")
	}
}

func TestTrustedProxiesFromEnv(t *testing.T) {
	t.Setenv("EC_TRUSTED_PROXIES", "10.0.0.0/8, 127.0.0.1")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	prefixes, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		t.Fatalf("TrustedProxyPrefixes: %v", err)
	}
	if len(prefixes) != 2 || prefixes[0].String() != "10.0.0.0/8" || prefixes[1].String() != "127.0.0.1/32" {
		t.Fatalf("prefixes = %v", prefixes)
	}
}

func TestValidateRejectsBadTrustedProxy(t *testing.T) {
	cfg := Default()
	cfg.TrustedProxies = []string{"not-an-ip"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected trusted proxy error")
	}
}

func TestValidateRejectsUnknownTimeZone(t *testing.T) {
	cfg := Default()
	cfg.Quota.TimeZone = "America/Las_Angeles"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected time zone error")
	}
}
