// Package config loads service configuration from an optional YAML file and
// EC_* environment variables, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration shared by all binaries.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
	PostgresDSN string `yaml:"postgres_dsn"`

	// TrustedProxies lists addresses or CIDRs allowed to set X-Forwarded-For.
	// Empty means the socket peer is always the client.
	TrustedProxies []string `yaml:"trusted_proxies"`

	Auth      AuthConfig      `yaml:"auth"`
	Seal      SealConfig      `yaml:"seal"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Quota     QuotaConfig     `yaml:"quota"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Notify    NotifyConfig    `yaml:"notify"`
	SMS       SMSConfig       `yaml:"sms"`
}

type AuthConfig struct {
	Secret       string        `yaml:"secret"`
	Issuer       string        `yaml:"issuer"`
	ChallengeTTL time.Duration `yaml:"challenge_ttl"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
	SecureCookie bool          `yaml:"secure_cookie"`
}

// SealConfig holds the field-encryption key as 64 hex characters.
type SealConfig struct {
	KeyHex string `yaml:"key_hex"`
}

type RateLimitConfig struct {
	AttemptsPerWindow int           `yaml:"attempts_per_window"`
	Window            time.Duration `yaml:"window"`
	Lock              time.Duration `yaml:"lock"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

type QuotaConfig struct {
	PerMinute int    `yaml:"per_minute"`
	PerDay    int    `yaml:"per_day"`
	TimeZone  string `yaml:"time_zone"`
}

// AnalyzerConfig selects external analyzer tiers. Providers are tried in
// order; the rule-based analyzer is always appended last.
type AnalyzerConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
	Timeout   time.Duration    `yaml:"timeout"`
}

type ProviderConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

type NotifyConfig struct {
	PollInterval time.Duration   `yaml:"poll_interval"`
	BatchSize    int             `yaml:"batch_size"`
	MaxAttempts  int             `yaml:"max_attempts"`
	RetryDelays  []time.Duration `yaml:"retry_delays"`
	SendTimeout  time.Duration   `yaml:"send_timeout"`
}

type SMSConfig struct {
	Provider    string  `yaml:"provider"`
	WebhookURL  string  `yaml:"webhook_url"`
	WebhookAuth string  `yaml:"webhook_auth"`
	FailureRate float64 `yaml:"failure_rate"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9091",
		Auth: AuthConfig{
			Issuer:       "emconnect",
			ChallengeTTL: 5 * time.Minute,
			SessionTTL:   24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			AttemptsPerWindow: 5,
			Window:            5 * time.Minute,
			Lock:              10 * time.Minute,
			SweepInterval:     5 * time.Minute,
		},
		Quota: QuotaConfig{
			PerMinute: 8,
			PerDay:    200,
			TimeZone:  "America/Los_Angeles",
		},
		Analyzer: AnalyzerConfig{
			Timeout: 15 * time.Second,
		},
		Notify: NotifyConfig{
			PollInterval: 10 * time.Second,
			BatchSize:    10,
			MaxAttempts:  3,
			RetryDelays:  []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute},
			SendTimeout:  10 * time.Second,
		},
		SMS: SMSConfig{
			Provider: "log",
		},
	}
}

// Load returns defaults overlaid with the YAML file at path (if non-empty and
// present) and then with environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate checks invariants the rest of the service relies on.
func (c *Config) Validate() error {
	if c.RateLimit.AttemptsPerWindow <= 0 || c.RateLimit.Window <= 0 || c.RateLimit.Lock <= 0 {
		return errors.New("config: rate_limit values must be positive")
	}
	if c.Quota.PerMinute <= 0 || c.Quota.PerDay <= 0 {
		return errors.New("config: quota ceilings must be positive")
	}
	if _, err := time.LoadLocation(c.Quota.TimeZone); err != nil {
		return fmt.Errorf("config: quota time_zone: %w", err)
	}
	if c.Notify.MaxAttempts <= 0 || len(c.Notify.RetryDelays) == 0 {
		return errors.New("config: notify max_attempts and retry_delays are required")
	}
	if c.Seal.KeyHex != "" && len(c.Seal.KeyHex) != 64 {
		return errors.New("config: seal key must be 64 hex characters")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// TrustedProxyPrefixes parses TrustedProxies. Bare addresses become
// single-host prefixes.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("config: trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("config: trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var firstErr error
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("config: %s: %w", key, err)
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("config: %s: %w", key, err)
				return
			}
			*dst = d
		}
	}

	str("EC_HTTP_ADDR", &c.HTTPAddr)
	str("EC_GRPC_ADDR", &c.GRPCAddr)
	str("EC_PG_DSN", &c.PostgresDSN)
	if v, ok := lookup("EC_TRUSTED_PROXIES"); ok && strings.TrimSpace(v) != "" {
		c.TrustedProxies = strings.Split(v, ",")
	}
	str("EC_AUTH_SECRET", &c.Auth.Secret)
	str("EC_SEAL_KEY", &c.Seal.KeyHex)
	integer("EC_RATE_ATTEMPTS", &c.RateLimit.AttemptsPerWindow)
	duration("EC_RATE_WINDOW", &c.RateLimit.Window)
	duration("EC_RATE_LOCK", &c.RateLimit.Lock)
	integer("EC_QUOTA_PER_MINUTE", &c.Quota.PerMinute)
	integer("EC_QUOTA_PER_DAY", &c.Quota.PerDay)
	str("EC_QUOTA_TZ", &c.Quota.TimeZone)
	duration("EC_ANALYZER_TIMEOUT", &c.Analyzer.Timeout)
	duration("EC_NOTIFY_POLL", &c.Notify.PollInterval)
	str("EC_SMS_PROVIDER", &c.SMS.Provider)
	str("EC_SMS_WEBHOOK_URL", &c.SMS.WebhookURL)

	// A single provider may be configured entirely from the environment.
	if key, ok := lookup("EC_ANALYZER_API_KEY"); ok && key != "" {
		p := ProviderConfig{Name: "openai", APIKey: key, Model: "gpt-4o-mini"}
		str("EC_ANALYZER_NAME", &p.Name)
		str("EC_ANALYZER_BASE_URL", &p.BaseURL)
		str("EC_ANALYZER_MODEL", &p.Model)
		c.Analyzer.Providers = []ProviderConfig{p}
	}
	return firstErr
}
