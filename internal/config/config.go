package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Ban backends.
const (
	BanBackendBolt  = "bolt"
	BanBackendRedis = "redis"
)

// Config holds all runtime configuration.
type Config struct {
	// HTTP surface
	ListenAddr string `koanf:"listen_addr"`
	AdminToken string `koanf:"admin_token"`

	// Operational
	LogLevel      string `koanf:"log_level"`
	LogFormat     string `koanf:"log_format"`
	DataDir       string `koanf:"data_dir"`
	EventLogDir   string `koanf:"event_log_dir"` // "" = line logs disabled
	TLSSkipVerify bool   `koanf:"tls_skip_verify"`

	// Rate limiter and flood guard
	RateLimit            int           `koanf:"rate_limit"`
	RateWindow           time.Duration `koanf:"rate_window"`
	RateStrikePenalty    time.Duration `koanf:"rate_strike_penalty"`
	RateMaxPenalty       time.Duration `koanf:"rate_max_penalty"`
	FloodLimit           int           `koanf:"flood_limit"`
	FloodWindow          time.Duration `koanf:"flood_window"`
	FloodPenalty         time.Duration `koanf:"flood_penalty"`
	CounterSweepInterval time.Duration `koanf:"counter_sweep_interval"`
	CounterGrace         time.Duration `koanf:"counter_grace"`

	// Ban registry
	BanBackend       string        `koanf:"ban_backend"`
	RedisAddr        string        `koanf:"redis_addr"`
	RedisPassword    string        `koanf:"redis_password"`
	RedisDB          int           `koanf:"redis_db"`
	BanLookupTimeout time.Duration `koanf:"ban_lookup_timeout"`

	// Reputation
	ReputationLists           string        `koanf:"reputation_lists"`
	ReputationRefreshInterval time.Duration `koanf:"reputation_refresh_interval"`
	LAPIURL                   string        `koanf:"crowdsec_lapi_url"` // "" = feed disabled
	LAPIKey                   string        `koanf:"crowdsec_lapi_key"`
	PollInterval              time.Duration `koanf:"crowdsec_poll_interval"`

	// Content
	ContentDenylist        string `koanf:"content_denylist"`
	ContentRepeatThreshold int    `koanf:"content_repeat_threshold"`
	ContentMinTokenLength  int    `koanf:"content_min_token_length"`
	ContentMaxLength       int    `koanf:"content_max_length"`

	// Challenge
	HCaptchaSecret     string        `koanf:"hcaptcha_secret"`
	ReCaptchaSecret    string        `koanf:"recaptcha_secret"`
	ChallengeVerifyURL string        `koanf:"challenge_verify_url"`
	ChallengeTimeout   time.Duration `koanf:"challenge_timeout"`
	ChallengeOnReplies bool          `koanf:"challenge_on_replies"`

	// Security events
	EventBuffer    int           `koanf:"event_buffer"`
	EventWorkers   int           `koanf:"event_workers"`
	EventRetention time.Duration `koanf:"event_retention"`
	AuditAdmitted  bool          `koanf:"audit_admitted"`
}

// defaults is the lowest-priority layer.
var defaults = map[string]any{
	"listen_addr":                 ":8080",
	"admin_token":                 "",
	"log_level":                   "info",
	"log_format":                  "json",
	"data_dir":                    "/data",
	"event_log_dir":               "",
	"tls_skip_verify":             false,
	"rate_limit":                  30,
	"rate_window":                 60 * time.Second,
	"rate_strike_penalty":         5 * time.Minute,
	"rate_max_penalty":            60 * time.Minute,
	"flood_limit":                 10,
	"flood_window":                5 * time.Second,
	"flood_penalty":               15 * time.Minute,
	"counter_sweep_interval":      time.Minute,
	"counter_grace":               5 * time.Minute,
	"ban_backend":                 BanBackendBolt,
	"redis_addr":                  "",
	"redis_password":              "",
	"redis_db":                    0,
	"ban_lookup_timeout":          2 * time.Second,
	"reputation_lists":            "",
	"reputation_refresh_interval": time.Hour,
	"crowdsec_lapi_url":           "",
	"crowdsec_lapi_key":           "",
	"crowdsec_poll_interval":      30 * time.Second,
	"content_denylist":            "spam,scam,phishing,malware,virus",
	"content_repeat_threshold":    10,
	"content_min_token_length":    4,
	"content_max_length":          10000,
	"hcaptcha_secret":             "",
	"recaptcha_secret":            "",
	"challenge_verify_url":        "",
	"challenge_timeout":           10 * time.Second,
	"challenge_on_replies":        true,
	"event_buffer":                1024,
	"event_workers":               2,
	"event_retention":             720 * time.Hour,
	"audit_admitted":              false,
}

// Load reads configuration from (lowest → highest priority):
//  1. Built-in defaults
//  2. YAML file at CONFIG_FILE env var path (if set)
//  3. Environment variables, including a .env file in the working
//     directory (real environment variables win over .env entries)
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	// Layer 1: defaults.
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	// Layer 2: optional YAML file.
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", cfgFile, err)
		}
	}

	// Layer 3: environment variables.
	// Transform: "RATE_LIMIT" → "rate_limit". Unknown keys are harmless.
	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	// Normalise string fields.
	cfg.LogLevel = strings.TrimSpace(strings.ToLower(cfg.LogLevel))
	cfg.LogFormat = strings.TrimSpace(strings.ToLower(cfg.LogFormat))
	cfg.BanBackend = strings.TrimSpace(strings.ToLower(cfg.BanBackend))
	cfg.LAPIURL = strings.TrimSpace(cfg.LAPIURL)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Denylist returns the configured denylist terms, trimmed and without blanks.
func (c *Config) Denylist() []string {
	return SplitList(c.ContentDenylist)
}

// ChallengeEnabled reports whether any challenge secret is configured.
func (c *Config) ChallengeEnabled() bool {
	return c.HCaptchaSecret != "" || c.ReCaptchaSecret != ""
}

// SplitList splits a comma-separated value, trimming whitespace and dropping
// empty items.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	var errs []string

	if c.ListenAddr == "" {
		errs = append(errs, "LISTEN_ADDR is required (e.g., :8080)")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, "LOG_FORMAT must be json or text")
	}

	if c.RateLimit < 1 {
		errs = append(errs, "RATE_LIMIT must be at least 1")
	}
	if c.RateWindow < time.Second {
		errs = append(errs, "RATE_WINDOW must be at least 1s")
	}
	if c.RateStrikePenalty <= 0 {
		errs = append(errs, "RATE_STRIKE_PENALTY must be positive")
	}
	if c.RateMaxPenalty < c.RateStrikePenalty {
		errs = append(errs, "RATE_MAX_PENALTY must not be smaller than RATE_STRIKE_PENALTY")
	}
	if c.FloodLimit < 1 {
		errs = append(errs, "FLOOD_LIMIT must be at least 1")
	}
	if c.FloodWindow < time.Second {
		errs = append(errs, "FLOOD_WINDOW must be at least 1s")
	}
	if c.FloodPenalty <= 0 {
		errs = append(errs, "FLOOD_PENALTY must be positive")
	}
	if c.CounterSweepInterval < time.Second {
		errs = append(errs, "COUNTER_SWEEP_INTERVAL must be at least 1s")
	}
	if c.CounterGrace < c.RateWindow {
		errs = append(errs, "COUNTER_GRACE must be at least RATE_WINDOW so strikes survive the sweep")
	}

	switch c.BanBackend {
	case BanBackendBolt:
	case BanBackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, "REDIS_ADDR is required when BAN_BACKEND=redis (e.g., redis:6379)")
		}
	default:
		errs = append(errs, "BAN_BACKEND must be bolt or redis")
	}
	if c.BanLookupTimeout <= 0 {
		errs = append(errs, "BAN_LOOKUP_TIMEOUT must be positive")
	}

	if c.ReputationRefreshInterval < time.Minute {
		errs = append(errs, "REPUTATION_REFRESH_INTERVAL must be at least 1m")
	}
	for _, item := range SplitList(c.ReputationLists) {
		if name, path, ok := strings.Cut(item, "="); !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(path) == "" {
			errs = append(errs, fmt.Sprintf("REPUTATION_LISTS entry %q must have the form name=path", item))
		}
	}
	if c.LAPIURL != "" {
		if c.LAPIKey == "" {
			errs = append(errs, "CROWDSEC_LAPI_KEY is required when CROWDSEC_LAPI_URL is set")
		}
		if c.PollInterval < 10*time.Second {
			errs = append(errs, "CROWDSEC_POLL_INTERVAL must be at least 10s")
		}
	}

	if c.ContentRepeatThreshold < 1 {
		errs = append(errs, "CONTENT_REPEAT_THRESHOLD must be at least 1")
	}
	if c.ContentMinTokenLength < 1 {
		errs = append(errs, "CONTENT_MIN_TOKEN_LENGTH must be at least 1")
	}
	if c.ContentMaxLength < 1 {
		errs = append(errs, "CONTENT_MAX_LENGTH must be at least 1")
	}
	if c.ChallengeTimeout <= 0 {
		errs = append(errs, "CHALLENGE_TIMEOUT must be positive")
	}

	if c.EventBuffer < 1 {
		errs = append(errs, "EVENT_BUFFER must be at least 1")
	}
	if c.EventWorkers < 1 || c.EventWorkers > 64 {
		errs = append(errs, "EVENT_WORKERS must be between 1 and 64")
	}
	if c.EventRetention < time.Hour {
		errs = append(errs, "EVENT_RETENTION must be at least 1h")
	}

	// Path sanitisation: reject traversal sequences and null bytes.
	for _, p := range []struct{ name, val string }{
		{"DATA_DIR", c.DataDir},
		{"EVENT_LOG_DIR", c.EventLogDir},
	} {
		if strings.Contains(p.val, "..") {
			errs = append(errs, fmt.Sprintf(`%s must not contain ".." (directory traversal)`, p.name))
		}
		if strings.ContainsRune(p.val, 0) {
			errs = append(errs, fmt.Sprintf("%s must not contain null bytes", p.name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d configuration error(s):\n  - %s", len(errs), strings.Join(errs, "\n  - "))
	}
	return nil
}
