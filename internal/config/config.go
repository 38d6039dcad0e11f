package config

import (
	"flag"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ListenAddress         string       `yaml:"listen_address"`
	AdminAddress          string       `yaml:"admin_address"`
	LogLevel              string       `yaml:"log_level"`
	TrustForwardedHeaders bool         `yaml:"trust_forwarded_headers"`
	ConnectionLimit       int64        `yaml:"connection_limit"`
	PerIPConnectionLimit  int64        `yaml:"per_ip_connection_limit"`
	IdleTimeoutSeconds    int64        `yaml:"idle_timeout_secs"`
	RateLimiter           RateLimiterC `yaml:"rate_limiter"`
	Upstream              UpstreamC    `yaml:"upstream"`
	Challenge             ChallengeC   `yaml:"challenge"`
	Suspicion             SuspicionC   `yaml:"suspicion"`
	Blocklist             BlocklistC   `yaml:"blocklist"`
	Session               SessionC     `yaml:"session"`
	Alert                 AlertC       `yaml:"alert"`
	JanitorInterval       string       `yaml:"janitor_interval"`
}

type RateLimiterC struct {
	TokenBucketLimiter TokenBucketLimiterC `yaml:"token_bucket_limiter"`
}

type TokenBucketLimiterC struct {
	Rate     int64 `yaml:"rate"`
	Capacity int64 `yaml:"capacity"`
}

type UpstreamC struct {
	ContentURL    string `yaml:"content_url"`
	HealthURL     string `yaml:"health_url"`
	HealthTimeout string `yaml:"health_timeout"`
}

type ChallengeC struct {
	Mode      string `yaml:"mode"`
	Question  string `yaml:"question"`
	Answer    string `yaml:"answer"`
	MinWait   string `yaml:"min_wait"`
	RetryWait string `yaml:"retry_wait"`
	TTL       string `yaml:"ttl"`
}

type SuspicionC struct {
	EntryPath   string `yaml:"entry_path"`
	BurstLimit  int    `yaml:"burst_limit"`
	BurstWindow string `yaml:"burst_window"`
	RootLimit   int    `yaml:"root_limit"`
	RootWindow  string `yaml:"root_window"`
}

type BlocklistC struct {
	Path          string   `yaml:"path"`
	ReloadCommand []string `yaml:"reload_command"`
	ReloadTimeout string   `yaml:"reload_timeout"`
}

type SessionC struct {
	TTL          string `yaml:"ttl"`
	Mode         string `yaml:"mode"`
	CookieName   string `yaml:"cookie_name"`
	CookieSecure *bool  `yaml:"cookie_secure"`
}

type AlertC struct {
	Duration            string `yaml:"duration"`
	FlagFile            string `yaml:"flag_file"`
	EscalationThreshold int    `yaml:"escalation_threshold"`
	EscalationWindow    string `yaml:"escalation_window"`
	SurgeLimit          int    `yaml:"surge_limit"`
	SurgeWindow         string `yaml:"surge_window"`
}

const (
	ChallengeModeFixed      = "fixed"
	ChallengeModeArithmetic = "arithmetic"

	SessionModeSliding   = "sliding"
	SessionModeSingleUse = "single_use"
)

//--------per component configs----------

type ServerConfig struct {
	ListenAddress         string
	AdminAddress          string
	LogLevel              logrus.Level
	TrustForwardedHeaders bool
	JanitorInterval       time.Duration
}

type ProxyConfig struct {
	ContentURL         *url.URL
	IdleTimeoutSeconds int64
}

type ConnectionConfig struct {
	ConnectionLimit      int64
	PerIPConnectionLimit int64
}

type RateLimiterConfig struct {
	RateLimiter RateLimiterC
}

type HealthConfig struct {
	URL     string
	Timeout time.Duration
}

type ChallengeConfig struct {
	Mode      string
	Question  string
	Answer    string
	MinWait   time.Duration
	RetryWait time.Duration
	TTL       time.Duration
}

type SuspicionConfig struct {
	EntryPath   string
	MinWait     time.Duration
	BurstLimit  int
	BurstWindow time.Duration
	RootLimit   int
	RootWindow  time.Duration

	EscalationThreshold int
	EscalationWindow    time.Duration
	SurgeLimit          int
	SurgeWindow         time.Duration
}

type BlocklistConfig struct {
	Path          string
	ReloadCommand []string
	ReloadTimeout time.Duration
}

type SessionConfig struct {
	TTL          time.Duration
	Mode         string
	CookieName   string
	CookieSecure bool
}

type AlertConfig struct {
	Duration time.Duration
	FlagFile string
}

type Components struct {
	Server      ServerConfig
	Proxy       ProxyConfig
	Connections ConnectionConfig
	RateLimiter RateLimiterConfig
	Health      HealthConfig
	Challenge   ChallengeConfig
	Suspicion   SuspicionConfig
	Blocklist   BlocklistConfig
	Session     SessionConfig
	Alert       AlertConfig
}

// SplitConfig hands every component its own view of the file. It must only
// be called on a config that passed ValidateConfig.
func (c *Config) SplitConfig() *Components {
	level, _ := logrus.ParseLevel(c.LogLevel)
	content, _ := url.Parse(c.Upstream.ContentURL)
	minWait := mustDuration(c.Challenge.MinWait)

	return &Components{
		Server: ServerConfig{
			ListenAddress:         c.ListenAddress,
			AdminAddress:          c.AdminAddress,
			LogLevel:              level,
			TrustForwardedHeaders: c.TrustForwardedHeaders,
			JanitorInterval:       mustDuration(c.JanitorInterval),
		},
		Proxy: ProxyConfig{
			ContentURL:         content,
			IdleTimeoutSeconds: c.IdleTimeoutSeconds,
		},
		Connections: ConnectionConfig{
			ConnectionLimit:      c.ConnectionLimit,
			PerIPConnectionLimit: c.PerIPConnectionLimit,
		},
		RateLimiter: RateLimiterConfig{
			RateLimiter: c.RateLimiter,
		},
		Health: HealthConfig{
			URL:     c.Upstream.HealthURL,
			Timeout: mustDuration(c.Upstream.HealthTimeout),
		},
		Challenge: ChallengeConfig{
			Mode:      c.Challenge.Mode,
			Question:  c.Challenge.Question,
			Answer:    c.Challenge.Answer,
			MinWait:   minWait,
			RetryWait: mustDuration(c.Challenge.RetryWait),
			TTL:       mustDuration(c.Challenge.TTL),
		},
		Suspicion: SuspicionConfig{
			EntryPath:           c.Suspicion.EntryPath,
			MinWait:             minWait,
			BurstLimit:          c.Suspicion.BurstLimit,
			BurstWindow:         mustDuration(c.Suspicion.BurstWindow),
			RootLimit:           c.Suspicion.RootLimit,
			RootWindow:          mustDuration(c.Suspicion.RootWindow),
			EscalationThreshold: c.Alert.EscalationThreshold,
			EscalationWindow:    mustDuration(c.Alert.EscalationWindow),
			SurgeLimit:          c.Alert.SurgeLimit,
			SurgeWindow:         mustDuration(c.Alert.SurgeWindow),
		},
		Blocklist: BlocklistConfig{
			Path:          c.Blocklist.Path,
			ReloadCommand: c.Blocklist.ReloadCommand,
			ReloadTimeout: mustDuration(c.Blocklist.ReloadTimeout),
		},
		Session: SessionConfig{
			TTL:          mustDuration(c.Session.TTL),
			Mode:         c.Session.Mode,
			CookieName:   c.Session.CookieName,
			CookieSecure: c.Session.CookieSecure == nil || *c.Session.CookieSecure,
		},
		Alert: AlertConfig{
			Duration: mustDuration(c.Alert.Duration),
			FlagFile: c.Alert.FlagFile,
		},
	}
}

func LoadConfig() (Config, error) {
	path, err := resolveConfig()
	if err != nil {
		return Config{}, err
	}
	return LoadConfigFile(path)
}

func LoadConfigFile(path string) (Config, error) {
	config, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}

	defer func() {
		_ = config.Close()
	}()

	config_b, err := io.ReadAll(config)
	if err != nil {
		return Config{}, err
	}

	c := Config{}

	if err := yaml.Unmarshal(config_b, &c); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&c)
	return c, nil
}

func resolveConfig() (string, error) {
	if p := flag.Lookup("config"); p != nil {
		if v := p.Value.String(); v != "" {
			return v, nil
		}
	}

	candidates := []string{
		"./config.yml",
		"/etc/captcha_gateway/config.yml",
	}

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	return "", fmt.Errorf("no config file found")
}

// ApplyDefaults fills every unset field. Limits that are explicitly set to a
// non-positive value are left for ValidateConfig to reject.
func ApplyDefaults(c *Config) {
	setString(&c.ListenAddress, ":8080")
	setString(&c.AdminAddress, "127.0.0.1:9090")
	setString(&c.LogLevel, "info")
	setString(&c.JanitorInterval, "1m")
	if c.ConnectionLimit == 0 {
		c.ConnectionLimit = 1024
	}
	if c.PerIPConnectionLimit == 0 {
		c.PerIPConnectionLimit = 64
	}

	setString(&c.Upstream.HealthTimeout, "1s")

	setString(&c.Challenge.Mode, ChallengeModeArithmetic)
	setString(&c.Challenge.MinWait, "5s")
	setString(&c.Challenge.RetryWait, "10s")
	setString(&c.Challenge.TTL, "10m")
	if c.Challenge.Mode == ChallengeModeFixed {
		setString(&c.Challenge.Question, "Enter CAPTCHA: 12345")
		setString(&c.Challenge.Answer, "12345")
	}

	setString(&c.Suspicion.EntryPath, "/")
	setString(&c.Suspicion.BurstWindow, "2s")
	setString(&c.Suspicion.RootWindow, "10s")
	if c.Suspicion.BurstLimit == 0 {
		c.Suspicion.BurstLimit = 10
	}
	if c.Suspicion.RootLimit == 0 {
		c.Suspicion.RootLimit = 5
	}

	setString(&c.Blocklist.Path, "suspicious_ips.conf")
	setString(&c.Blocklist.ReloadTimeout, "5s")

	setString(&c.Session.TTL, "5m")
	setString(&c.Session.Mode, SessionModeSliding)
	setString(&c.Session.CookieName, "session_id")

	setString(&c.Alert.Duration, "5m")
	setString(&c.Alert.EscalationWindow, "1m")
	setString(&c.Alert.SurgeWindow, "10s")
	if c.Alert.EscalationThreshold == 0 {
		c.Alert.EscalationThreshold = 3
	}
	if c.Alert.SurgeLimit == 0 {
		c.Alert.SurgeLimit = 50
	}
}

func ValidateConfig(cfg Config) error {
	if cfg.ListenAddress == "" {
		return fmt.Errorf("listen_address must be set")
	}
	if cfg.AdminAddress == "" {
		return fmt.Errorf("admin_address must be set")
	}
	if cfg.ListenAddress == cfg.AdminAddress {
		return fmt.Errorf("listen_address and admin_address must not be the same")
	}

	if _, err := net.ResolveTCPAddr("tcp", cfg.ListenAddress); err != nil {
		return fmt.Errorf("invalid listen_address: %w", err)
	}
	if _, err := net.ResolveTCPAddr("tcp", cfg.AdminAddress); err != nil {
		return fmt.Errorf("invalid admin_address: %w", err)
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}

	if cfg.ConnectionLimit <= 0 {
		return fmt.Errorf("connection_limit must be > 0")
	}
	if cfg.PerIPConnectionLimit <= 0 {
		return fmt.Errorf("per_ip_connection_limit must be > 0")
	}
	if cfg.PerIPConnectionLimit > cfg.ConnectionLimit {
		return fmt.Errorf("per_ip_connection_limit cannot exceed connection_limit")
	}
	if cfg.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("idle_timeout_secs must be >= 0")
	}
	if cfg.RateLimiter.TokenBucketLimiter.Rate < 0 || cfg.RateLimiter.TokenBucketLimiter.Capacity < 0 {
		return fmt.Errorf("rate_limiter values must be >= 0")
	}
	if cfg.RateLimiter.TokenBucketLimiter.Rate > 0 && cfg.RateLimiter.TokenBucketLimiter.Capacity == 0 {
		return fmt.Errorf("rate_limiter.token_bucket_limiter.capacity must be > 0 when rate is set")
	}

	if err := validateURL("upstream.content_url", cfg.Upstream.ContentURL); err != nil {
		return err
	}
	if err := validateURL("upstream.health_url", cfg.Upstream.HealthURL); err != nil {
		return err
	}

	switch cfg.Challenge.Mode {
	case ChallengeModeArithmetic:
	case ChallengeModeFixed:
		if strings.TrimSpace(cfg.Challenge.Answer) == "" {
			return fmt.Errorf("challenge.answer must be set in fixed mode")
		}
	default:
		return fmt.Errorf("challenge.mode must be %q or %q", ChallengeModeFixed, ChallengeModeArithmetic)
	}

	switch cfg.Session.Mode {
	case SessionModeSliding, SessionModeSingleUse:
	default:
		return fmt.Errorf("session.mode must be %q or %q", SessionModeSliding, SessionModeSingleUse)
	}
	if cfg.Session.CookieName == "" {
		return fmt.Errorf("session.cookie_name must be set")
	}

	if !strings.HasPrefix(cfg.Suspicion.EntryPath, "/") {
		return fmt.Errorf("suspicion.entry_path must start with /")
	}
	if cfg.Suspicion.BurstLimit <= 0 {
		return fmt.Errorf("suspicion.burst_limit must be > 0")
	}
	if cfg.Suspicion.RootLimit <= 0 {
		return fmt.Errorf("suspicion.root_limit must be > 0")
	}
	if cfg.Alert.EscalationThreshold <= 0 {
		return fmt.Errorf("alert.escalation_threshold must be > 0")
	}
	if cfg.Alert.SurgeLimit <= 0 {
		return fmt.Errorf("alert.surge_limit must be > 0")
	}

	if cfg.Blocklist.Path == "" {
		return fmt.Errorf("blocklist.path must be set")
	}

	durations := []struct {
		name  string
		value string
	}{
		{"janitor_interval", cfg.JanitorInterval},
		{"upstream.health_timeout", cfg.Upstream.HealthTimeout},
		{"challenge.min_wait", cfg.Challenge.MinWait},
		{"challenge.retry_wait", cfg.Challenge.RetryWait},
		{"challenge.ttl", cfg.Challenge.TTL},
		{"suspicion.burst_window", cfg.Suspicion.BurstWindow},
		{"suspicion.root_window", cfg.Suspicion.RootWindow},
		{"blocklist.reload_timeout", cfg.Blocklist.ReloadTimeout},
		{"session.ttl", cfg.Session.TTL},
		{"alert.duration", cfg.Alert.Duration},
		{"alert.escalation_window", cfg.Alert.EscalationWindow},
		{"alert.surge_window", cfg.Alert.SurgeWindow},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
	}

	if mustDuration(cfg.Upstream.HealthTimeout) > time.Second {
		return fmt.Errorf("upstream.health_timeout must be <= 1s")
	}
	if mustDuration(cfg.Challenge.TTL) <= mustDuration(cfg.Challenge.MinWait) {
		return fmt.Errorf("challenge.ttl must exceed challenge.min_wait")
	}

	return nil
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s must be set", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) url", name)
	}
	if u.Host == "" {
		return fmt.Errorf("%s is missing a host", name)
	}
	return nil
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
