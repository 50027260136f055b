package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	yaml "go.yaml.in/yaml/v3"

	"github.com/BairdWan/BilibiliMonitoring/internal/domain"
)

// Env holds process-environment overrides applied on top of the
// config file. Useful for containerized deployments where the file is
// baked into an image but paths and verbosity differ per host.
type Env struct {
	ConfigPath string `env:"CONFIG_PATH"`
	DBPath     string `env:"DB_PATH"`
	LogLevel   string `env:"LOG_LEVEL"`
}

func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse environment: %w", err)
	}
	return e, nil
}

// Config is the immutable configuration snapshot for one process run.
// All durations are Go duration strings (e.g. "30s", "5m").
type Config struct {
	Webhook  WebhookConfig   `yaml:"webhook"`
	Bilibili BilibiliConfig  `yaml:"bilibili"`
	Accounts []AccountConfig `yaml:"accounts"`
	Schedule ScheduleConfig  `yaml:"schedule"`
	Database DatabaseConfig  `yaml:"database"`
	Logging  LoggingConfig   `yaml:"logging"`
}

type WebhookConfig struct {
	URL        string `yaml:"url"`
	Secret     string `yaml:"secret"`
	Timeout    string `yaml:"timeout"`
	RetryCount int    `yaml:"retry_count"`
}

type BilibiliConfig struct {
	// Cookie is the opaque account-session credential attached to every
	// upstream request. It is never parsed beyond being sent as-is.
	Cookie         string `yaml:"cookie"`
	UserAgent      string `yaml:"user_agent"`
	MinInterval    string `yaml:"min_interval"`
	RequestTimeout string `yaml:"request_timeout"`
	RetryCount     int    `yaml:"retry_count"`
}

type AccountConfig struct {
	UID     string   `yaml:"uid"`
	Name    string   `yaml:"name"`
	Enabled *bool    `yaml:"enabled"`
	Watch   []string `yaml:"watch"`
}

type ScheduleConfig struct {
	GlobalCheckInterval string `yaml:"global_check_interval"`
	CheckInterval       string `yaml:"check_interval"`
}

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Timezone string `yaml:"timezone"`
}

const (
	defaultMinInterval    = 3 * time.Second
	defaultRequestTimeout = 15 * time.Second
	defaultWebhookTimeout = 10 * time.Second
	defaultGlobalInterval = time.Minute
	defaultCheckInterval  = 5 * time.Minute
	defaultRetryCount     = 3
	defaultRetentionDays  = 30
	defaultDBPath         = "sent_items.db"
	defaultTimezone       = "Asia/Shanghai"
)

// Load reads, strictly decodes and validates the YAML config file,
// then applies environment overrides.
func Load(path string, e Env) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config file %q: %w", path, err)
	}

	if e.DBPath != "" {
		cfg.Database.Path = e.DBPath
	}
	if e.LogLevel != "" {
		cfg.Logging.Level = e.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate collects every config problem instead of stopping at the
// first one, so a broken file can be fixed in a single pass.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Webhook.URL) == "" {
		errs = append(errs, errors.New("webhook.url is required"))
	}
	if len(c.Accounts) == 0 {
		errs = append(errs, errors.New("accounts list is empty"))
	}
	for i, a := range c.Accounts {
		if strings.TrimSpace(a.UID) == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: uid is required", i))
		}
		if strings.TrimSpace(a.Name) == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: name is required", i))
		}
		for _, w := range a.Watch {
			if k := domain.Kind(w); k != domain.KindPost && k != domain.KindVideo {
				errs = append(errs, fmt.Errorf("accounts[%d]: unknown watch kind %q", i, w))
			}
		}
	}

	for _, f := range []struct {
		path string
		raw  string
	}{
		{"webhook.timeout", c.Webhook.Timeout},
		{"bilibili.min_interval", c.Bilibili.MinInterval},
		{"bilibili.request_timeout", c.Bilibili.RequestTimeout},
		{"schedule.global_check_interval", c.Schedule.GlobalCheckInterval},
		{"schedule.check_interval", c.Schedule.CheckInterval},
	} {
		if _, err := parseDuration(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}

	global := c.GlobalCheckInterval()
	check := c.CheckInterval()
	if check < global {
		errs = append(errs, fmt.Errorf(
			"schedule.check_interval (%s) must not be shorter than schedule.global_check_interval (%s)",
			check, global))
	}
	if c.Database.RetentionDays < 0 {
		errs = append(errs, errors.New("database.retention_days must be >= 0"))
	}

	return errors.Join(errs...)
}

// MonitoredAccounts converts the account list to domain values.
// Accounts without an explicit enabled flag default to enabled, and an
// empty watch list means both kinds, so the watch list is opt-out.
func (c *Config) MonitoredAccounts() []domain.MonitoredAccount {
	accounts := make([]domain.MonitoredAccount, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		enabled := true
		if a.Enabled != nil {
			enabled = *a.Enabled
		}

		kinds := make([]domain.Kind, 0, len(a.Watch))
		for _, w := range a.Watch {
			kinds = append(kinds, domain.Kind(w))
		}
		if len(kinds) == 0 {
			kinds = []domain.Kind{domain.KindPost, domain.KindVideo}
		}

		accounts = append(accounts, domain.MonitoredAccount{
			ID:          strings.TrimSpace(a.UID),
			DisplayName: strings.TrimSpace(a.Name),
			Enabled:     enabled,
			Kinds:       kinds,
		})
	}
	return accounts
}

func (c *Config) MinInterval() time.Duration {
	return durationOrDefault(c.Bilibili.MinInterval, defaultMinInterval)
}

func (c *Config) RequestTimeout() time.Duration {
	return durationOrDefault(c.Bilibili.RequestTimeout, defaultRequestTimeout)
}

func (c *Config) APIRetryCount() int {
	if c.Bilibili.RetryCount <= 0 {
		return defaultRetryCount
	}
	return c.Bilibili.RetryCount
}

func (c *Config) WebhookTimeout() time.Duration {
	return durationOrDefault(c.Webhook.Timeout, defaultWebhookTimeout)
}

func (c *Config) WebhookRetryCount() int {
	if c.Webhook.RetryCount <= 0 {
		return defaultRetryCount
	}
	return c.Webhook.RetryCount
}

func (c *Config) GlobalCheckInterval() time.Duration {
	return durationOrDefault(c.Schedule.GlobalCheckInterval, defaultGlobalInterval)
}

func (c *Config) CheckInterval() time.Duration {
	return durationOrDefault(c.Schedule.CheckInterval, defaultCheckInterval)
}

func (c *Config) Retention() time.Duration {
	days := c.Database.RetentionDays
	if days == 0 {
		days = defaultRetentionDays
	}
	return time.Duration(days) * 24 * time.Hour
}

func (c *Config) DBPath() string {
	if strings.TrimSpace(c.Database.Path) == "" {
		return defaultDBPath
	}
	return c.Database.Path
}

// Location resolves the configured timezone for message timestamps.
// Falls back to a fixed UTC+8 zone when the tz database is missing.
func (c *Config) Location() *time.Location {
	name := strings.TrimSpace(c.Logging.Timezone)
	if name == "" {
		name = defaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func durationOrDefault(raw string, def time.Duration) time.Duration {
	d, err := parseDuration("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
