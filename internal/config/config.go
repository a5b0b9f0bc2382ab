package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite3 (default) or mysql
	DSN    string `yaml:"dsn"`    // sqlite file path or go-sql-driver DSN
}

// LifecycleConfig tunes the agent lifecycle manager.
type LifecycleConfig struct {
	DeleteMaxRetries    int `yaml:"delete_max_retries"`
	DeleteBaseBackoffMs int `yaml:"delete_base_backoff_ms"`
	DeleteSoftTimeoutMs int `yaml:"delete_soft_timeout_ms"`
	StopDrainTimeoutMs  int `yaml:"stop_drain_timeout_ms"`

	// BreakerFailures is the number of consecutive store outages that open
	// the circuit breaker.
	BreakerFailures        int `yaml:"breaker_failures"`
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds"`
}

// SchedulerConfig tunes the task scheduler loop.
type SchedulerConfig struct {
	TickIntervalMs int `yaml:"tick_interval_ms"`
	MaxConcurrency int `yaml:"max_concurrency"`
}

// RateLimitConfig bounds gateway requests per client key.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// TelemetryConfig mirrors the OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// AgentSeed defines an agent to create on startup and on every reload.
type AgentSeed struct {
	Character map[string]any `yaml:"character"`
	Autostart bool           `yaml:"autostart"`
}

// Name returns the character's display name.
func (s AgentSeed) Name() string {
	name, _ := s.Character["name"].(string)
	return strings.TrimSpace(name)
}

// ScheduleEntry seeds a one-shot queue task every time its cron expression fires.
type ScheduleEntry struct {
	Name        string         `yaml:"name"`
	Cron        string         `yaml:"cron"`
	Task        string         `yaml:"task"`
	WorldID     string         `yaml:"world_id"`
	Description string         `yaml:"description"`
	Payload     map[string]any `yaml:"payload"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	// Bounded drain timeout (seconds) for shutdown. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Store     StoreConfig     `yaml:"store"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	Agents    []AgentSeed     `yaml:"agents"`
	Schedules []ScheduleEntry `yaml:"schedules"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that need a restart to change.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|store=%s:%s|tick=%d|conc=%d|origins=%v|agents=%d|schedules=%d",
		c.BindAddr, c.LogLevel, c.Store.Driver, c.Store.DSN,
		c.Scheduler.TickIntervalMs, c.Scheduler.MaxConcurrency, c.AllowOrigins,
		len(c.Agents), len(c.Schedules))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DeleteBaseBackoff returns the first delete retry delay.
func (c LifecycleConfig) DeleteBaseBackoff() time.Duration {
	return time.Duration(c.DeleteBaseBackoffMs) * time.Millisecond
}

// DeleteSoftTimeout returns how long a delete caller waits before getting Accepted.
func (c LifecycleConfig) DeleteSoftTimeout() time.Duration {
	return time.Duration(c.DeleteSoftTimeoutMs) * time.Millisecond
}

// StopDrainTimeout returns the bound on waiting for runtime goroutines at stop.
func (c LifecycleConfig) StopDrainTimeout() time.Duration {
	return time.Duration(c.StopDrainTimeoutMs) * time.Millisecond
}

// TickInterval returns the scheduler loop period.
func (c SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		Store: StoreConfig{
			Driver: "sqlite3",
		},
		Lifecycle: LifecycleConfig{
			DeleteMaxRetries:       2,
			DeleteBaseBackoffMs:    1000,
			DeleteSoftTimeoutMs:    10000,
			StopDrainTimeoutMs:     5000,
			BreakerFailures:        5,
			BreakerCooldownSeconds: 30,
		},
		Scheduler: SchedulerConfig{
			TickIntervalMs: 1000,
			MaxConcurrency: 4,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("AGENTHOST_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agenthost")
}

// Load reads config.yaml from HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, applies AGENTHOST_* overrides and
// validates the result. A missing file yields defaults with NeedsGenesis set.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agenthost home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes a starter config.yaml when none exists.
func WriteDefault(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	cfg := defaultConfig()
	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create agenthost home: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = d.BindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = d.DrainTimeoutSeconds
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" || cfg.Store.Driver == "sqlite" {
		cfg.Store.Driver = "sqlite3"
	}
	if cfg.Store.Driver == "sqlite3" && cfg.Store.DSN == "" {
		cfg.Store.DSN = filepath.Join(cfg.HomeDir, "agenthost.db")
	}
	if cfg.Lifecycle.DeleteMaxRetries < 0 {
		cfg.Lifecycle.DeleteMaxRetries = d.Lifecycle.DeleteMaxRetries
	}
	if cfg.Lifecycle.DeleteBaseBackoffMs <= 0 {
		cfg.Lifecycle.DeleteBaseBackoffMs = d.Lifecycle.DeleteBaseBackoffMs
	}
	if cfg.Lifecycle.DeleteSoftTimeoutMs <= 0 {
		cfg.Lifecycle.DeleteSoftTimeoutMs = d.Lifecycle.DeleteSoftTimeoutMs
	}
	if cfg.Lifecycle.StopDrainTimeoutMs <= 0 {
		cfg.Lifecycle.StopDrainTimeoutMs = d.Lifecycle.StopDrainTimeoutMs
	}
	if cfg.Lifecycle.BreakerFailures <= 0 {
		cfg.Lifecycle.BreakerFailures = d.Lifecycle.BreakerFailures
	}
	if cfg.Lifecycle.BreakerCooldownSeconds <= 0 {
		cfg.Lifecycle.BreakerCooldownSeconds = d.Lifecycle.BreakerCooldownSeconds
	}
	if cfg.Scheduler.TickIntervalMs <= 0 {
		cfg.Scheduler.TickIntervalMs = d.Scheduler.TickIntervalMs
	}
	if cfg.Scheduler.MaxConcurrency <= 0 {
		cfg.Scheduler.MaxConcurrency = d.Scheduler.MaxConcurrency
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = d.RateLimit.RequestsPerSecond
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = d.RateLimit.Burst
	}
	for i := range cfg.Schedules {
		cfg.Schedules[i].Task = strings.TrimSpace(cfg.Schedules[i].Task)
		if cfg.Schedules[i].Name == "" {
			cfg.Schedules[i].Name = cfg.Schedules[i].Task
		}
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func validate(cfg *Config) error {
	var errs []error
	switch cfg.Store.Driver {
	case "sqlite3":
	case "mysql":
		if cfg.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for mysql"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported (sqlite3, mysql)", cfg.Store.Driver))
	}

	seen := make(map[string]bool)
	for i, seed := range cfg.Agents {
		name := seed.Name()
		if name == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: character.name is required", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate agent name %q", i, name))
		}
		seen[name] = true
	}

	for i, s := range cfg.Schedules {
		if s.Task == "" {
			errs = append(errs, fmt.Errorf("schedules[%d]: task is required", i))
		}
		if _, err := cronParser.Parse(s.Cron); err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d]: invalid cron %q: %w", i, s.Cron, err))
		}
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTHOST_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AGENTHOST_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTHOST_STORE_DRIVER"); raw != "" {
		cfg.Store.Driver = raw
	}
	if raw := os.Getenv("AGENTHOST_STORE_DSN"); raw != "" {
		cfg.Store.DSN = raw
	}
	if raw := os.Getenv("AGENTHOST_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("AGENTHOST_DELETE_MAX_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Lifecycle.DeleteMaxRetries = v
		}
	}
	if raw := os.Getenv("AGENTHOST_DELETE_SOFT_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Lifecycle.DeleteSoftTimeoutMs = v
		}
	}
	if raw := os.Getenv("AGENTHOST_TICK_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.TickIntervalMs = v
		}
	}
	if raw := os.Getenv("AGENTHOST_MAX_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.MaxConcurrency = v
		}
	}
	if raw := os.Getenv("AGENTHOST_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Telemetry.Enabled = v
		}
	}
	if raw := os.Getenv("AGENTHOST_OTEL_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
}
