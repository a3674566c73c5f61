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

	"github.com/basket/go-afm/internal/cron"
	"github.com/basket/go-afm/internal/otel"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBindAddr                    = "127.0.0.1:8080"
	DefaultAgentReturnTimeSeconds      = 5
	DefaultAgentActiveThresholdSeconds = 500
	DefaultAgentDropThresholdSeconds   = 3600
	DefaultMaxTasksLimit               = 100
	DefaultCleanupSchedule             = "*/5 * * * *"
	DefaultDrainTimeoutSeconds         = 5
	DefaultMaxBodyBytes                = 1 << 20
)

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	// DBPath defaults to <home>/afm.db.
	DBPath string `yaml:"db_path"`

	// AgentReturnTimeSeconds is how long agents are told to wait before the next poll.
	AgentReturnTimeSeconds int `yaml:"agent_return_time"`
	// AgentActiveThresholdSeconds of silence before an agent's tasks are failed.
	AgentActiveThresholdSeconds int `yaml:"agent_active_threshold"`
	// AgentDropThresholdSeconds of silence before an agent is evicted.
	AgentDropThresholdSeconds int `yaml:"agent_drop_threshold"`
	// AutoCleanup runs eviction and reconciliation on every poll.
	AutoCleanup bool `yaml:"auto_cleanup"`
	// MaxTasksLimit caps max_tasks in a single poll.
	MaxTasksLimit int `yaml:"max_tasks_limit"`
	// CleanupSchedule is a 5-field cron expression for the background sweep. Empty disables it.
	CleanupSchedule string `yaml:"cleanup_schedule"`

	// TaskRetentionDays keeps finished tasks this long before the sweep
	// deletes them. Zero keeps them forever.
	TaskRetentionDays int `yaml:"task_retention_days"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// AdminToken guards the /api routes when set. Agent routes stay open.
	AdminToken string `yaml:"admin_token"`
	// AllowOrigins lists extra Origin patterns accepted on the /events websocket.
	AllowOrigins []string `yaml:"allow_origins"`
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	OTel otel.Config `yaml:"otel"`

	// NeedsInit is set when no config.yaml was found.
	NeedsInit bool `yaml:"-"`
}

// RateLimitConfig throttles requests per client address (or API key).
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

func (c Config) AgentReturnTime() time.Duration {
	return time.Duration(c.AgentReturnTimeSeconds) * time.Second
}

func (c Config) AgentActiveThreshold() time.Duration {
	return time.Duration(c.AgentActiveThresholdSeconds) * time.Second
}

func (c Config) AgentDropThreshold() time.Duration {
	return time.Duration(c.AgentDropThresholdSeconds) * time.Second
}

func (c Config) TaskRetention() time.Duration {
	return time.Duration(c.TaskRetentionDays) * 24 * time.Hour
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// FileName is the config file inside the afm home directory.
const FileName = "config.yaml"

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, FileName)
}

// Fingerprint returns a stable hash of the settings that affect request handling.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|return=%d|active=%d|drop=%d|cleanup=%t|max=%d|sched=%s|retention=%d",
		c.BindAddr, c.LogLevel, c.DBPath, c.AgentReturnTimeSeconds, c.AgentActiveThresholdSeconds,
		c.AgentDropThresholdSeconds, c.AutoCleanup, c.MaxTasksLimit, c.CleanupSchedule, c.TaskRetentionDays)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:                    DefaultBindAddr,
		LogLevel:                    "info",
		AgentReturnTimeSeconds:      DefaultAgentReturnTimeSeconds,
		AgentActiveThresholdSeconds: DefaultAgentActiveThresholdSeconds,
		AgentDropThresholdSeconds:   DefaultAgentDropThresholdSeconds,
		AutoCleanup:                 true,
		MaxTasksLimit:               DefaultMaxTasksLimit,
		CleanupSchedule:             DefaultCleanupSchedule,
		DrainTimeoutSeconds:         DefaultDrainTimeoutSeconds,
		MaxBodyBytes:                DefaultMaxBodyBytes,
		OTel: otel.Config{
			ServiceName: otel.DefaultServiceName,
			Exporter:    otel.ExporterOTLPHTTP,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("AFM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".afm")
}

// Load reads <home>/config.yaml over the defaults, applies AFM_* environment
// overrides, then normalizes and validates the result.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create afm home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes a config.yaml with default values if none exists.
func WriteDefault(homeDir string) (string, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create afm home: %w", err)
	}
	out, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return "", fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	return path, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "afm.db")
	}
	if cfg.MaxTasksLimit <= 0 {
		cfg.MaxTasksLimit = DefaultMaxTasksLimit
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = DefaultDrainTimeoutSeconds
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 60
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	cfg.CleanupSchedule = strings.TrimSpace(cfg.CleanupSchedule)
	cfg.AdminToken = strings.TrimSpace(cfg.AdminToken)
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = otel.DefaultServiceName
	}
}

func validate(cfg Config) error {
	var errs []error
	if cfg.AgentReturnTimeSeconds <= 0 {
		errs = append(errs, fmt.Errorf("agent_return_time must be positive, got %d", cfg.AgentReturnTimeSeconds))
	}
	if cfg.AgentActiveThresholdSeconds <= 0 {
		errs = append(errs, fmt.Errorf("agent_active_threshold must be positive, got %d", cfg.AgentActiveThresholdSeconds))
	}
	if cfg.AgentDropThresholdSeconds < cfg.AgentActiveThresholdSeconds {
		errs = append(errs, fmt.Errorf("agent_drop_threshold (%d) must be >= agent_active_threshold (%d)",
			cfg.AgentDropThresholdSeconds, cfg.AgentActiveThresholdSeconds))
	}
	if cfg.TaskRetentionDays < 0 {
		errs = append(errs, fmt.Errorf("task_retention_days must not be negative, got %d", cfg.TaskRetentionDays))
	}
	if err := cfg.OTel.Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.CleanupSchedule != "" {
		if _, err := cron.ParseSchedule(cfg.CleanupSchedule); err != nil {
			errs = append(errs, fmt.Errorf("cleanup_schedule: %w", err))
		}
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) error {
	ints := []struct {
		env string
		dst *int
	}{
		{"AFM_AGENT_RETURN_TIME", &cfg.AgentReturnTimeSeconds},
		{"AFM_AGENT_ACTIVE_THRESHOLD", &cfg.AgentActiveThresholdSeconds},
		{"AFM_AGENT_DROP_THRESHOLD", &cfg.AgentDropThresholdSeconds},
		{"AFM_MAX_TASKS_LIMIT", &cfg.MaxTasksLimit},
		{"AFM_DRAIN_TIMEOUT_SECONDS", &cfg.DrainTimeoutSeconds},
		{"AFM_TASK_RETENTION_DAYS", &cfg.TaskRetentionDays},
	}
	for _, o := range ints {
		raw := os.Getenv(o.env)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%s: %w", o.env, err)
		}
		*o.dst = v
	}
	if raw := os.Getenv("AFM_AUTO_CLEANUP"); raw != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("AFM_AUTO_CLEANUP: %w", err)
		}
		cfg.AutoCleanup = v
	}
	if raw, ok := os.LookupEnv("AFM_CLEANUP_SCHEDULE"); ok {
		cfg.CleanupSchedule = raw
	}
	if raw := os.Getenv("AFM_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AFM_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AFM_ADMIN_TOKEN"); raw != "" {
		cfg.AdminToken = raw
	}
	if raw := os.Getenv("AFM_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("AFM_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
		cfg.OTel.Enabled = true
	}
	return nil
}
