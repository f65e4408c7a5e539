package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/proofline/internal/otel"
	"github.com/basket/proofline/internal/phase"
)

// Person is one identity directory entry.
type Person struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// RetentionConfig controls scheduled pruning. Zero days keeps rows forever.
type RetentionConfig struct {
	Schedule       string `yaml:"schedule"`
	TaskEventsDays int    `yaml:"task_events_days"`
	AuditLogDays   int    `yaml:"audit_log_days"`
}

// RateLimitConfig enables per-caller token buckets on the HTTP API.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	// DBPath and BlobDir are relative to HomeDir unless absolute.
	DBPath  string `yaml:"db_path"`
	BlobDir string `yaml:"blob_dir"`

	// MaxArtifactMB bounds a single uploaded artifact.
	MaxArtifactMB int `yaml:"max_artifact_mb"`

	// AllowOrigins controls which Origin headers are accepted for browser WS
	// connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DefaultPhases is the active set for tasks created without one. Empty
	// means the full catalog.
	DefaultPhases []string `yaml:"default_phases"`

	People    []Person        `yaml:"people"`
	Retention RetentionConfig `yaml:"retention"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	OTel      otel.Config     `yaml:"otel"`

	NeedsInit bool `yaml:"-"`
}

const (
	defaultBindAddr          = "127.0.0.1:18790"
	defaultRetentionSchedule = "0 3 * * *"
)

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr:      defaultBindAddr,
		LogLevel:      "info",
		DBPath:        "proofline.db",
		BlobDir:       "artifacts",
		MaxArtifactMB: 25,
		Retention: RetentionConfig{
			Schedule:       defaultRetentionSchedule,
			TaskEventsDays: 365,
			AuditLogDays:   365,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("PROOFLINE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".proofline")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, applies env overrides and defaults,
// and validates the result. A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create proofline home: %w", err)
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

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = "proofline.db"
	}
	if strings.TrimSpace(cfg.BlobDir) == "" {
		cfg.BlobDir = "artifacts"
	}
	if cfg.MaxArtifactMB <= 0 {
		cfg.MaxArtifactMB = 25
	}
	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = defaultRetentionSchedule
	}
	for i := range cfg.People {
		cfg.People[i].ID = strings.TrimSpace(cfg.People[i].ID)
		cfg.People[i].Name = strings.TrimSpace(cfg.People[i].Name)
	}
}

func validate(cfg Config) error {
	if len(cfg.DefaultPhases) > 0 {
		if _, err := phase.ParseSet(cfg.DefaultPhases); err != nil {
			return fmt.Errorf("default_phases: %w", err)
		}
	}
	seen := make(map[string]bool, len(cfg.People))
	for i, p := range cfg.People {
		if p.ID == "" {
			return fmt.Errorf("people[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("people[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
	}
	if cfg.Retention.TaskEventsDays < 0 || cfg.Retention.AuditLogDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PROOFLINE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("PROOFLINE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("PROOFLINE_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("PROOFLINE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("PROOFLINE_BLOB_DIR"); raw != "" {
		cfg.BlobDir = raw
	}
	if raw := os.Getenv("PROOFLINE_MAX_ARTIFACT_MB"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxArtifactMB = v
		}
	}
}

// ResolvedDBPath returns DBPath joined to HomeDir when relative.
func (c Config) ResolvedDBPath() string {
	return c.resolve(c.DBPath)
}

// ResolvedBlobDir returns BlobDir joined to HomeDir when relative.
func (c Config) ResolvedBlobDir() string {
	return c.resolve(c.BlobDir)
}

func (c Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// MaxArtifactBytes is MaxArtifactMB in bytes.
func (c Config) MaxArtifactBytes() int64 {
	return int64(c.MaxArtifactMB) << 20
}

// DefaultPhaseSet returns the configured default active set, or the full
// catalog. Load has already validated the keys.
func (c Config) DefaultPhaseSet() phase.Set {
	if len(c.DefaultPhases) == 0 {
		return phase.Full()
	}
	set, err := phase.ParseSet(c.DefaultPhases)
	if err != nil {
		return phase.Full()
	}
	return set
}

// PeopleByID maps person ids to display names.
func (c Config) PeopleByID() map[string]string {
	out := make(map[string]string, len(c.People))
	for _, p := range c.People {
		out[p.ID] = p.Name
	}
	return out
}

// Fingerprint returns a stable hash of the active config. The auth token is
// hashed, never echoed.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	people := make([]string, 0, len(c.People))
	for _, p := range c.People {
		people = append(people, p.ID+"="+p.Name)
	}
	sort.Strings(people)
	fmt.Fprintf(h, "bind=%s|log=%s|token=%s|db=%s|blob=%s|max=%d|origins=%v|phases=%v|people=%v|ret=%s/%d/%d|otel=%t/%s",
		c.BindAddr, c.LogLevel, c.AuthToken, c.DBPath, c.BlobDir, c.MaxArtifactMB, c.AllowOrigins,
		c.DefaultPhases, people, c.Retention.Schedule, c.Retention.TaskEventsDays, c.Retention.AuditLogDays,
		c.OTel.Enabled, c.OTel.Exporter)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
