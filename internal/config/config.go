// Package config handles configuration loading from YAML files and environment variables.
// Configuration precedence: CLI flags > environment variables > config file > embedded > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/vitalis-app/governor/internal/aggregator"
	"github.com/vitalis-app/governor/internal/classifier"
	"github.com/vitalis-app/governor/internal/guard"
	"github.com/vitalis-app/governor/internal/models"
	"github.com/vitalis-app/governor/internal/source"
)

// Duration is a wrapper around time.Duration that supports YAML unmarshaling
// from human-readable strings like "15s", "30s", "1m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Source kinds.
const (
	SourceHost       = "host"
	SourcePrometheus = "prometheus"
	SourceCombined   = "combined"
)

// Config holds all governor configuration.
type Config struct {
	Controller ControllerConfig     `yaml:"controller"`
	Source     SourceConfig         `yaml:"source"`
	Classifier ClassifierConfig     `yaml:"classifier"`
	Smoothing  SmoothingConfig      `yaml:"smoothing"`
	Cost       aggregator.CostModel `yaml:"cost"`
	Profiles   []models.Profile     `yaml:"profiles"`
	Guard      GuardConfig          `yaml:"guard"`
	State      StateConfig          `yaml:"state"`
	Publisher  PublisherConfig      `yaml:"publisher"`
	Admin      AdminConfig          `yaml:"admin"`
	Logging    LoggingConfig        `yaml:"logging"`
}

// ControllerConfig holds control loop settings.
type ControllerConfig struct {
	InstanceID    string   `yaml:"instance_id"`
	Interval      Duration `yaml:"interval"`
	SourceTimeout Duration `yaml:"source_timeout"`
	CommitTimeout Duration `yaml:"commit_timeout"`
	HistorySize   int      `yaml:"history_size"`
}

// SourceConfig selects where raw counters come from.
type SourceConfig struct {
	Kind    string             `yaml:"kind"`
	URL     string             `yaml:"url"`
	TopN    int                `yaml:"top_n"`
	Metrics source.MetricNames `yaml:"metrics"`
}

// ClassifierConfig holds the ordered rule list. The first matching rule wins.
type ClassifierConfig struct {
	Rules     []classifier.Rule    `yaml:"rules"`
	Heuristic classifier.Heuristic `yaml:"heuristic"`
}

// SmoothingConfig holds EWMA and anomaly settings.
type SmoothingConfig struct {
	Alpha            float64  `yaml:"alpha"`
	ColdStartFloor   int      `yaml:"cold_start_floor"`
	TTL              Duration `yaml:"ttl"`
	Epsilon          float64  `yaml:"epsilon"`
	AnomalyThreshold float64  `yaml:"anomaly_threshold"`
	Partitions       int      `yaml:"partitions"`
}

// GuardConfig holds anti-thrashing settings.
type GuardConfig struct {
	MinDwell      Duration `yaml:"min_dwell"`
	Window        Duration `yaml:"window"`
	FlapThreshold int      `yaml:"flap_threshold"`
	Cooldown      Duration `yaml:"cooldown"`
	SafeProfile   string   `yaml:"safe_profile"`
	RequireResume bool     `yaml:"require_resume"`
}

// StateConfig selects the persistence backend.
type StateConfig struct {
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	RedisURL string `yaml:"redis_url"`
}

// PublisherConfig holds profile document and reload settings.
type PublisherConfig struct {
	Path          string   `yaml:"path"`
	ReloadPIDFile string   `yaml:"reload_pid_file"`
	ReloadURL     string   `yaml:"reload_url"`
	ReloadToken   string   `yaml:"reload_token"`
	MaxRetries    int      `yaml:"max_retries"`
	BaseDelay     Duration `yaml:"base_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	Timeout       Duration `yaml:"timeout"`
}

// AdminConfig holds the admin API settings.
type AdminConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultProfiles is the built-in ladder, most conservative first.
func DefaultProfiles() []models.Profile {
	return []models.Profile{
		{
			Name:          "conservative",
			MinImportance: 0.3, CPUThreshold: 5, MemoryThreshold: 5,
			TargetSeries: 20000, MaxSeries: 25000,
			MinCoverage: 0.99, CostCeiling: 2.0,
		},
		{
			Name:          "balanced",
			MinImportance: 0.6, CPUThreshold: 20, MemoryThreshold: 15,
			TargetSeries: 10000, MaxSeries: 12000,
			MinCoverage: 0.97, CostCeiling: 1.0,
		},
		{
			Name:          "aggressive",
			MinImportance: 0.8, CPUThreshold: 40, MemoryThreshold: 30,
			TargetSeries: 5000, MaxSeries: 6000,
			MinCoverage: 0.95, CostCeiling: 0.5,
		},
	}
}

// DefaultRules cover common databases and infrastructure daemons.
func DefaultRules() []classifier.Rule {
	return []classifier.Rule{
		{Name: "databases", Pattern: `^(postgres|mysqld|mariadbd|mongod|redis-server|etcd)`, Score: 0.95},
		{Name: "proxies", Pattern: `^(nginx|haproxy|envoy|traefik)`, Score: 0.85},
		{Name: "runtimes", Pattern: `^(java|node|python[0-9.]*|dotnet|ruby)$`, Score: 0.65},
		{Name: "system", Pattern: `^(sshd|systemd|containerd|dockerd|kubelet)`, Score: 0.5},
		{Name: "noise", Pattern: `^(kworker|ksoftirqd|migration|rcu_|cron|sleep)`, Score: 0.05},
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Controller: ControllerConfig{
			InstanceID:    defaultInstanceID(),
			Interval:      Duration{30 * time.Second},
			SourceTimeout: Duration{5 * time.Second},
			CommitTimeout: Duration{5 * time.Second},
			HistorySize:   100,
		},
		Source: SourceConfig{
			Kind:    SourceHost,
			TopN:    500,
			Metrics: source.DefaultMetricNames(),
		},
		Classifier: ClassifierConfig{
			Rules:     DefaultRules(),
			Heuristic: classifier.DefaultHeuristic(),
		},
		Smoothing: SmoothingConfig{
			Alpha:            0.1,
			ColdStartFloor:   5,
			TTL:              Duration{5 * time.Minute},
			Epsilon:          1e-6,
			AnomalyThreshold: 3,
			Partitions:       4,
		},
		Cost: aggregator.CostModel{
			DatapointsPerHour: 240,
			CostPerDatapoint:  0.0000005,
			SeriesPerEntity:   12,
		},
		Profiles: DefaultProfiles(),
		Guard: GuardConfig{
			MinDwell:      Duration{guard.DefaultMinDwell},
			Window:        Duration{guard.DefaultWindow},
			FlapThreshold: guard.DefaultFlapThreshold,
			Cooldown:      Duration{guard.DefaultCooldown},
			SafeProfile:   "conservative",
			RequireResume: true,
		},
		State: StateConfig{
			Backend: "file",
			Path:    "./state",
		},
		Publisher: PublisherConfig{
			Path:       "./profile.yaml",
			MaxRetries: 3,
			BaseDelay:  Duration{2 * time.Second},
			MaxDelay:   Duration{30 * time.Second},
			Timeout:    Duration{5 * time.Second},
		},
		Admin: AdminConfig{
			Listen: "127.0.0.1:9464",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// defaultInstanceID keys persisted state, so it must be stable across
// restarts. The hostname is; a random id is only the last resort.
func defaultInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "governor-" + uuid.NewString()
}

// LoadFromBytes parses YAML configuration from a byte slice and merges with defaults.
// Environment variables take highest precedence and override values from the byte slice.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config data: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// Load reads configuration from a YAML file and merges with defaults.
// If path is empty or the file does not exist, only defaults and environment
// variables are used.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromBytes(nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		return LoadFromBytes(nil)
	}

	return LoadFromBytes(data)
}

// CLIOverrides holds values from command-line flags.
// Empty strings are treated as "not set" and skipped.
type CLIOverrides struct {
	InstanceID  string
	AdminListen string
	StatePath   string
	LogLevel    string
}

// Locate searches standard config file paths and returns the first one found.
// Returns empty string if no config file exists.
func Locate() string {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadLayered loads configuration with the full precedence chain:
// CLI flags > env vars > external YAML file > embedded bytes > defaults.
//
// An optional configPath argument controls external-file discovery:
//   - omitted        → auto-discover via Locate()
//   - explicit value  → use that path ("" means no external file)
func LoadLayered(cli CLIOverrides, embedded []byte, configPath ...string) (*Config, error) {
	cfg := DefaultConfig()

	if len(embedded) > 0 {
		if err := yaml.Unmarshal(embedded, cfg); err != nil {
			return nil, fmt.Errorf("parsing embedded config: %w", err)
		}
	}

	var filePath string
	if len(configPath) > 0 {
		filePath = configPath[0]
	} else {
		filePath = Locate()
	}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", filePath, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("reading config file %s: %w", filePath, err)
		}
	}

	applyEnvOverrides(cfg)

	if cli.InstanceID != "" {
		cfg.Controller.InstanceID = cli.InstanceID
	}
	if cli.AdminListen != "" {
		cfg.Admin.Listen = cli.AdminListen
	}
	if cli.StatePath != "" {
		cfg.State.Path = cli.StatePath
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}

	return cfg, nil
}

// WriteConfig serializes the config to a YAML file at the given path.
// Creates parent directories if needed.
func WriteConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GOV_INSTANCE_ID"); v != "" {
		cfg.Controller.InstanceID = v
	}
	if v := os.Getenv("GOV_SOURCE_URL"); v != "" {
		cfg.Source.URL = v
	}
	if v := os.Getenv("GOV_STATE_BACKEND"); v != "" {
		cfg.State.Backend = v
	}
	if v := os.Getenv("GOV_STATE_PATH"); v != "" {
		cfg.State.Path = v
	}
	if v := os.Getenv("GOV_REDIS_URL"); v != "" {
		cfg.State.RedisURL = v
	}
	if v := os.Getenv("GOV_PUBLISH_PATH"); v != "" {
		cfg.Publisher.Path = v
	}
	if v := os.Getenv("GOV_RELOAD_TOKEN"); v != "" {
		cfg.Publisher.ReloadToken = v
	}
	if v := os.Getenv("GOV_ADMIN_LISTEN"); v != "" {
		cfg.Admin.Listen = v
	}
	if v := os.Getenv("GOV_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks that the configuration is usable. Component-level range
// checks run again when the components are built.
func (c *Config) Validate() error {
	if c.Controller.InstanceID == "" {
		return fmt.Errorf("controller instance_id is required")
	}
	if c.Controller.Interval.Duration <= 0 {
		return fmt.Errorf("controller interval must be positive")
	}
	if c.Controller.SourceTimeout.Duration <= 0 || c.Controller.SourceTimeout.Duration >= c.Controller.Interval.Duration {
		return fmt.Errorf("source timeout must be positive and shorter than the interval (%s)", c.Controller.Interval.Duration)
	}

	switch c.Source.Kind {
	case SourceHost:
	case SourcePrometheus, SourceCombined:
		if !strings.HasPrefix(c.Source.URL, "http://") && !strings.HasPrefix(c.Source.URL, "https://") {
			return fmt.Errorf("source url must be an http(s) URL for kind %q (got: %q)", c.Source.Kind, c.Source.URL)
		}
	default:
		return fmt.Errorf("unknown source kind %q", c.Source.Kind)
	}

	if len(c.Profiles) == 0 {
		return fmt.Errorf("at least one profile is required")
	}
	found := false
	for _, p := range c.Profiles {
		if p.Name == c.Guard.SafeProfile {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("guard safe_profile %q is not a configured profile", c.Guard.SafeProfile)
	}
	if c.Guard.FlapThreshold < 1 {
		return fmt.Errorf("guard flap_threshold must be at least 1")
	}
	g := guard.Config{MinDwell: c.Guard.MinDwell.Duration, FlapThreshold: c.Guard.FlapThreshold}
	if span := g.DwellSpan(); c.Guard.Window.Duration <= span {
		return fmt.Errorf("guard window %s must exceed (flap_threshold-1) x min_dwell = %s", c.Guard.Window.Duration, span)
	}

	switch c.State.Backend {
	case "file", "badger":
		if c.State.Path == "" {
			return fmt.Errorf("state path is required for backend %q", c.State.Backend)
		}
	case "redis":
		if c.State.RedisURL == "" {
			return fmt.Errorf("state redis_url is required for backend redis")
		}
	default:
		return fmt.Errorf("unknown state backend %q", c.State.Backend)
	}

	if c.Publisher.Path == "" {
		return fmt.Errorf("publisher path is required")
	}
	if c.Publisher.ReloadPIDFile != "" && c.Publisher.ReloadURL != "" {
		return fmt.Errorf("publisher reload_pid_file and reload_url are mutually exclusive")
	}
	if c.Publisher.ReloadURL != "" && !strings.HasPrefix(c.Publisher.ReloadURL, "https://") {
		if !strings.Contains(c.Publisher.ReloadURL, "localhost") && !strings.Contains(c.Publisher.ReloadURL, "127.0.0.1") {
			return fmt.Errorf("publisher reload_url must use HTTPS (got: %s)", c.Publisher.ReloadURL)
		}
	}
	return nil
}
