package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func TestLoadLayered_CLIOverridesEverything(t *testing.T) {
	embedded := []byte("admin:\n  listen: \"127.0.0.1:1000\"\ncontroller:\n  instance_id: \"embedded\"")
	t.Setenv("GOV_ADMIN_LISTEN", "127.0.0.1:2000")
	cli := CLIOverrides{AdminListen: "127.0.0.1:3000", InstanceID: "cli"}

	cfg, err := LoadLayered(cli, embedded, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Admin.Listen != "127.0.0.1:3000" {
		t.Errorf("Listen = %q, want CLI override", cfg.Admin.Listen)
	}
	if cfg.Controller.InstanceID != "cli" {
		t.Errorf("InstanceID = %q, want CLI override", cfg.Controller.InstanceID)
	}
}

func TestLoadLayered_EnvOverridesEmbed(t *testing.T) {
	embedded := []byte("admin:\n  listen: \"127.0.0.1:1000\"\ncontroller:\n  instance_id: \"embedded\"")
	t.Setenv("GOV_ADMIN_LISTEN", "127.0.0.1:2000")

	cfg, err := LoadLayered(CLIOverrides{}, embedded, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Admin.Listen != "127.0.0.1:2000" {
		t.Errorf("Listen = %q, want env override", cfg.Admin.Listen)
	}
	if cfg.Controller.InstanceID != "embedded" {
		t.Errorf("InstanceID = %q, want embedded value", cfg.Controller.InstanceID)
	}
}

func TestLoadLayered_FileOverridesEmbed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "governor.yaml")
	data := "profiles:\n  - name: only\n    min_importance: 0.5\n    min_coverage: 0.9\nguard:\n  safe_profile: only\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadLayered(CLIOverrides{}, nil, path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Profiles) != 1 || cfg.Profiles[0].Name != "only" {
		t.Errorf("Profiles = %+v, want the file's single profile to replace the defaults", cfg.Profiles)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadLayered_DefaultsWhenEmpty(t *testing.T) {
	cfg, err := LoadLayered(CLIOverrides{}, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Controller.Interval.Duration != 30*time.Second {
		t.Errorf("Interval = %v, want 30s default", cfg.Controller.Interval.Duration)
	}
	if cfg.Guard.MinDwell.Duration != 5*time.Minute || cfg.Guard.Window.Duration != 15*time.Minute {
		t.Errorf("Guard = %v/%v, want 5m dwell and 15m window", cfg.Guard.MinDwell.Duration, cfg.Guard.Window.Duration)
	}
	if cfg.Smoothing.Alpha != 0.1 || cfg.Smoothing.ColdStartFloor != 5 {
		t.Errorf("Smoothing = %+v, want alpha 0.1 and floor 5", cfg.Smoothing)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoadFromBytes_ParsesRuleTier(t *testing.T) {
	data := []byte("classifier:\n  rules:\n    - name: pg\n      pattern: \"^postgres\"\n      score: 0.4\n      tier: critical\n")
	cfg, err := LoadFromBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Classifier.Rules) != 1 {
		t.Fatalf("Rules = %d, want 1", len(cfg.Classifier.Rules))
	}
	r := cfg.Classifier.Rules[0]
	if r.Tier == nil || r.Tier.String() != "critical" {
		t.Errorf("Tier = %v, want critical", r.Tier)
	}
}

func TestLoadFromBytes_BadDuration(t *testing.T) {
	if _, err := LoadFromBytes([]byte("guard:\n  min_dwell: soon\n")); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no instance", func(c *Config) { c.Controller.InstanceID = "" }},
		{"timeout longer than interval", func(c *Config) { c.Controller.SourceTimeout = Duration{time.Minute} }},
		{"prometheus without url", func(c *Config) { c.Source.Kind = SourcePrometheus }},
		{"unknown source", func(c *Config) { c.Source.Kind = "snmp" }},
		{"no profiles", func(c *Config) { c.Profiles = nil }},
		{"unknown safe profile", func(c *Config) { c.Guard.SafeProfile = "ultra" }},
		{"window too short to detect thrashing", func(c *Config) { c.Guard.Window = Duration{10 * time.Minute} }},
		{"redis without url", func(c *Config) { c.State.Backend = "redis" }},
		{"unknown backend", func(c *Config) { c.State.Backend = "sqlite" }},
		{"both reloaders", func(c *Config) {
			c.Publisher.ReloadPIDFile = "/run/agent.pid"
			c.Publisher.ReloadURL = "http://localhost:8080/reload"
		}},
		{"plain http reload", func(c *Config) { c.Publisher.ReloadURL = "http://agent.example.com/reload" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestWriteConfig_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "governor.yaml")

	cfg := DefaultConfig()
	cfg.Controller.InstanceID = "written"

	if err := WriteConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var back Config
	if err := yaml.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Controller.InstanceID != "written" || back.Guard.Cooldown.Duration != 30*time.Minute {
		t.Errorf("round trip lost values: %+v", back.Controller)
	}
}

func TestWatcher_ReloadsValidChangesOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "governor.yaml")
	if err := os.WriteFile(path, []byte("controller:\n  instance_id: one\n"), 0600); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(path, nil, zap.NewNop())
	w.settle = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, func(c *Config) { got <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("controller:\n  interval: nope\n"), 0600); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-got:
		t.Fatalf("invalid config delivered: %+v", c.Controller)
	case <-time.After(300 * time.Millisecond):
	}

	if err := os.WriteFile(path, []byte("controller:\n  instance_id: two\n"), 0600); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-got:
		if c.Controller.InstanceID != "two" {
			t.Errorf("InstanceID = %q, want two", c.Controller.InstanceID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after valid change")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
}
