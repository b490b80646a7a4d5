package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"stakeline/internal/config"
)

func TestDefaultTemplateValidates(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("default template: %v", err)
	}
	if cfg.Protocol.MaxMilestones != 4 || cfg.Treasury.BurnBP != 1000 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.Tiers) != 3 || cfg.Tiers[2].MaxStake != 0 {
		t.Fatalf("unexpected tier table %+v", cfg.Tiers)
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Validators.MinStake != 50 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Protocol.MaxMilestones = 2
	cfg.Protocol.MaxStake = 500
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stakeline.yml"), data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	loaded, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Protocol.MaxMilestones != 2 || loaded.Protocol.MaxStake != 500 {
		t.Fatalf("custom values not applied: %+v", loaded.Protocol)
	}
}

func TestValidateRejectsBrokenEconomics(t *testing.T) {
	mutations := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"share sum off", func(c *config.Config) { c.Treasury.RewardShareBP = 5999 }},
		{"burn full", func(c *config.Config) { c.Treasury.BurnBP = 10000 }},
		{"tier gap", func(c *config.Config) { c.Tiers[1].MinStake = 600 }},
		{"bounded tail tier", func(c *config.Config) { c.Tiers[2].MaxStake = 9999 }},
		{"multiplier below principal", func(c *config.Config) { c.Tiers[0].MultiplierBP = 9999 }},
		{"even committee", func(c *config.Config) { c.Committee.Bands[0].Size = 4 }},
		{"bounded tail band", func(c *config.Config) { c.Committee.Bands[2].MaxStake = 9999 }},
		{"inverted reputation", func(c *config.Config) { c.Validators.MaxReputation = 40 }},
		{"baseline out of range", func(c *config.Config) { c.Validators.BaselineReputation = 10 }},
		{"zero step", func(c *config.Config) { c.Validators.ReputationStep = 0 }},
	}
	for _, m := range mutations {
		cfg := config.Default()
		m.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", m.name)
		}
	}
	if err := config.Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestIsAdmin(t *testing.T) {
	cfg := config.Default()
	if !cfg.IsAdmin("admin") {
		t.Fatalf("default admin actor not recognized")
	}
	if cfg.IsAdmin("alice") {
		t.Fatalf("non-admin recognized as admin")
	}
}
