package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Basis-point denominator. All percentages in this file are integer basis
// points: 10000 == 100%.
const BPDenominator = 10000

// Config models stakeline.yml.
type Config struct {
	Protocol struct {
		MaxMilestones       int   `yaml:"max_milestones"`
		GraceWindowHours    int   `yaml:"grace_window_hours"`
		MaxStake            int64 `yaml:"max_stake"`
		MilestoneExperience int   `yaml:"milestone_experience"`
	} `yaml:"protocol"`
	Treasury struct {
		BurnBP             int64 `yaml:"burn_bp"`
		RewardShareBP      int64 `yaml:"reward_share_bp"`
		InsuranceShareBP   int64 `yaml:"insurance_share_bp"`
		ValidatorShareBP   int64 `yaml:"validator_share_bp"`
		DevelopmentShareBP int64 `yaml:"development_share_bp"`
	} `yaml:"treasury"`
	Tiers []Tier `yaml:"tiers"`
	Committee struct {
		Bands              []CommitteeBand `yaml:"bands"`
		RoundDeadlineHours int             `yaml:"round_deadline_hours"`
	} `yaml:"committee"`
	Validators struct {
		MinStake           int64 `yaml:"min_stake"`
		BaseReward         int64 `yaml:"base_reward"`
		AccuracyBonusBP    int64 `yaml:"accuracy_bonus_bp"`
		InaccuracyShareBP  int64 `yaml:"inaccuracy_share_bp"`
		BaselineReputation int   `yaml:"baseline_reputation"`
		MinReputation      int   `yaml:"min_reputation"`
		MaxReputation      int   `yaml:"max_reputation"`
		ReputationStep     int   `yaml:"reputation_step"`
	} `yaml:"validators"`
	Admin struct {
		Actors []string `yaml:"actors"`
	} `yaml:"admin"`
	Ledger struct {
		FaucetAmount int64 `yaml:"faucet_amount"`
	} `yaml:"ledger"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// Tier is a stake bracket with a completion multiplier. MaxStake == 0 means
// the bracket is open-ended.
type Tier struct {
	Name         string `yaml:"name"`
	MinStake     int64  `yaml:"min_stake"`
	MaxStake     int64  `yaml:"max_stake"`
	MultiplierBP int64  `yaml:"multiplier_bp"`
}

// CommitteeBand maps a stake ceiling to a committee size. MaxStake == 0
// marks the open-ended band.
type CommitteeBand struct {
	MaxStake int64 `yaml:"max_stake"`
	Size     int   `yaml:"size"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the economics are exhaustive and well-ordered.
func (c *Config) Validate() error {
	if c.Protocol.MaxMilestones < 1 {
		return fmt.Errorf("config.protocol.max_milestones must be >= 1")
	}
	if c.Protocol.GraceWindowHours < 0 {
		return fmt.Errorf("config.protocol.grace_window_hours must be >= 0")
	}
	if c.Protocol.MaxStake < 1 {
		return fmt.Errorf("config.protocol.max_stake must be >= 1")
	}
	t := c.Treasury
	if t.BurnBP < 0 || t.BurnBP >= BPDenominator {
		return fmt.Errorf("config.treasury.burn_bp must be in [0,%d)", BPDenominator)
	}
	shares := t.RewardShareBP + t.InsuranceShareBP + t.ValidatorShareBP + t.DevelopmentShareBP
	if shares != BPDenominator {
		return fmt.Errorf("config.treasury pool shares must sum to %d bp, got %d", BPDenominator, shares)
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("config.tiers is required")
	}
	for i, tier := range c.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("config.tiers[%d] has empty name", i)
		}
		if tier.MultiplierBP < BPDenominator {
			return fmt.Errorf("tier %s multiplier %d bp is below principal", tier.Name, tier.MultiplierBP)
		}
		if tier.MaxStake != 0 && tier.MaxStake < tier.MinStake {
			return fmt.Errorf("tier %s has max_stake below min_stake", tier.Name)
		}
		if i > 0 {
			prev := c.Tiers[i-1]
			if prev.MaxStake == 0 {
				return fmt.Errorf("tier %s follows open-ended tier %s", tier.Name, prev.Name)
			}
			if tier.MinStake != prev.MaxStake+1 {
				return fmt.Errorf("tier %s does not start at %d", tier.Name, prev.MaxStake+1)
			}
		}
	}
	if c.Tiers[len(c.Tiers)-1].MaxStake != 0 {
		return fmt.Errorf("last tier must be open-ended (max_stake 0)")
	}
	if len(c.Committee.Bands) == 0 {
		return fmt.Errorf("config.committee.bands is required")
	}
	for i, band := range c.Committee.Bands {
		if band.Size < 1 || band.Size%2 == 0 {
			return fmt.Errorf("committee band %d size must be a positive odd number", i)
		}
		if i > 0 {
			prev := c.Committee.Bands[i-1]
			if prev.MaxStake == 0 {
				return fmt.Errorf("committee band %d follows open-ended band", i)
			}
			if band.MaxStake != 0 && band.MaxStake <= prev.MaxStake {
				return fmt.Errorf("committee bands must be strictly increasing")
			}
		}
	}
	if c.Committee.Bands[len(c.Committee.Bands)-1].MaxStake != 0 {
		return fmt.Errorf("last committee band must be open-ended (max_stake 0)")
	}
	if c.Committee.RoundDeadlineHours < 1 {
		return fmt.Errorf("config.committee.round_deadline_hours must be >= 1")
	}
	v := c.Validators
	if v.MinStake < 1 {
		return fmt.Errorf("config.validators.min_stake must be >= 1")
	}
	if v.BaseReward < 0 {
		return fmt.Errorf("config.validators.base_reward must be >= 0")
	}
	if v.InaccuracyShareBP < 0 || v.InaccuracyShareBP > BPDenominator {
		return fmt.Errorf("config.validators.inaccuracy_share_bp must be in [0,%d]", BPDenominator)
	}
	if v.MinReputation < 0 || v.MaxReputation <= v.MinReputation {
		return fmt.Errorf("config.validators reputation bounds are inverted")
	}
	if v.BaselineReputation < v.MinReputation || v.BaselineReputation > v.MaxReputation {
		return fmt.Errorf("config.validators.baseline_reputation outside [%d,%d]", v.MinReputation, v.MaxReputation)
	}
	if v.ReputationStep < 1 {
		return fmt.Errorf("config.validators.reputation_step must be >= 1")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stakeline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// IsAdmin reports whether the actor is on the operator allow-list.
func (c *Config) IsAdmin(actorID string) bool {
	for _, a := range c.Admin.Actors {
		if a == actorID {
			return true
		}
	}
	return false
}

const defaultTemplate = `protocol:
  max_milestones: 4
  grace_window_hours: 24
  max_stake: 1000000000
  milestone_experience: 25

treasury:
  burn_bp: 1000
  reward_share_bp: 6000
  insurance_share_bp: 2500
  validator_share_bp: 1000
  development_share_bp: 500

tiers:
  - name: bronze
    min_stake: 1
    max_stake: 499
    multiplier_bp: 11000
  - name: silver
    min_stake: 500
    max_stake: 4999
    multiplier_bp: 12500
  - name: gold
    min_stake: 5000
    max_stake: 0
    multiplier_bp: 15000

committee:
  bands:
    - max_stake: 499
      size: 3
    - max_stake: 4999
      size: 5
    - max_stake: 0
      size: 7
  round_deadline_hours: 72

validators:
  min_stake: 50
  base_reward: 100
  accuracy_bonus_bp: 2500
  inaccuracy_share_bp: 5000
  baseline_reputation: 100
  min_reputation: 50
  max_reputation: 200
  reputation_step: 10

admin:
  actors: [admin]

ledger:
  faucet_amount: 0
`
