// Package config loads the loyalty economy configuration. The YAML file is
// the single canonical definition of the tier table, earning amounts, reward
// catalog and referral economy; server settings come from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/ledger"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/reward"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/tier"
	"github.com/sorianoseguros/loyalty-engine/internal/app/services/referrals"
)

// TierConfig defines one loyalty rank. MaxPoints is exclusive and omitted
// (zero) for the top rank.
type TierConfig struct {
	Name         string   `yaml:"name"`
	MinPoints    int64    `yaml:"min_points"`
	MaxPoints    int64    `yaml:"max_points"`
	Multiplier   float64  `yaml:"multiplier"`
	Capabilities []string `yaml:"capabilities"`
}

// RewardConfig seeds one reward catalog entry.
type RewardConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	PointsCost  int64  `yaml:"points_cost"`
	MinTier     string `yaml:"min_tier"`
	Available   bool   `yaml:"available"`
}

// ReferralConfig tunes the referral economy.
type ReferralConfig struct {
	PayoutRegistered       int64   `yaml:"payout_registered"`
	PayoutProfileCompleted int64   `yaml:"payout_profile_completed"`
	PayoutConverted        int64   `yaml:"payout_converted"`
	MarginPercent          float64 `yaml:"margin_percent"`
	TTLDays                int     `yaml:"ttl_days"`
	SweepSchedule          string  `yaml:"sweep_schedule"`
}

// Config is the loyalty economy configuration.
type Config struct {
	Tiers    []TierConfig     `yaml:"tiers"`
	Earnings map[string]int64 `yaml:"earnings"`
	Rewards  []RewardConfig   `yaml:"rewards"`
	Referral ReferralConfig   `yaml:"referral"`
}

// Default returns the built-in Soriano Club economy.
func Default() *Config {
	return &Config{
		Tiers: []TierConfig{
			{Name: "BRONCE", MinPoints: 0, MaxPoints: 1000, Multiplier: 1.0,
				Capabilities: []string{"quiz", "referrals"}},
			{Name: "PLATA", MinPoints: 1000, MaxPoints: 5000, Multiplier: 1.1,
				Capabilities: []string{"priority_support"}},
			{Name: "ORO", MinPoints: 5000, MaxPoints: 15000, Multiplier: 1.25,
				Capabilities: []string{"exclusive_rewards", "annual_review"}},
			{Name: "PLATINO", MinPoints: 15000, Multiplier: 1.5,
				Capabilities: []string{"personal_agent"}},
		},
		Earnings: map[string]int64{
			string(ledger.ReasonPolicyBought):     500,
			string(ledger.ReasonPolicyRenewed):    300,
			string(ledger.ReasonQuizCompleted):    50,
			string(ledger.ReasonProfileCompleted): 100,
			string(ledger.ReasonLoginStreak):      10,
		},
		Rewards: []RewardConfig{
			{ID: "gift-card-25", Name: "Tarjeta regalo 25€", PointsCost: 1000, Available: true},
			{ID: "premium-discount", Name: "Descuento en prima 5%", PointsCost: 2500, MinTier: "PLATA", Available: true},
			{ID: "home-checkup", Name: "Revisión del hogar gratuita", PointsCost: 5000, MinTier: "ORO", Available: true},
		},
		Referral: ReferralConfig{
			PayoutRegistered:       100,
			PayoutProfileCompleted: 150,
			PayoutConverted:        500,
			MarginPercent:          5,
			TTLDays:                90,
			SweepSchedule:          "@every 1m",
		},
	}
}

// Load reads and validates the configuration file. An empty path returns the
// default configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the economy for internal consistency.
func (c *Config) Validate() error {
	if _, err := c.TierTable(); err != nil {
		return err
	}
	for name, amount := range c.Earnings {
		if !ledger.Reason(name).Earning() {
			return fmt.Errorf("earnings: %q is not an earning reason", name)
		}
		if amount <= 0 {
			return fmt.Errorf("earnings: %s must be positive, got %d", name, amount)
		}
	}
	for _, rw := range c.Rewards {
		if rw.ID == "" || rw.Name == "" {
			return fmt.Errorf("rewards: id and name are required")
		}
		if rw.PointsCost <= 0 {
			return fmt.Errorf("reward %s: points cost must be positive", rw.ID)
		}
	}
	if c.Referral.MarginPercent < 0 || c.Referral.MarginPercent > 100 {
		return fmt.Errorf("referral: margin percent must be between 0 and 100")
	}
	if c.Referral.PayoutRegistered <= 0 || c.Referral.PayoutProfileCompleted <= 0 || c.Referral.PayoutConverted <= 0 {
		return fmt.Errorf("referral: stage payouts must be positive")
	}
	return nil
}

// TierTable builds the canonical tier table.
func (c *Config) TierTable() (*tier.Table, error) {
	tiers := make([]tier.Tier, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		tiers = append(tiers, tier.Tier{
			Name:              t.Name,
			MinPoints:         t.MinPoints,
			MaxPoints:         t.MaxPoints,
			BenefitMultiplier: t.Multiplier,
		})
	}
	return tier.NewTable(tiers)
}

// Grants returns the per-tier capability grants for the feature gate.
func (c *Config) Grants() map[string][]string {
	grants := make(map[string][]string, len(c.Tiers))
	for _, t := range c.Tiers {
		grants[t.Name] = t.Capabilities
	}
	return grants
}

// RewardSeed returns the catalog entries to seed into the store.
func (c *Config) RewardSeed() []reward.Reward {
	out := make([]reward.Reward, 0, len(c.Rewards))
	for _, rw := range c.Rewards {
		out = append(out, reward.Reward{
			ID:          rw.ID,
			Name:        rw.Name,
			Description: rw.Description,
			PointsCost:  rw.PointsCost,
			MinTier:     rw.MinTier,
			Available:   rw.Available,
		})
	}
	return out
}

// ReferralSettings converts the referral section for the referrals service.
func (c *Config) ReferralSettings() referrals.Config {
	return referrals.Config{
		PayoutRegistered:       c.Referral.PayoutRegistered,
		PayoutProfileCompleted: c.Referral.PayoutProfileCompleted,
		PayoutConverted:        c.Referral.PayoutConverted,
		MarginPercent:          c.Referral.MarginPercent,
		TTL:                    time.Duration(c.Referral.TTLDays) * 24 * time.Hour,
	}
}

// EarningAmount returns the configured default points for an earning reason.
func (c *Config) EarningAmount(reason ledger.Reason) (int64, bool) {
	amount, ok := c.Earnings[string(reason)]
	return amount, ok
}

// Server holds process-level settings taken from the environment.
type Server struct {
	Addr               string `env:"LOYALTY_ADDR,default=:8080"`
	DatabaseURL        string `env:"LOYALTY_DATABASE_URL"`
	ConfigPath         string `env:"LOYALTY_CONFIG"`
	LogLevel           string `env:"LOYALTY_LOG_LEVEL,default=info"`
	RateLimitPerSecond int    `env:"LOYALTY_RATE_LIMIT,default=25"`
	RateLimitBurst     int    `env:"LOYALTY_RATE_BURST,default=50"`
}

// LoadServer decodes server settings from the environment.
func LoadServer() (Server, error) {
	var s Server
	if err := envdecode.Decode(&s); err != nil {
		return Server{}, fmt.Errorf("decode server settings: %w", err)
	}
	return s, nil
}
