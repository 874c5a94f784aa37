package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is an optional YAML overlay for gate thresholds and proposal
// defaults, so a deployment can tune policy without code changes.
type Profile struct {
	Name           string        `yaml:"name"`
	PrimaryVenue   string        `yaml:"primary_venue"`
	SecondaryVenue string        `yaml:"secondary_venue"`
	TradeNotional  float64       `yaml:"trade_notional_usd"`
	Gates          GateOverrides `yaml:"gates"`
}

// GateOverrides mirrors GateThresholds with optional fields. Pointers
// distinguish "not set" from an explicit zero, which ExpiredMax30d needs.
type GateOverrides struct {
	SeenMin7d       *int `yaml:"seen_min_7d"`
	SeenDaysMin7d   *int `yaml:"seen_days_min_7d"`
	ConfirmedMin30d *int `yaml:"confirmed_min_30d"`
	ExpiredMax30d   *int `yaml:"expired_max_30d"`
	FreshnessDays   *int `yaml:"freshness_days"`
}

// LoadProfile reads a profile YAML file and applies it over cfg.
// Absent fields in the profile leave the corresponding field untouched.
func LoadProfile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load profile %q: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse profile %q: %w", path, err)
	}

	if p.PrimaryVenue != "" {
		cfg.PrimaryVenue = p.PrimaryVenue
	}
	if p.SecondaryVenue != "" {
		cfg.SecondaryVenue = p.SecondaryVenue
	}
	if p.TradeNotional > 0 {
		cfg.DefaultTradeNotionalUSD = p.TradeNotional
	}
	if p.Gates.SeenMin7d != nil {
		cfg.Gates.SeenMin7d = *p.Gates.SeenMin7d
	}
	if p.Gates.SeenDaysMin7d != nil {
		cfg.Gates.SeenDaysMin7d = *p.Gates.SeenDaysMin7d
	}
	if p.Gates.ConfirmedMin30d != nil {
		cfg.Gates.ConfirmedMin30d = *p.Gates.ConfirmedMin30d
	}
	if p.Gates.ExpiredMax30d != nil {
		cfg.Gates.ExpiredMax30d = *p.Gates.ExpiredMax30d
	}
	if p.Gates.FreshnessDays != nil {
		cfg.Gates.FreshnessDays = *p.Gates.FreshnessDays
	}
	return nil
}
