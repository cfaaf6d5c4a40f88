package pricing

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Tier is a threshold discount: reaching MinCount unlocks Percent.
type Tier struct {
	MinCount int     `yaml:"min_count" json:"min_count"`
	Percent  float64 `yaml:"percent" json:"percent"`
}

// Settings holds every configurable rate the calculator reads. Amounts are
// in the smallest currency unit.
type Settings struct {
	Currency           string           `yaml:"currency" json:"currency"`
	SiblingPercent     float64          `yaml:"sibling_percent" json:"sibling_percent"`
	TeamTiers          []Tier           `yaml:"team_tiers" json:"team_tiers"`
	MultiweekTiers     []Tier           `yaml:"multiweek_tiers" json:"multiweek_tiers"`
	ReferralAmount     int64            `yaml:"referral_amount" json:"referral_amount"`
	BundlePercent      float64          `yaml:"bundle_percent" json:"bundle_percent"`
	FeePercent         float64          `yaml:"processing_fee_percent" json:"processing_fee_percent"`
	FeeFixed           int64            `yaml:"processing_fee_fixed" json:"processing_fee_fixed"`
	AddOns             map[string]int64 `yaml:"add_ons" json:"add_ons"`
	PlatformFeePercent float64          `yaml:"platform_fee_percent" json:"platform_fee_percent"`

	Referral struct {
		MaxUses   int `yaml:"max_uses" json:"max_uses"`
		ValidDays int `yaml:"valid_days" json:"valid_days"`
	} `yaml:"referral" json:"referral"`
}

// DefaultSettings mirrors configs/pricing.yaml.
func DefaultSettings() *Settings {
	s := &Settings{
		Currency:       "usd",
		SiblingPercent: 10,
		TeamTiers: []Tier{
			{MinCount: 5, Percent: 10},
			{MinCount: 10, Percent: 15},
			{MinCount: 15, Percent: 20},
		},
		MultiweekTiers: []Tier{
			{MinCount: 2, Percent: 10},
			{MinCount: 3, Percent: 15},
			{MinCount: 4, Percent: 20},
		},
		ReferralAmount:     2500,
		BundlePercent:      15,
		FeePercent:         3,
		FeeFixed:           30,
		AddOns:             map[string]int64{"before_care": 6000, "after_care": 6000, "jersey": 2500},
		PlatformFeePercent: 25,
	}
	s.Referral.MaxUses = 10
	s.Referral.ValidDays = 365
	return s
}

// LoadSettings reads and validates a pricing YAML file.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var s Settings
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks ranges and normalizes tier order.
func (s *Settings) Validate() error {
	if s == nil {
		return fmt.Errorf("pricing settings are nil")
	}

	percents := map[string]float64{
		"sibling_percent":        s.SiblingPercent,
		"bundle_percent":         s.BundlePercent,
		"processing_fee_percent": s.FeePercent,
		"platform_fee_percent":   s.PlatformFeePercent,
	}
	for name, v := range percents {
		if v < 0 || v > 100 {
			return fmt.Errorf("%s must be within 0..100, got %v", name, v)
		}
	}

	if s.ReferralAmount < 0 || s.FeeFixed < 0 {
		return fmt.Errorf("referral_amount and processing_fee_fixed must not be negative")
	}

	for name, tiers := range map[string][]Tier{"team_tiers": s.TeamTiers, "multiweek_tiers": s.MultiweekTiers} {
		for _, t := range tiers {
			if t.MinCount < 1 {
				return fmt.Errorf("%s: min_count must be >= 1", name)
			}
			if t.Percent < 0 || t.Percent > 100 {
				return fmt.Errorf("%s: percent must be within 0..100", name)
			}
		}
	}

	for name, price := range s.AddOns {
		if price < 0 {
			return fmt.Errorf("add_ons.%s: price must not be negative", name)
		}
	}

	sort.Slice(s.TeamTiers, func(i, j int) bool { return s.TeamTiers[i].MinCount < s.TeamTiers[j].MinCount })
	sort.Slice(s.MultiweekTiers, func(i, j int) bool { return s.MultiweekTiers[i].MinCount < s.MultiweekTiers[j].MinCount })
	return nil
}

// highestTier returns the tier with the largest threshold that count reaches.
// Tiers never add up.
func highestTier(tiers []Tier, count int) (Tier, bool) {
	var best Tier
	found := false
	for _, t := range tiers {
		if count >= t.MinCount && (!found || t.MinCount > best.MinCount) {
			best = t
			found = true
		}
	}
	return best, found
}
