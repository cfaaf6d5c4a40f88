package pricing

import (
	"errors"
	"fmt"
	"math"
	"time"

	"ptp/internal/model"
)

var ErrInvalidCart = errors.New("invalid cart")

type LineItem struct {
	Kind      model.ItemKind `json:"kind"`
	CamperKey string         `json:"camper_key"`
	BasePrice int64          `json:"base_price"`
	AddOns    []string       `json:"add_ons,omitempty"`
}

type Cart struct {
	Items               []LineItem `json:"items"`
	HasCampProducts     bool       `json:"has_camp_products"`
	HasTrainingProducts bool       `json:"has_training_products"`
}

type LineTotal struct {
	BasePrice  int64 `json:"base_price"`
	AddOnTotal int64 `json:"add_on_total"`
	Sibling    int64 `json:"sibling"`
	Team       int64 `json:"team"`
	Multiweek  int64 `json:"multiweek"`
	Discount   int64 `json:"discount"`
	Total      int64 `json:"total"`
}

type Totals struct {
	Subtotal           int64       `json:"subtotal"`
	SiblingDiscount    int64       `json:"sibling_discount"`
	TeamDiscount       int64       `json:"team_discount"`
	TeamPercent        float64     `json:"team_percent"`
	MultiweekDiscount  int64       `json:"multiweek_discount"`
	ReferralDiscount   int64       `json:"referral_discount"`
	ReferralApplied    bool        `json:"referral_applied"`
	BundleDiscount     int64       `json:"bundle_discount"`
	BundleApplied      bool        `json:"bundle_applied"`
	DiscountTotal      int64       `json:"discount_total"`
	DiscountedSubtotal int64       `json:"discounted_subtotal"`
	ProcessingFee      int64       `json:"processing_fee"`
	Total              int64       `json:"total"`
	Currency           string      `json:"currency"`
	Lines              []LineTotal `json:"lines"`
}

// Calculate computes the order breakdown. Discounts are applied in a fixed
// order: sibling, team, multiweek, referral, bundle, then the processing fee.
// The result depends only on the arguments.
func Calculate(s *Settings, cart Cart, referral *model.ReferralCode, now time.Time) (Totals, error) {
	if s == nil {
		return Totals{}, fmt.Errorf("%w: pricing settings are required", ErrInvalidCart)
	}

	t := Totals{Currency: s.Currency, Lines: make([]LineTotal, len(cart.Items))}
	hasCamp := cart.HasCampProducts
	hasTraining := cart.HasTrainingProducts

	for i, it := range cart.Items {
		if it.BasePrice < 0 {
			return Totals{}, fmt.Errorf("%w: item %d has a negative price", ErrInvalidCart, i)
		}
		switch it.Kind {
		case model.ItemKindCamp:
			hasCamp = true
		case model.ItemKindTraining:
			hasTraining = true
		default:
			return Totals{}, fmt.Errorf("%w: item %d has unknown kind %q", ErrInvalidCart, i, it.Kind)
		}

		var addOns int64
		for _, name := range it.AddOns {
			price, ok := s.AddOns[name]
			if !ok {
				return Totals{}, fmt.Errorf("%w: item %d has unknown add-on %q", ErrInvalidCart, i, name)
			}
			addOns += price
		}

		t.Lines[i] = LineTotal{BasePrice: it.BasePrice, AddOnTotal: addOns}
		t.Subtotal += it.BasePrice + addOns
	}

	// Sibling: every camp item after the first.
	firstCamp := true
	campers := make(map[string]int)
	for i, it := range cart.Items {
		if it.Kind != model.ItemKindCamp {
			continue
		}
		campers[camperKey(it, i)]++
		if firstCamp {
			firstCamp = false
			continue
		}
		t.Lines[i].Sibling = percentOf(it.BasePrice, s.SiblingPercent)
		t.SiblingDiscount += t.Lines[i].Sibling
	}

	// Team: highest tier reached by headcount, on post-sibling camp amounts.
	if tier, ok := highestTier(s.TeamTiers, len(campers)); ok {
		t.TeamPercent = tier.Percent
		for i, it := range cart.Items {
			if it.Kind != model.ItemKindCamp {
				continue
			}
			t.Lines[i].Team = percentOf(it.BasePrice-t.Lines[i].Sibling, tier.Percent)
			t.TeamDiscount += t.Lines[i].Team
		}
	}

	// Multiweek: per camper, highest tier reached by that camper's weeks.
	for i, it := range cart.Items {
		if it.Kind != model.ItemKindCamp {
			continue
		}
		tier, ok := highestTier(s.MultiweekTiers, campers[camperKey(it, i)])
		if !ok {
			continue
		}
		// Team and multiweek never take a line below zero together.
		t.Lines[i].Multiweek = min(percentOf(it.BasePrice-t.Lines[i].Sibling, tier.Percent),
			it.BasePrice-t.Lines[i].Sibling-t.Lines[i].Team)
		t.MultiweekDiscount += t.Lines[i].Multiweek
	}

	for i := range t.Lines {
		l := &t.Lines[i]
		l.Discount = l.Sibling + l.Team + l.Multiweek
		l.Total = l.BasePrice + l.AddOnTotal - l.Discount
	}

	running := t.Subtotal - t.SiblingDiscount - t.TeamDiscount - t.MultiweekDiscount

	if referral.IsUsable(now) {
		amount := referral.DiscountAmount
		if amount <= 0 {
			amount = s.ReferralAmount
		}
		t.ReferralDiscount = min(amount, max(running, 0))
		t.ReferralApplied = true
		running -= t.ReferralDiscount
	}

	if hasCamp && hasTraining {
		t.BundleDiscount = percentOf(running, s.BundlePercent)
		t.BundleApplied = true
		running -= t.BundleDiscount
	}

	t.DiscountTotal = t.SiblingDiscount + t.TeamDiscount + t.MultiweekDiscount + t.ReferralDiscount + t.BundleDiscount
	t.DiscountedSubtotal = max(running, 0)

	if t.DiscountedSubtotal > 0 {
		t.ProcessingFee = percentOf(t.DiscountedSubtotal, s.FeePercent) + s.FeeFixed
	}
	t.Total = t.DiscountedSubtotal + t.ProcessingFee

	return t, nil
}

// Items without a camper key count as distinct campers.
func camperKey(it LineItem, idx int) string {
	if it.CamperKey != "" {
		return it.CamperKey
	}
	return fmt.Sprintf("#%d", idx)
}

func percentOf(amount int64, percent float64) int64 {
	if amount <= 0 || percent <= 0 {
		return 0
	}
	return int64(math.Round(float64(amount) * percent / 100))
}
