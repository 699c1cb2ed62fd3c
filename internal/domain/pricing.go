package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds an amount to whole cents.
func RoundMoney(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(2)
}

// MinorUnits converts a currency amount to integer cents.
func MinorUnits(amount decimal.Decimal) int64 {
	return RoundMoney(amount).Shift(2).IntPart()
}

// FromMinorUnits converts integer cents to a currency amount.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// Percent returns pct/100 as a multiplier.
func Percent(pct decimal.Decimal) decimal.Decimal {
	return pct.Div(hundred)
}

// ShippingTier maps the half-open subtotal range [Min, Max) to a flat cost. A nil Max is unbounded.
type ShippingTier struct {
	Min     decimal.Decimal  `yaml:"min"`
	Max     *decimal.Decimal `yaml:"max,omitempty"`
	Cost    decimal.Decimal  `yaml:"cost"`
	Message string           `yaml:"message"`
}

// Contains reports whether subtotal falls within the tier.
func (t ShippingTier) Contains(subtotal decimal.Decimal) bool {
	if subtotal.LessThan(t.Min) {
		return false
	}
	return t.Max == nil || subtotal.LessThan(*t.Max)
}

// BundleDiscount grants DiscountPercentage once a cart holds at least ItemCount items.
type BundleDiscount struct {
	ItemCount          int             `yaml:"itemCount"`
	DiscountPercentage decimal.Decimal `yaml:"discountPercentage"`
}

// LoyaltyConfig controls SGCoin redemption discounts and earning.
type LoyaltyConfig struct {
	DiscountEnabled bool            `yaml:"discountEnabled"`
	DiscountPercent decimal.Decimal `yaml:"discountPercent"`
	RewardPerDollar decimal.Decimal `yaml:"rewardPerDollar"`
}

// PricingConfig is the static rate table injected into every calculator.
type PricingConfig struct {
	Loyalty         LoyaltyConfig    `yaml:"loyalty"`
	ShippingTiers   []ShippingTier   `yaml:"shippingTiers"`
	BundleDiscounts []BundleDiscount `yaml:"bundleDiscounts"`
	TaxRatePercent  decimal.Decimal  `yaml:"taxRatePercent"`
}

// DefaultPricingConfig returns the rates the storefront ships with.
func DefaultPricingConfig() PricingConfig {
	fifty := decimal.NewFromInt(50)
	hundredDollars := decimal.NewFromInt(100)
	return PricingConfig{
		Loyalty: LoyaltyConfig{
			DiscountEnabled: true,
			DiscountPercent: decimal.NewFromInt(10),
			RewardPerDollar: decimal.NewFromInt(1500),
		},
		ShippingTiers: []ShippingTier{
			{Min: decimal.Zero, Max: &fifty, Cost: decimal.RequireFromString("5.99"), Message: "Standard shipping"},
			{Min: fifty, Max: &hundredDollars, Cost: decimal.RequireFromString("2.99"), Message: "Reduced shipping"},
			{Min: hundredDollars, Cost: decimal.Zero, Message: "Free shipping"},
		},
		BundleDiscounts: []BundleDiscount{
			{ItemCount: 2, DiscountPercentage: decimal.NewFromInt(5)},
			{ItemCount: 3, DiscountPercentage: decimal.NewFromInt(10)},
			{ItemCount: 5, DiscountPercentage: decimal.NewFromInt(15)},
		},
		TaxRatePercent: decimal.Zero,
	}
}

// Validate checks the configuration once at load so calculators never see out-of-range rates.
func (c PricingConfig) Validate() error {
	var problems []string
	inRange := func(name string, pct decimal.Decimal) {
		if pct.IsNegative() || pct.GreaterThanOrEqual(hundred) {
			problems = append(problems, fmt.Sprintf("%s must be within [0,100), got %s", name, pct.String()))
		}
	}

	inRange("loyalty.discountPercent", c.Loyalty.DiscountPercent)
	if c.Loyalty.RewardPerDollar.IsNegative() {
		problems = append(problems, "loyalty.rewardPerDollar must not be negative")
	}
	inRange("taxRatePercent", c.TaxRatePercent)

	if len(c.ShippingTiers) == 0 {
		problems = append(problems, "shippingTiers must not be empty")
	}
	for i, tier := range c.ShippingTiers {
		if tier.Cost.IsNegative() {
			problems = append(problems, fmt.Sprintf("shippingTiers[%d].cost must not be negative", i))
		}
		if i == 0 && !tier.Min.IsZero() {
			problems = append(problems, "shippingTiers[0].min must be 0")
		}
		if tier.Max != nil && !tier.Max.GreaterThan(tier.Min) {
			problems = append(problems, fmt.Sprintf("shippingTiers[%d] max must exceed min", i))
		}
		last := i == len(c.ShippingTiers)-1
		switch {
		case last && tier.Max != nil:
			problems = append(problems, "last shipping tier must be unbounded")
		case !last && tier.Max == nil:
			problems = append(problems, fmt.Sprintf("shippingTiers[%d] must be bounded", i))
		case !last && !tier.Max.Equal(c.ShippingTiers[i+1].Min):
			problems = append(problems, fmt.Sprintf("shippingTiers[%d] leaves a gap or overlap before the next tier", i))
		}
	}

	for i, bundle := range c.BundleDiscounts {
		if bundle.ItemCount < 1 {
			problems = append(problems, fmt.Sprintf("bundleDiscounts[%d].itemCount must be positive", i))
		}
		inRange(fmt.Sprintf("bundleDiscounts[%d].discountPercentage", i), bundle.DiscountPercentage)
		if i > 0 && bundle.ItemCount <= c.BundleDiscounts[i-1].ItemCount {
			problems = append(problems, fmt.Sprintf("bundleDiscounts[%d] must be in ascending itemCount order", i))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid pricing config: %s", strings.Join(problems, "; "))
	}
	return nil
}
