package services

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	domain "github.com/sgwear/storefront/internal/domain"
)

var hundredPercent = decimal.NewFromInt(100)

// ErrPricingConfigInvalid marks a rate table rejected at construction time.
var ErrPricingConfigInvalid = errors.New("pricing: invalid configuration")

// PriceCalculator derives SGCoin-discounted display and checkout prices.
type PriceCalculator struct{}

// NewPriceCalculator returns a stateless price calculator.
func NewPriceCalculator() PriceCalculator {
	return PriceCalculator{}
}

// DiscountedPrice returns basePrice reduced by discountPercent when enabled, rounded to cents.
// discountPercent must lie within [0,100); PricingConfig.Validate enforces this at load.
func (PriceCalculator) DiscountedPrice(basePrice decimal.Decimal, discountEnabled bool, discountPercent decimal.Decimal) decimal.Decimal {
	if !discountEnabled {
		return basePrice
	}
	factor := hundredPercent.Sub(discountPercent).Div(hundredPercent)
	return domain.RoundMoney(basePrice.Mul(factor))
}

// DiscountAmount is basePrice minus DiscountedPrice, so the two always sum back to basePrice.
func (c PriceCalculator) DiscountAmount(basePrice decimal.Decimal, discountEnabled bool, discountPercent decimal.Decimal) decimal.Decimal {
	return basePrice.Sub(c.DiscountedPrice(basePrice, discountEnabled, discountPercent))
}

// FormatPrice renders amount with exactly two decimals.
func (PriceCalculator) FormatPrice(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}

// ShippingProgress reports how far a subtotal is from the next shipping tier.
type ShippingProgress struct {
	AmountNeeded decimal.Decimal
	Progress     decimal.Decimal
	NextTier     domain.ShippingTier
}

// ShippingTierResolver maps a cart subtotal onto the configured step function.
type ShippingTierResolver struct {
	tiers []domain.ShippingTier
}

// NewShippingTierResolver validates that tiers partition [0, ∞) and returns a resolver.
func NewShippingTierResolver(tiers []domain.ShippingTier) (*ShippingTierResolver, error) {
	cfg := domain.PricingConfig{ShippingTiers: tiers}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPricingConfigInvalid, err)
	}
	copied := make([]domain.ShippingTier, len(tiers))
	copy(copied, tiers)
	return &ShippingTierResolver{tiers: copied}, nil
}

// Tiers returns a copy of the configured tiers.
func (r *ShippingTierResolver) Tiers() []domain.ShippingTier {
	out := make([]domain.ShippingTier, len(r.tiers))
	copy(out, r.tiers)
	return out
}

// TierFor returns the tier index and tier containing subtotal. Negative subtotals fall into the first tier.
func (r *ShippingTierResolver) TierFor(subtotal decimal.Decimal) (int, domain.ShippingTier) {
	for i, tier := range r.tiers {
		if tier.Contains(subtotal) {
			return i, tier
		}
	}
	return 0, r.tiers[0]
}

// CostForSubtotal returns the shipping cost of the tier containing subtotal.
func (r *ShippingTierResolver) CostForSubtotal(subtotal decimal.Decimal) decimal.Decimal {
	_, tier := r.TierFor(subtotal)
	return tier.Cost
}

// NextThreshold returns nil once subtotal reaches the final tier.
func (r *ShippingTierResolver) NextThreshold(subtotal decimal.Decimal) *ShippingProgress {
	idx, _ := r.TierFor(subtotal)
	if idx >= len(r.tiers)-1 {
		return nil
	}
	next := r.tiers[idx+1]

	needed := next.Min.Sub(subtotal)
	if needed.IsNegative() {
		needed = decimal.Zero
	}
	progress := hundredPercent
	if next.Min.IsPositive() {
		progress = decimal.Min(hundredPercent, subtotal.Div(next.Min).Mul(hundredPercent))
	}
	if progress.IsNegative() {
		progress = decimal.Zero
	}
	return &ShippingProgress{
		AmountNeeded: domain.RoundMoney(needed),
		Progress:     progress.Round(2),
		NextTier:     next,
	}
}

// BundleQuote is the outcome of applying a volume discount.
type BundleQuote struct {
	OriginalPrice      decimal.Decimal
	DiscountedPrice    decimal.Decimal
	Savings            decimal.Decimal
	DiscountPercentage decimal.Decimal
}

// BundleDiscountCalculator applies item-count volume discounts.
type BundleDiscountCalculator struct {
	thresholds []domain.BundleDiscount
}

// NewBundleDiscountCalculator validates and stores the threshold table.
func NewBundleDiscountCalculator(thresholds []domain.BundleDiscount) (*BundleDiscountCalculator, error) {
	cfg := domain.PricingConfig{
		ShippingTiers:   []domain.ShippingTier{{Min: decimal.Zero}},
		BundleDiscounts: thresholds,
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPricingConfigInvalid, err)
	}
	copied := make([]domain.BundleDiscount, len(thresholds))
	copy(copied, thresholds)
	return &BundleDiscountCalculator{thresholds: copied}, nil
}

// DiscountFor picks, among the thresholds satisfied by itemCount, the one with the highest
// percentage. Tables need not be monotonic; the earliest entry wins a tie.
func (c *BundleDiscountCalculator) DiscountFor(itemCount int) (domain.BundleDiscount, bool) {
	var (
		best  domain.BundleDiscount
		found bool
	)
	for _, threshold := range c.thresholds {
		if threshold.ItemCount > itemCount {
			continue
		}
		if !found || threshold.DiscountPercentage.GreaterThan(best.DiscountPercentage) {
			best = threshold
			found = true
		}
	}
	return best, found
}

// ApplyDiscount discounts totalPrice by the bundle percentage for itemCount.
func (c *BundleDiscountCalculator) ApplyDiscount(totalPrice decimal.Decimal, itemCount int) BundleQuote {
	quote := BundleQuote{
		OriginalPrice:      totalPrice,
		DiscountedPrice:    totalPrice,
		Savings:            decimal.Zero,
		DiscountPercentage: decimal.Zero,
	}
	threshold, ok := c.DiscountFor(itemCount)
	if !ok {
		return quote
	}
	savings := domain.RoundMoney(totalPrice.Mul(domain.Percent(threshold.DiscountPercentage)))
	quote.Savings = savings
	quote.DiscountedPrice = totalPrice.Sub(savings)
	quote.DiscountPercentage = threshold.DiscountPercentage
	return quote
}

// RewardEstimator converts final order totals into SGCoin units.
type RewardEstimator struct {
	rate decimal.Decimal
}

// NewRewardEstimator returns an estimator using ratePerDollar units per currency unit.
func NewRewardEstimator(ratePerDollar decimal.Decimal) (*RewardEstimator, error) {
	if ratePerDollar.IsNegative() {
		return nil, fmt.Errorf("%w: reward rate must not be negative", ErrPricingConfigInvalid)
	}
	return &RewardEstimator{rate: ratePerDollar}, nil
}

// Reward returns floor(orderTotal × ratePerDollar). Fractional units are never issued.
func Reward(orderTotal, ratePerDollar decimal.Decimal) int64 {
	units := orderTotal.Mul(ratePerDollar).Floor()
	if units.IsNegative() {
		return 0
	}
	return units.IntPart()
}

// Estimate applies the configured rate to a final order total.
func (e *RewardEstimator) Estimate(orderTotal decimal.Decimal) int64 {
	return Reward(orderTotal, e.rate)
}

// Rate returns the configured units per currency unit.
func (e *RewardEstimator) Rate() decimal.Decimal {
	return e.rate
}
