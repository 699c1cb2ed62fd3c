package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/sgwear/storefront/internal/domain"
	"github.com/sgwear/storefront/internal/repositories"
)

const maxQuoteLines = 50

var (
	// ErrQuoteInvalidInput marks carts that cannot be priced as submitted.
	ErrQuoteInvalidInput = errors.New("quote: invalid input")
	// ErrQuoteUnavailable marks catalog lookups that failed.
	ErrQuoteUnavailable = errors.New("quote: catalog unavailable")
)

// CartQuoteServiceDeps bundles collaborators for cart pricing.
type CartQuoteServiceDeps struct {
	Products repositories.ProductRepository
	Pricing  domain.PricingConfig
	Logger   Logger
}

type cartQuoteService struct {
	products repositories.ProductRepository
	loyalty  domain.LoyaltyConfig
	taxRate  decimal.Decimal
	prices   PriceCalculator
	shipping *ShippingTierResolver
	bundles  *BundleDiscountCalculator
	rewards  *RewardEstimator
	logger   Logger
}

var _ CartQuoteService = (*cartQuoteService)(nil)

// NewCartQuoteService validates the pricing table and builds the calculators it drives.
func NewCartQuoteService(deps CartQuoteServiceDeps) (CartQuoteService, error) {
	if deps.Products == nil {
		return nil, errors.New("cart quote service: product repository is required")
	}
	if err := deps.Pricing.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPricingConfigInvalid, err)
	}
	shipping, err := NewShippingTierResolver(deps.Pricing.ShippingTiers)
	if err != nil {
		return nil, err
	}
	bundles, err := NewBundleDiscountCalculator(deps.Pricing.BundleDiscounts)
	if err != nil {
		return nil, err
	}
	rewards, err := NewRewardEstimator(deps.Pricing.Loyalty.RewardPerDollar)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &cartQuoteService{
		products: deps.Products,
		loyalty:  deps.Pricing.Loyalty,
		taxRate:  deps.Pricing.TaxRatePercent,
		prices:   NewPriceCalculator(),
		shipping: shipping,
		bundles:  bundles,
		rewards:  rewards,
		logger:   logger,
	}, nil
}

func (s *cartQuoteService) Quote(ctx context.Context, req QuoteRequest) (CartQuote, error) {
	method, err := normalizePaymentMethod(req.PaymentMethod)
	if err != nil {
		return CartQuote{}, err
	}
	items, err := normalizeCartItems(req.Items)
	if err != nil {
		return CartQuote{}, err
	}

	ids := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	products, err := s.products.GetMany(ctx, ids)
	if err != nil {
		s.logger(ctx, "quote.products.failed", map[string]any{"productCount": len(ids), "error": err})
		return CartQuote{}, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}

	quote := CartQuote{
		Lines:         make([]QuoteLine, 0, len(items)),
		Subtotal:      decimal.Zero,
		PaymentMethod: method,
	}
	for _, item := range items {
		product, ok := products[item.ProductID]
		if !ok || !product.Purchasable() {
			return CartQuote{}, fmt.Errorf("%w: product %s is not available", ErrQuoteInvalidInput, item.ProductID)
		}
		available, ok := product.StockFor(item.Size)
		if !ok {
			return CartQuote{}, fmt.Errorf("%w: product %s has no size %q", ErrQuoteInvalidInput, item.ProductID, item.Size)
		}
		lineTotal := domain.RoundMoney(product.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
		quote.Lines = append(quote.Lines, QuoteLine{
			LineID:    item.LineID,
			ProductID: product.ID,
			Name:      product.Name,
			Size:      item.Size,
			Quantity:  item.Quantity,
			UnitPrice: product.Price,
			LineTotal: lineTotal,
			Available: available,
		})
		quote.ItemCount += item.Quantity
		quote.Subtotal = quote.Subtotal.Add(lineTotal)
	}

	s.price(&quote)
	return quote, nil
}

// price fills every derived amount of quote from its subtotal, item count and payment method.
func (s *cartQuoteService) price(quote *CartQuote) {
	bundle := s.bundles.ApplyDiscount(quote.Subtotal, quote.ItemCount)
	quote.BundleDiscount = bundle.Savings
	quote.BundleDiscountPercent = bundle.DiscountPercentage

	loyaltyOn := s.loyalty.DiscountEnabled && quote.PaymentMethod == domain.PaymentMethodCrypto
	quote.LoyaltyDiscount = s.prices.DiscountAmount(bundle.DiscountedPrice, loyaltyOn, s.loyalty.DiscountPercent)
	quote.Discount = quote.BundleDiscount.Add(quote.LoyaltyDiscount)

	merchandise := quote.Subtotal.Sub(quote.Discount)
	tierIndex, tier := s.shipping.TierFor(merchandise)
	quote.ShippingTier = tier
	quote.Shipping = tier.Cost
	quote.NextShipping = s.shipping.NextThreshold(merchandise)
	quote.ShippingSavings = decimal.Zero
	if tierIndex > 0 {
		quote.ShippingSavings = decimal.Max(decimal.Zero, s.shipping.Tiers()[0].Cost.Sub(tier.Cost))
	}

	quote.Tax = domain.RoundMoney(merchandise.Mul(domain.Percent(s.taxRate)))
	totals := domain.NewOrderTotals(quote.Subtotal, quote.Tax, quote.Discount, quote.Shipping)
	quote.Total = totals.Total
	quote.RewardUnits = s.rewards.Estimate(quote.Total)
}

func (s *cartQuoteService) ShippingProgress(subtotal decimal.Decimal) (ShippingProgressView, error) {
	if subtotal.IsNegative() {
		return ShippingProgressView{}, fmt.Errorf("%w: subtotal must not be negative", ErrQuoteInvalidInput)
	}
	_, tier := s.shipping.TierFor(subtotal)
	return ShippingProgressView{
		Subtotal: subtotal,
		Cost:     tier.Cost,
		Tier:     tier,
		Next:     s.shipping.NextThreshold(subtotal),
	}, nil
}

func (s *cartQuoteService) DisplayPrice(amount decimal.Decimal, method domain.PaymentMethod) (PriceView, error) {
	if amount.IsNegative() {
		return PriceView{}, fmt.Errorf("%w: amount must not be negative", ErrQuoteInvalidInput)
	}
	method, err := normalizePaymentMethod(method)
	if err != nil {
		return PriceView{}, err
	}
	applied := s.loyalty.DiscountEnabled && method == domain.PaymentMethodCrypto && s.loyalty.DiscountPercent.IsPositive()
	price := s.prices.DiscountedPrice(amount, applied, s.loyalty.DiscountPercent)
	return PriceView{
		BasePrice:       amount,
		Price:           price,
		Discount:        amount.Sub(price),
		DiscountApplied: applied,
		Formatted:       s.prices.FormatPrice(price),
		FormattedBase:   s.prices.FormatPrice(amount),
	}, nil
}

// normalizePaymentMethod defaults a blank method to card.
func normalizePaymentMethod(method domain.PaymentMethod) (domain.PaymentMethod, error) {
	method = domain.PaymentMethod(strings.ToLower(strings.TrimSpace(string(method))))
	if method == "" {
		return domain.PaymentMethodCard, nil
	}
	if !method.Valid() {
		return "", fmt.Errorf("%w: unsupported payment method %q", ErrQuoteInvalidInput, method)
	}
	return method, nil
}

// normalizeCartItems trims identifiers, assigns line ids and merges repeated product/size lines.
func normalizeCartItems(items []domain.CartItem) ([]domain.CartItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", ErrQuoteInvalidInput)
	}
	if len(items) > maxQuoteLines {
		return nil, fmt.Errorf("%w: cart exceeds %d lines", ErrQuoteInvalidInput, maxQuoteLines)
	}
	out := make([]domain.CartItem, 0, len(items))
	index := make(map[string]int, len(items))
	for i, item := range items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		item.Size = strings.TrimSpace(item.Size)
		if item.ProductID == "" {
			return nil, fmt.Errorf("%w: items[%d].productId is required", ErrQuoteInvalidInput, i)
		}
		if item.Size == "" {
			return nil, fmt.Errorf("%w: items[%d].size is required", ErrQuoteInvalidInput, i)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: items[%d].quantity must be positive", ErrQuoteInvalidInput, i)
		}
		key := item.ProductID + ":" + item.Size
		if pos, ok := index[key]; ok {
			out[pos].Quantity += item.Quantity
			continue
		}
		if strings.TrimSpace(item.LineID) == "" {
			item.LineID = key
		}
		index[key] = len(out)
		out = append(out, item)
	}
	return out, nil
}
