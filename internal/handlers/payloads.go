package handlers

import (
	"sort"

	domain "github.com/sgwear/storefront/internal/domain"
	"github.com/sgwear/storefront/internal/services"
)

type productPayload struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Description    string              `json:"description,omitempty"`
	Price          string              `json:"price"`
	Category       string              `json:"category"`
	Sizes          []sizeStockPayload  `json:"sizes"`
	InStock        bool                `json:"inStock"`
	Featured       bool                `json:"featured"`
	LimitedEdition bool                `json:"limitedEdition"`
	ImageURLs      []string            `json:"imageUrls,omitempty"`
	DigitalTwin    *digitalTwinPayload `json:"digitalTwin,omitempty"`
}

type sizeStockPayload struct {
	Size      string `json:"size"`
	Available int    `json:"available"`
}

type digitalTwinPayload struct {
	Chain           string `json:"chain"`
	ContractAddress string `json:"contractAddress"`
	TokenID         string `json:"tokenId"`
}

func buildProductPayload(p domain.Product) productPayload {
	sizes := make([]sizeStockPayload, 0, len(p.Inventory))
	for size, qty := range p.Inventory {
		sizes = append(sizes, sizeStockPayload{Size: size, Available: qty})
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i].Size < sizes[j].Size })

	payload := productPayload{
		ID:             p.ID,
		Name:           p.Name,
		Description:    p.Description,
		Price:          formatMoney(p.Price),
		Category:       string(p.Category),
		Sizes:          sizes,
		InStock:        p.TotalStock() > 0,
		Featured:       p.Featured,
		LimitedEdition: p.LimitedEdition,
		ImageURLs:      p.ImageURLs,
	}
	if p.DigitalTwin != nil {
		payload.DigitalTwin = &digitalTwinPayload{
			Chain:           p.DigitalTwin.Chain,
			ContractAddress: p.DigitalTwin.ContractAddress,
			TokenID:         p.DigitalTwin.TokenID,
		}
	}
	return payload
}

type totalsPayload struct {
	Subtotal string `json:"subtotal"`
	Discount string `json:"discount"`
	Shipping string `json:"shipping"`
	Tax      string `json:"tax"`
	Total    string `json:"total"`
}

func buildTotalsPayload(t domain.OrderTotals) totalsPayload {
	return totalsPayload{
		Subtotal: formatMoney(t.Subtotal),
		Discount: formatMoney(t.Discount),
		Shipping: formatMoney(t.Shipping),
		Tax:      formatMoney(t.Tax),
		Total:    formatMoney(t.Total),
	}
}

type orderItemPayload struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
	LineTotal string `json:"lineTotal"`
}

type orderPayload struct {
	ID                    string             `json:"id"`
	Number                string             `json:"number"`
	UserID                string             `json:"userId,omitempty"`
	GuestEmail            string             `json:"guestEmail,omitempty"`
	Type                  string             `json:"type"`
	Items                 []orderItemPayload `json:"items"`
	Totals                totalsPayload      `json:"totals"`
	BundleDiscountPercent string             `json:"bundleDiscountPercent"`
	LoyaltyDiscount       string             `json:"loyaltyDiscount"`
	RewardUnits           int64              `json:"rewardUnits"`
	PaymentMethod         string             `json:"paymentMethod"`
	PaymentStatus         string             `json:"paymentStatus"`
	RefundedAmount        string             `json:"refundedAmount"`
	Notes                 string             `json:"notes,omitempty"`
	CreatedAt             string             `json:"createdAt"`
	PaidAt                *string            `json:"paidAt,omitempty"`
	RefundedAt            *string            `json:"refundedAt,omitempty"`
}

func buildOrderPayload(o domain.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, orderItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			Size:      item.Size,
			Quantity:  item.Quantity,
			UnitPrice: formatMoney(item.UnitPrice),
			LineTotal: formatMoney(item.LineTotal),
		})
	}
	return orderPayload{
		ID:                    o.ID,
		Number:                o.Number,
		UserID:                o.UserID,
		GuestEmail:            o.GuestEmail,
		Type:                  string(o.Type),
		Items:                 items,
		Totals:                buildTotalsPayload(o.Totals),
		BundleDiscountPercent: o.BundleDiscountPercent.String(),
		LoyaltyDiscount:       formatMoney(o.LoyaltyDiscount),
		RewardUnits:           o.RewardUnits,
		PaymentMethod:         string(o.PaymentMethod),
		PaymentStatus:         string(o.PaymentStatus),
		RefundedAmount:        formatMoney(o.RefundedAmount),
		Notes:                 o.Notes,
		CreatedAt:             formatTime(o.CreatedAt),
		PaidAt:                formatTimePtr(o.PaidAt),
		RefundedAt:            formatTimePtr(o.RefundedAt),
	}
}

type shippingProgressPayload struct {
	Message      string `json:"message"`
	Threshold    string `json:"threshold"`
	AmountNeeded string `json:"amountNeeded"`
	Progress     string `json:"progress"`
	NextCost     string `json:"nextCost"`
}

func buildShippingProgressPayload(p *services.ShippingProgress) *shippingProgressPayload {
	if p == nil {
		return nil
	}
	return &shippingProgressPayload{
		Message:      p.NextTier.Message,
		Threshold:    formatMoney(p.NextTier.Min),
		AmountNeeded: formatMoney(p.AmountNeeded),
		Progress:     p.Progress.StringFixed(0),
		NextCost:     formatMoney(p.NextTier.Cost),
	}
}

type quoteLinePayload struct {
	LineID    string `json:"lineId"`
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
	LineTotal string `json:"lineTotal"`
	Available int    `json:"available"`
}

type quotePayload struct {
	Lines                 []quoteLinePayload       `json:"lines"`
	ItemCount             int                      `json:"itemCount"`
	Subtotal              string                   `json:"subtotal"`
	BundleDiscount        string                   `json:"bundleDiscount"`
	BundleDiscountPercent string                   `json:"bundleDiscountPercent"`
	LoyaltyDiscount       string                   `json:"loyaltyDiscount"`
	Discount              string                   `json:"discount"`
	Shipping              string                   `json:"shipping"`
	ShippingMessage       string                   `json:"shippingMessage"`
	ShippingSavings       string                   `json:"shippingSavings"`
	NextShipping          *shippingProgressPayload `json:"nextShipping,omitempty"`
	Tax                   string                   `json:"tax"`
	Total                 string                   `json:"total"`
	RewardUnits           int64                    `json:"rewardUnits"`
	PaymentMethod         string                   `json:"paymentMethod"`
}

func buildQuotePayload(q services.CartQuote) quotePayload {
	lines := make([]quoteLinePayload, 0, len(q.Lines))
	for _, line := range q.Lines {
		lines = append(lines, quoteLinePayload{
			LineID:    line.LineID,
			ProductID: line.ProductID,
			Name:      line.Name,
			Size:      line.Size,
			Quantity:  line.Quantity,
			UnitPrice: formatMoney(line.UnitPrice),
			LineTotal: formatMoney(line.LineTotal),
			Available: line.Available,
		})
	}
	return quotePayload{
		Lines:                 lines,
		ItemCount:             q.ItemCount,
		Subtotal:              formatMoney(q.Subtotal),
		BundleDiscount:        formatMoney(q.BundleDiscount),
		BundleDiscountPercent: q.BundleDiscountPercent.String(),
		LoyaltyDiscount:       formatMoney(q.LoyaltyDiscount),
		Discount:              formatMoney(q.Discount),
		Shipping:              formatMoney(q.Shipping),
		ShippingMessage:       q.ShippingTier.Message,
		ShippingSavings:       formatMoney(q.ShippingSavings),
		NextShipping:          buildShippingProgressPayload(q.NextShipping),
		Tax:                   formatMoney(q.Tax),
		Total:                 formatMoney(q.Total),
		RewardUnits:           q.RewardUnits,
		PaymentMethod:         string(q.PaymentMethod),
	}
}

type refundDecisionPayload struct {
	Allowed     bool    `json:"allowed"`
	Reason      string  `json:"reason"`
	State       string  `json:"state"`
	MaxRefund   *string `json:"maxRefund,omitempty"`
	ExceptionID string  `json:"exceptionId,omitempty"`
}

func buildRefundDecisionPayload(d domain.RefundDecision) refundDecisionPayload {
	payload := refundDecisionPayload{
		Allowed:     d.Allowed,
		Reason:      d.Reason,
		State:       string(d.State),
		ExceptionID: d.ExceptionID,
	}
	if d.MaxRefund != nil {
		value := formatMoney(*d.MaxRefund)
		payload.MaxRefund = &value
	}
	return payload
}

type refundExceptionPayload struct {
	ID           string  `json:"id"`
	OrderID      string  `json:"orderId"`
	AdminID      string  `json:"adminId"`
	Reason       string  `json:"reason"`
	RefundAmount string  `json:"refundAmount"`
	Processed    bool    `json:"processed"`
	CreatedAt    string  `json:"createdAt"`
	ProcessedAt  *string `json:"processedAt,omitempty"`
}

func buildRefundExceptionPayload(e domain.RefundException) refundExceptionPayload {
	return refundExceptionPayload{
		ID:           e.ID,
		OrderID:      e.OrderID,
		AdminID:      e.AdminID,
		Reason:       e.Reason,
		RefundAmount: formatMoney(e.RefundAmount),
		Processed:    e.Processed,
		CreatedAt:    formatTime(e.CreatedAt),
		ProcessedAt:  formatTimePtr(e.ProcessedAt),
	}
}
