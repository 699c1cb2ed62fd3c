package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	domain "github.com/sgwear/storefront/internal/domain"
	"github.com/sgwear/storefront/internal/platform/events"
	"github.com/sgwear/storefront/internal/platform/storeerr"
	"github.com/sgwear/storefront/internal/repositories"
)

var errBackendDown = storeerr.New("test", storeerr.KindUnavailable, errors.New("connection refused"))

func notFound(op string) error {
	return storeerr.New(op, storeerr.KindNotFound, errors.New("not found"))
}

type memoryConsents struct {
	mu      sync.Mutex
	byOrder map[string]domain.ConsentRecord
	err     error
}

func newMemoryConsents() *memoryConsents {
	return &memoryConsents{byOrder: map[string]domain.ConsentRecord{}}
}

func (m *memoryConsents) Insert(_ context.Context, record domain.ConsentRecord) (domain.ConsentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.ConsentRecord{}, m.err
	}
	if _, ok := m.byOrder[record.OrderID]; ok {
		return domain.ConsentRecord{}, storeerr.New("consent.insert", storeerr.KindConflict, errors.New("duplicate"))
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	m.byOrder[record.OrderID] = record
	return record, nil
}

func (m *memoryConsents) GetByOrder(_ context.Context, orderID string) (domain.ConsentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.ConsentRecord{}, m.err
	}
	record, ok := m.byOrder[orderID]
	if !ok {
		return domain.ConsentRecord{}, notFound("consent.get")
	}
	return record, nil
}

func (m *memoryConsents) ListCreatedBetween(_ context.Context, from, to time.Time) ([]domain.ConsentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.ConsentRecord
	for _, record := range m.byOrder {
		if !record.CreatedAt.Before(from) && record.CreatedAt.Before(to) {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryConsents) Ping(context.Context) error { return m.err }

type memoryExceptions struct {
	mu      sync.Mutex
	items   []domain.RefundException
	err     error
	markErr error
}

func (m *memoryExceptions) Insert(_ context.Context, ex domain.RefundException) (domain.RefundException, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.RefundException{}, m.err
	}
	for _, existing := range m.items {
		if existing.OrderID == ex.OrderID && existing.AdminID == ex.AdminID && existing.CreatedAt.Equal(ex.CreatedAt) {
			return domain.RefundException{}, storeerr.New("exceptions.insert", storeerr.KindConflict, errors.New("duplicate"))
		}
	}
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	m.items = append(m.items, ex)
	return ex, nil
}

func (m *memoryExceptions) Get(_ context.Context, id string) (domain.RefundException, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.items {
		if ex.ID == id {
			return ex, nil
		}
	}
	return domain.RefundException{}, notFound("exceptions.get")
}

func (m *memoryExceptions) ListByOrder(_ context.Context, orderID string) ([]domain.RefundException, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.RefundException
	for _, ex := range m.items {
		if ex.OrderID == orderID {
			out = append(out, ex)
		}
	}
	return out, nil
}

func (m *memoryExceptions) MarkProcessed(_ context.Context, id string, at time.Time) (domain.RefundException, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.RefundException{}, false, m.err
	}
	if m.markErr != nil {
		return domain.RefundException{}, false, m.markErr
	}
	for i, ex := range m.items {
		if ex.ID != id {
			continue
		}
		if ex.Processed {
			return ex, true, nil
		}
		ex.Processed = true
		ex.ProcessedAt = &at
		m.items[i] = ex
		return ex, false, nil
	}
	return domain.RefundException{}, false, notFound("exceptions.mark_processed")
}

func (m *memoryExceptions) Reopen(_ context.Context, id string) (domain.RefundException, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.RefundException{}, m.err
	}
	for i, ex := range m.items {
		if ex.ID == id && ex.Processed {
			ex.Processed = false
			ex.ProcessedAt = nil
			m.items[i] = ex
			return ex, nil
		}
	}
	return domain.RefundException{}, notFound("exceptions.reopen")
}

type memoryProducts struct {
	products map[string]domain.Product
	err      error
}

func (m *memoryProducts) List(_ context.Context, filter repositories.ProductFilter) ([]domain.Product, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.Product
	for _, p := range m.products {
		if p.Archived && !filter.IncludeArchived {
			continue
		}
		if filter.Category != nil && p.Category != *filter.Category {
			continue
		}
		if filter.FeaturedOnly && !p.Featured {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memoryProducts) Get(_ context.Context, id string) (domain.Product, error) {
	if m.err != nil {
		return domain.Product{}, m.err
	}
	p, ok := m.products[id]
	if !ok {
		return domain.Product{}, notFound("products.get")
	}
	return p, nil
}

func (m *memoryProducts) GetMany(_ context.Context, ids []string) (map[string]domain.Product, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := map[string]domain.Product{}
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *memoryProducts) Upsert(_ context.Context, p domain.Product) (domain.Product, error) {
	m.products[p.ID] = p
	return p, nil
}

// memoryOrders also applies stock decrements to the shared product store.
type memoryOrders struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	products *memoryProducts
	err      error
}

func newMemoryOrders(products *memoryProducts) *memoryOrders {
	return &memoryOrders{orders: map[string]domain.Order{}, products: products}
}

func (m *memoryOrders) Create(_ context.Context, order domain.Order, decrements []repositories.StockDecrement) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.Order{}, m.err
	}
	if m.products != nil {
		for _, dec := range decrements {
			p, ok := m.products.products[dec.ProductID]
			if !ok || p.Archived {
				return domain.Order{}, &repositories.StockError{Code: repositories.StockErrorProductUnavailable, ProductID: dec.ProductID}
			}
			available, ok := p.Inventory[dec.Size]
			if !ok {
				return domain.Order{}, &repositories.StockError{Code: repositories.StockErrorUnknownSize, ProductID: dec.ProductID, Size: dec.Size}
			}
			if available < dec.Quantity {
				return domain.Order{}, &repositories.StockError{Code: repositories.StockErrorInsufficient, ProductID: dec.ProductID, Size: dec.Size, Requested: dec.Quantity, Available: available}
			}
		}
		for _, dec := range decrements {
			m.products.products[dec.ProductID].Inventory[dec.Size] -= dec.Quantity
		}
	}
	m.orders[order.ID] = order
	return order, nil
}

func (m *memoryOrders) Get(_ context.Context, id string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.Order{}, m.err
	}
	order, ok := m.orders[id]
	if !ok {
		return domain.Order{}, notFound("orders.get")
	}
	return order, nil
}

func (m *memoryOrders) FindByPaymentIntent(_ context.Context, intent string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders {
		if order.PaymentIntentID == intent {
			return order, nil
		}
	}
	return domain.Order{}, notFound("orders.find_by_intent")
}

func (m *memoryOrders) ListByUser(_ context.Context, userID string, limit int) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, order := range m.orders {
		if order.UserID == userID {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryOrders) UpdatePayment(_ context.Context, id string, update repositories.PaymentUpdate) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return domain.Order{}, notFound("orders.update_payment")
	}
	allowed := false
	for _, from := range update.From {
		if from == order.PaymentStatus {
			allowed = true
		}
	}
	if !allowed {
		return domain.Order{}, storeerr.New("orders.update_payment", storeerr.KindConflict, fmt.Errorf("order is %s", order.PaymentStatus))
	}
	order.PaymentStatus = update.To
	order.UpdatedAt = update.UpdatedAt
	if update.PaymentIntentID != "" {
		order.PaymentIntentID = update.PaymentIntentID
	}
	if update.PaidAt != nil {
		order.PaidAt = update.PaidAt
	}
	if update.RefundedAmount != nil {
		order.RefundedAmount = *update.RefundedAmount
	}
	if update.RefundedAt != nil {
		order.RefundedAt = update.RefundedAt
	}
	m.orders[id] = order
	return order, nil
}

type memoryCounters struct {
	mu     sync.Mutex
	values map[string]int64
	err    error
}

func (m *memoryCounters) Next(_ context.Context, id string, step int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	if m.values == nil {
		m.values = map[string]int64{}
	}
	m.values[id] += step
	return m.values[id], nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	envelopes []events.Envelope
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.envelopes = append(p.envelopes, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.envelopes))
	for _, e := range p.envelopes {
		out = append(out, e.EventType)
	}
	return out
}

type loggedEvent struct {
	name   string
	fields map[string]any
}

type recordingLogger struct {
	mu     sync.Mutex
	events []loggedEvent
}

func (l *recordingLogger) log(_ context.Context, event string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, loggedEvent{name: event, fields: fields})
}

func (l *recordingLogger) has(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.name == name {
			return true
		}
	}
	return false
}
