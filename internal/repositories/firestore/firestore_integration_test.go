//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/sgwear/storefront/internal/domain"
	pconfig "github.com/sgwear/storefront/internal/platform/config"
	pfirestore "github.com/sgwear/storefront/internal/platform/firestore"
	"github.com/sgwear/storefront/internal/repositories"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func newEmulatorProvider(t *testing.T, project string) *pfirestore.Provider {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })
	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: project, EmulatorHost: endpoint})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })
	return provider
}

func TestOrderRepositoryIntegration(t *testing.T) {
	provider := newEmulatorProvider(t, "orders-test")
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	products, err := NewProductRepository(provider)
	if err != nil {
		t.Fatalf("new product repository: %v", err)
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}

	if _, err := products.Upsert(ctx, domain.Product{
		ID:        "tee-black",
		Name:      "Black Tee",
		Price:     decimal.RequireFromString("45.00"),
		Category:  domain.ProductCategoryApparel,
		Inventory: map[string]int{"M": 2, "L": 1},
	}); err != nil {
		t.Fatalf("seed product: %v", err)
	}

	order := domain.Order{
		ID:            "01JTESTORDER0000000000001",
		Number:        "SG-000001",
		UserID:        "user-1",
		Items:         []domain.OrderItem{{ProductID: "tee-black", Name: "Black Tee", Size: "M", Quantity: 2, UnitPrice: decimal.RequireFromString("45"), LineTotal: decimal.RequireFromString("90")}},
		Totals:        domain.NewOrderTotals(decimal.RequireFromString("90"), decimal.Zero, decimal.RequireFromString("4.50"), decimal.RequireFromString("2.99")),
		PaymentMethod: domain.PaymentMethodCard,
		PaymentStatus: domain.PaymentStatusPending,
		Type:          domain.OrderTypeOnline,
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
	created, err := orders.Create(ctx, order, []repositories.StockDecrement{{ProductID: "tee-black", Size: "M", Quantity: 2}})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if !created.Totals.Total.Equal(decimal.RequireFromString("88.49")) {
		t.Fatalf("unexpected total %s", created.Totals.Total)
	}

	product, err := products.Get(ctx, "tee-black")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Inventory["M"] != 0 || product.Inventory["L"] != 1 {
		t.Fatalf("unexpected inventory after decrement: %v", product.Inventory)
	}

	second := order
	second.ID = "01JTESTORDER0000000000002"
	_, err = orders.Create(ctx, second, []repositories.StockDecrement{{ProductID: "tee-black", Size: "M", Quantity: 1}})
	var stockErr *repositories.StockError
	if !errors.As(err, &stockErr) || stockErr.Code != repositories.StockErrorInsufficient {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
	if _, err := orders.Get(ctx, second.ID); !repositories.IsNotFound(err) {
		t.Fatalf("rejected order must not be stored, got %v", err)
	}

	_, err = orders.Create(ctx, second, []repositories.StockDecrement{{ProductID: "tee-black", Size: "XXL", Quantity: 1}})
	if !errors.As(err, &stockErr) || stockErr.Code != repositories.StockErrorUnknownSize {
		t.Fatalf("expected unknown size error, got %v", err)
	}

	paidAt := time.Now().UTC().Truncate(time.Millisecond)
	paid, err := orders.UpdatePayment(ctx, order.ID, repositories.PaymentUpdate{
		From:            []domain.PaymentStatus{domain.PaymentStatusPending},
		To:              domain.PaymentStatusPaid,
		PaymentIntentID: "pi_123",
		PaidAt:          &paidAt,
	})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if paid.PaymentStatus != domain.PaymentStatusPaid || !paid.Totals.Total.Equal(created.Totals.Total) {
		t.Fatalf("unexpected paid order %+v", paid)
	}

	found, err := orders.FindByPaymentIntent(ctx, "pi_123")
	if err != nil || found.ID != order.ID {
		t.Fatalf("find by intent: %v %+v", err, found)
	}

	_, err = orders.UpdatePayment(ctx, order.ID, repositories.PaymentUpdate{
		From: []domain.PaymentStatus{domain.PaymentStatusPending},
		To:   domain.PaymentStatusPaid,
	})
	if !repositories.IsConflict(err) {
		t.Fatalf("expected conflict for stale transition, got %v", err)
	}

	list, err := orders.ListByUser(ctx, "user-1", 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("list by user: %v %d", err, len(list))
	}
}

func TestCounterRepositoryIntegration(t *testing.T) {
	provider := newEmulatorProvider(t, "counter-test")
	repo, err := NewCounterRepository(provider)
	if err != nil {
		t.Fatalf("new counter repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const workers = 8
	values := make(chan int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := repo.Next(ctx, "orders", 1)
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			values <- v
		}()
	}
	wg.Wait()
	close(values)

	seen := map[int64]bool{}
	for v := range values {
		if seen[v] {
			t.Fatalf("duplicate counter value %d", v)
		}
		seen[v] = true
	}
	if len(seen) != workers {
		t.Fatalf("expected %d values, got %d", workers, len(seen))
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	cmd := exec.Command("docker",
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Skipf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}
