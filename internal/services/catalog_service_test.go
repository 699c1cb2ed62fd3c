package services

import (
	"context"
	"errors"
	"testing"
)

func TestCatalogServiceListProducts(t *testing.T) {
	svc, err := NewCatalogService(CatalogServiceDeps{Products: catalogFixture(t)})
	if err != nil {
		t.Fatalf("NewCatalogService: %v", err)
	}

	all, err := svc.ListProducts(context.Background(), ProductListFilter{})
	if err != nil {
		t.Fatalf("ListProducts: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected archived cap hidden, got %d products", len(all))
	}

	featured, err := svc.ListProducts(context.Background(), ProductListFilter{FeaturedOnly: true})
	if err != nil {
		t.Fatalf("ListProducts featured: %v", err)
	}
	if len(featured) != 1 || featured[0].ID != "hoodie" {
		t.Fatalf("unexpected featured list %+v", featured)
	}

	accessories, err := svc.ListProducts(context.Background(), ProductListFilter{Category: "Accessory"})
	if err != nil {
		t.Fatalf("ListProducts accessory: %v", err)
	}
	if len(accessories) != 0 {
		t.Fatalf("archived accessories must not be listed, got %+v", accessories)
	}

	if _, err := svc.ListProducts(context.Background(), ProductListFilter{Category: "shoes"}); !errors.Is(err, ErrCatalogInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCatalogServiceGetProduct(t *testing.T) {
	products := catalogFixture(t)
	svc, err := NewCatalogService(CatalogServiceDeps{Products: products})
	if err != nil {
		t.Fatalf("NewCatalogService: %v", err)
	}

	product, err := svc.GetProduct(context.Background(), "tee")
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if product.Name != "Logo Tee" {
		t.Fatalf("unexpected product %+v", product)
	}

	for _, id := range []string{"cap", "ghost"} {
		if _, err := svc.GetProduct(context.Background(), id); !errors.Is(err, ErrCatalogNotFound) {
			t.Fatalf("%s: expected not found, got %v", id, err)
		}
	}
	if _, err := svc.GetProduct(context.Background(), " "); !errors.Is(err, ErrCatalogInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	products.err = errBackendDown
	if _, err := svc.GetProduct(context.Background(), "tee"); !errors.Is(err, ErrCatalogUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
