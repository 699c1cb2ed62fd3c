package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/sgwear/storefront/internal/domain"
	"github.com/sgwear/storefront/internal/repositories"
)

const (
	defaultProductLimit = 48
	maxProductLimit     = 200
)

var (
	// ErrCatalogInvalidInput indicates the caller supplied an invalid filter or id.
	ErrCatalogInvalidInput = errors.New("catalog service: invalid input")
	// ErrCatalogNotFound indicates the product is missing or no longer sold.
	ErrCatalogNotFound = errors.New("catalog service: not found")
	// ErrCatalogUnavailable indicates the product store failed.
	ErrCatalogUnavailable = errors.New("catalog service: unavailable")
)

// CatalogServiceDeps bundles constructor inputs for the catalog service.
type CatalogServiceDeps struct {
	Products repositories.ProductRepository
}

type catalogService struct {
	products repositories.ProductRepository
}

var _ CatalogService = (*catalogService)(nil)

// NewCatalogService constructs the catalog service with the supplied dependencies.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Products == nil {
		return nil, fmt.Errorf("catalog service: product repository is required")
	}
	return &catalogService{products: deps.Products}, nil
}

func (s *catalogService) ListProducts(ctx context.Context, filter ProductListFilter) ([]domain.Product, error) {
	repoFilter := repositories.ProductFilter{
		FeaturedOnly: filter.FeaturedOnly,
		Limit:        filter.Limit,
	}
	if category := strings.ToLower(strings.TrimSpace(filter.Category)); category != "" {
		value := domain.ProductCategory(category)
		if !value.Valid() {
			return nil, fmt.Errorf("%w: unknown category %q", ErrCatalogInvalidInput, category)
		}
		repoFilter.Category = &value
	}
	switch {
	case repoFilter.Limit <= 0:
		repoFilter.Limit = defaultProductLimit
	case repoFilter.Limit > maxProductLimit:
		repoFilter.Limit = maxProductLimit
	}

	products, err := s.products.List(ctx, repoFilter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	out := products[:0]
	for _, product := range products {
		if product.Purchasable() {
			out = append(out, product)
		}
	}
	return out, nil
}

func (s *catalogService) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, fmt.Errorf("%w: product id is required", ErrCatalogInvalidInput)
	}
	product, err := s.products.Get(ctx, productID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Product{}, fmt.Errorf("%w: product %s", ErrCatalogNotFound, productID)
		}
		return domain.Product{}, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	if !product.Purchasable() {
		return domain.Product{}, fmt.Errorf("%w: product %s", ErrCatalogNotFound, productID)
	}
	return product, nil
}
