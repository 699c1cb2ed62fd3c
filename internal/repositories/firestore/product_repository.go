package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/sgwear/storefront/internal/domain"
	pfirestore "github.com/sgwear/storefront/internal/platform/firestore"
	"github.com/sgwear/storefront/internal/platform/storeerr"
	"github.com/sgwear/storefront/internal/repositories"
)

const productsCollection = "products"

type digitalTwinDocument struct {
	Chain           string `firestore:"chain"`
	ContractAddress string `firestore:"contractAddress"`
	TokenID         string `firestore:"tokenId"`
}

type productDocument struct {
	Name           string               `firestore:"name"`
	Description    string               `firestore:"description"`
	PriceCents     int64                `firestore:"priceCents"`
	Category       string               `firestore:"category"`
	Inventory      map[string]int       `firestore:"inventory"`
	Featured       bool                 `firestore:"featured"`
	Archived       bool                 `firestore:"archived"`
	LimitedEdition bool                 `firestore:"limitedEdition"`
	ImageURLs      []string             `firestore:"imageUrls"`
	DigitalTwin    *digitalTwinDocument `firestore:"digitalTwin,omitempty"`
	CreatedAt      time.Time            `firestore:"createdAt"`
	UpdatedAt      time.Time            `firestore:"updatedAt"`
}

// ProductRepository implements repositories.ProductRepository.
type ProductRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.BaseRepository[productDocument]
}

// NewProductRepository constructs a Firestore-backed catalog repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		provider: provider,
		products: pfirestore.NewBaseRepository[productDocument](provider, productsCollection),
	}, nil
}

// List returns products ordered by name.
func (r *ProductRepository) List(ctx context.Context, filter repositories.ProductFilter) ([]domain.Product, error) {
	docs, err := r.products.Query(ctx, func(q firestore.Query) firestore.Query {
		if !filter.IncludeArchived {
			q = q.Where("archived", "==", false)
		}
		if filter.Category != nil {
			q = q.Where("category", "==", string(*filter.Category))
		}
		if filter.FeaturedOnly {
			q = q.Where("featured", "==", true)
		}
		q = q.OrderBy("name", firestore.Asc)
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	products := make([]domain.Product, 0, len(docs))
	for _, doc := range docs {
		products = append(products, doc.Data.toDomain(doc.ID))
	}
	return products, nil
}

// Get loads one product.
func (r *ProductRepository) Get(ctx context.Context, productID string) (domain.Product, error) {
	doc, err := r.products.Get(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// GetMany loads products in one round trip. Missing IDs are absent from the result.
func (r *ProductRepository) GetMany(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(productIDs))
	refs := make([]*firestore.DocumentRef, 0, len(productIDs))
	for _, id := range productIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		refs = append(refs, client.Collection(productsCollection).Doc(id))
	}

	snapshots, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, pfirestore.WrapError("products.get_many", err)
	}
	for _, snap := range snapshots {
		if !snap.Exists() {
			continue
		}
		doc, err := pfirestore.Decode[productDocument](snap)
		if err != nil {
			return nil, err
		}
		result[doc.ID] = doc.Data.toDomain(doc.ID)
	}
	return result, nil
}

// Upsert writes the product, stamping timestamps.
func (r *ProductRepository) Upsert(ctx context.Context, product domain.Product) (domain.Product, error) {
	if strings.TrimSpace(product.ID) == "" {
		return domain.Product{}, storeerr.New("products.upsert", storeerr.KindUnknown, errors.New("product id is required"))
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	if err := r.products.Set(ctx, product.ID, newProductDocument(product)); err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func newProductDocument(p domain.Product) productDocument {
	doc := productDocument{
		Name:           p.Name,
		Description:    p.Description,
		PriceCents:     domain.MinorUnits(p.Price),
		Category:       string(p.Category),
		Inventory:      p.Inventory,
		Featured:       p.Featured,
		Archived:       p.Archived,
		LimitedEdition: p.LimitedEdition,
		ImageURLs:      p.ImageURLs,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
	if p.DigitalTwin != nil {
		doc.DigitalTwin = &digitalTwinDocument{
			Chain:           p.DigitalTwin.Chain,
			ContractAddress: p.DigitalTwin.ContractAddress,
			TokenID:         p.DigitalTwin.TokenID,
		}
	}
	return doc
}

func (d productDocument) toDomain(id string) domain.Product {
	product := domain.Product{
		ID:             id,
		Name:           d.Name,
		Description:    d.Description,
		Price:          domain.FromMinorUnits(d.PriceCents),
		Category:       domain.ProductCategory(d.Category),
		Inventory:      d.Inventory,
		Featured:       d.Featured,
		Archived:       d.Archived,
		LimitedEdition: d.LimitedEdition,
		ImageURLs:      d.ImageURLs,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
	if product.Inventory == nil {
		product.Inventory = map[string]int{}
	}
	if d.DigitalTwin != nil {
		product.DigitalTwin = &domain.DigitalTwin{
			Chain:           d.DigitalTwin.Chain,
			ContractAddress: d.DigitalTwin.ContractAddress,
			TokenID:         d.DigitalTwin.TokenID,
		}
	}
	return product
}
