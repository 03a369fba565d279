package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductType distinguishes human-authored insight from automated feeds.
type ProductType string

const (
	TypeHumanAlpha ProductType = "human_alpha"
	TypeAPI        ProductType = "api"
)

// Valid reports whether t is a known product type.
func (t ProductType) Valid() bool {
	return t == TypeHumanAlpha || t == TypeAPI
}

// Product is a sellable knowledge item. Price never changes after creation;
// SalesCount only grows and CurrentStake never drops below zero.
type Product struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Price        decimal.Decimal `json:"price"`
	Content      string          `json:"content"`
	Type         ProductType     `json:"type"`
	SellerID     string          `json:"sellerId"`
	SellerName   string          `json:"sellerName,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	SalesCount   int64           `json:"salesCount"`
	CurrentStake decimal.Decimal `json:"currentStake"`
}

// ProductListing is the browse view of a product, without its content.
type ProductListing struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Price        decimal.Decimal `json:"price"`
	Type         ProductType     `json:"type"`
	SellerID     string          `json:"sellerId"`
	SellerName   string          `json:"sellerName,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	SalesCount   int64           `json:"salesCount"`
	CurrentStake decimal.Decimal `json:"currentStake"`
}

// Listing projects the product into its content-free form.
func (p Product) Listing() ProductListing {
	return ProductListing{
		ID:           p.ID,
		Title:        p.Title,
		Description:  p.Description,
		Price:        p.Price,
		Type:         p.Type,
		SellerID:     p.SellerID,
		SellerName:   p.SellerName,
		CreatedAt:    p.CreatedAt,
		SalesCount:   p.SalesCount,
		CurrentStake: p.CurrentStake,
	}
}

// DisplaySeller returns the seller name or a placeholder.
func (l ProductListing) DisplaySeller() string {
	if l.SellerName != "" {
		return l.SellerName
	}
	return "Anonymous"
}

// PublishRequest carries the seller-supplied fields of a new product.
type PublishRequest struct {
	Title       string          `json:"title" yaml:"title"`
	Description string          `json:"description" yaml:"description"`
	Price       decimal.Decimal `json:"price" yaml:"price"`
	Content     string          `json:"content" yaml:"content"`
	SellerID    string          `json:"sellerId" yaml:"sellerId"`
	SellerName  string          `json:"sellerName,omitempty" yaml:"sellerName"`
	Type        ProductType     `json:"type,omitempty" yaml:"type"`
}

// Stats summarises the catalogue.
type Stats struct {
	TotalProducts   int             `json:"totalProducts"`
	TotalSales      int64           `json:"totalSales"`
	TotalRevenue    decimal.Decimal `json:"totalRevenue"`
	HumanAlphaCount int             `json:"humanAlphaCount"`
	APICount        int             `json:"apiCount"`
}

// RatingResult is returned to the rater.
type RatingResult struct {
	ProductID   string          `json:"productId"`
	Rating      int             `json:"rating"`
	EventType   EventKind       `json:"eventType"`
	StakeChange decimal.Decimal `json:"stakeChange"`
	NewStake    decimal.Decimal `json:"newStake"`
}
