package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/infomart/internal/app/domain/market"
	"github.com/R3E-Network/infomart/internal/app/metrics"
	"github.com/R3E-Network/infomart/internal/app/services/treasury"
	"github.com/R3E-Network/infomart/internal/app/storage"
	"github.com/R3E-Network/infomart/pkg/logger"
)

var (
	// ErrNotFound is returned for unknown product ids.
	ErrNotFound = errors.New("product not found")
	// ErrValidation wraps every rejected publish request.
	ErrValidation = errors.New("invalid product")
	// ErrDuplicateReceipt is returned when a receipt was already settled.
	ErrDuplicateReceipt = errors.New("receipt already settled")
)

// Config holds the economic parameters of the marketplace.
type Config struct {
	DefaultStake decimal.Decimal
	FeeRate      decimal.Decimal
	MinPrice     decimal.Decimal
	MaxPrice     decimal.Decimal
}

// DefaultConfig returns the stock marketplace economics.
func DefaultConfig() Config {
	return Config{
		DefaultStake: decimal.RequireFromString("5.00"),
		FeeRate:      decimal.RequireFromString("0.10"),
		MinPrice:     decimal.RequireFromString("0.01"),
		MaxPrice:     decimal.RequireFromString("0.10"),
	}
}

// Publisher receives marketplace events after the ledger mutation that caused
// them has been applied.
type Publisher interface {
	Publish(event market.Event)
}

// Service owns product and treasury state. Every mutation runs under one
// mutex; the resulting events are queued and published in sequence order
// after the mutex is released, so slow subscribers never hold up the ledger.
type Service struct {
	store    storage.ProductStore
	treasury *treasury.Treasury
	bus      Publisher
	cfg      Config
	log      *logger.Logger
	now      func() time.Time

	mu          sync.Mutex
	seq         uint64
	lastCreated time.Time
	outbox      []market.Event
	receipts    map[string]struct{}

	flushMu sync.Mutex
}

// New constructs a marketplace service.
func New(store storage.ProductStore, tr *treasury.Treasury, bus Publisher, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("market")
	}
	if tr == nil {
		tr = treasury.New(0)
	}
	def := DefaultConfig()
	if cfg.DefaultStake.IsNegative() {
		cfg.DefaultStake = def.DefaultStake
	}
	if cfg.FeeRate.IsNegative() || cfg.FeeRate.GreaterThan(decimal.NewFromInt(1)) {
		cfg.FeeRate = def.FeeRate
	}
	if !cfg.MinPrice.IsPositive() {
		cfg.MinPrice = def.MinPrice
	}
	if !cfg.MaxPrice.IsPositive() || cfg.MaxPrice.LessThan(cfg.MinPrice) {
		cfg.MaxPrice = def.MaxPrice
	}
	return &Service{
		store:    store,
		treasury: tr,
		bus:      bus,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		receipts: make(map[string]struct{}),
	}
}

// Config returns the economic parameters in effect.
func (s *Service) Config() Config { return s.cfg }

// Publish validates and lists a new product.
func (s *Service) Publish(ctx context.Context, req market.PublishRequest) (market.Product, error) {
	product, err := s.newProduct(req)
	if err != nil {
		return market.Product{}, err
	}

	s.mu.Lock()
	product.CreatedAt = s.nextCreatedAtLocked()
	created, err := s.store.CreateProduct(ctx, product)
	if err != nil {
		s.mu.Unlock()
		return market.Product{}, fmt.Errorf("create product: %w", err)
	}
	s.enqueueLocked(market.Event{
		Kind:      market.EventListing,
		ProductID: created.ID,
		Listing:   &market.ListingPayload{Product: created.Listing()},
	})
	s.mu.Unlock()
	s.flush()

	s.refreshProductGauge(ctx)
	s.log.WithField("product_id", created.ID).
		WithField("seller_id", created.SellerID).
		WithField("price", created.Price.StringFixed(2)).
		Info("product published")
	return created, nil
}

func (s *Service) newProduct(req market.PublishRequest) (market.Product, error) {
	title := strings.TrimSpace(req.Title)
	description := strings.TrimSpace(req.Description)
	content := strings.TrimSpace(req.Content)
	sellerID := strings.TrimSpace(req.SellerID)

	switch {
	case title == "":
		return market.Product{}, fmt.Errorf("%w: title is required", ErrValidation)
	case description == "":
		return market.Product{}, fmt.Errorf("%w: description is required", ErrValidation)
	case content == "":
		return market.Product{}, fmt.Errorf("%w: content is required", ErrValidation)
	case sellerID == "":
		return market.Product{}, fmt.Errorf("%w: sellerId is required", ErrValidation)
	}

	price := req.Price.Round(2)
	if price.LessThan(s.cfg.MinPrice) || price.GreaterThan(s.cfg.MaxPrice) {
		return market.Product{}, fmt.Errorf("%w: price must be between $%s and $%s",
			ErrValidation, s.cfg.MinPrice.StringFixed(2), s.cfg.MaxPrice.StringFixed(2))
	}

	productType := req.Type
	if productType == "" {
		productType = market.TypeHumanAlpha
	}
	if !productType.Valid() {
		return market.Product{}, fmt.Errorf("%w: unknown type %q", ErrValidation, productType)
	}

	return market.Product{
		ID:           uuid.NewString(),
		Title:        title,
		Description:  description,
		Price:        price,
		Content:      content,
		Type:         productType,
		SellerID:     sellerID,
		SellerName:   strings.TrimSpace(req.SellerName),
		CurrentStake: s.cfg.DefaultStake,
	}, nil
}

// Seed publishes the given catalogue in order.
func (s *Service) Seed(ctx context.Context, reqs []market.PublishRequest) error {
	for i, req := range reqs {
		if _, err := s.Publish(ctx, req); err != nil {
			return fmt.Errorf("seed product %d (%s): %w", i, req.Title, err)
		}
	}
	return nil
}

// nextCreatedAtLocked returns a creation time strictly after the previous
// one so newest-first listings follow publish order.
func (s *Service) nextCreatedAtLocked() time.Time {
	now := s.now()
	if !now.After(s.lastCreated) {
		now = s.lastCreated.Add(time.Microsecond)
	}
	s.lastCreated = now
	return now
}

// List returns all products without their content, newest first.
func (s *Service) List(ctx context.Context) ([]market.ProductListing, error) {
	products, err := s.store.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]market.ProductListing, 0, len(products))
	for _, p := range products {
		out = append(out, p.Listing())
	}
	return out, nil
}

// Get returns a product listing.
func (s *Service) Get(ctx context.Context, id string) (market.ProductListing, error) {
	product, err := s.GetFull(ctx, id)
	if err != nil {
		return market.ProductListing{}, err
	}
	return product.Listing(), nil
}

// GetFull returns the product including its content. Only call after payment.
func (s *Service) GetFull(ctx context.Context, id string) (market.Product, error) {
	product, err := s.store.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return market.Product{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return market.Product{}, err
	}
	return product, nil
}

// SettleSale records a paid purchase: the sales counter grows by one and the
// platform fee goes to the treasury. A receipt settles at most once.
func (s *Service) SettleSale(ctx context.Context, productID, buyerID, receiptID string) (market.Product, error) {
	receiptID = strings.TrimSpace(receiptID)
	if receiptID == "" {
		return market.Product{}, fmt.Errorf("%w: receipt id is required", ErrValidation)
	}

	s.mu.Lock()
	product, err := s.GetFull(ctx, productID)
	if err != nil {
		s.mu.Unlock()
		return market.Product{}, err
	}

	receiptKey := product.ID + "/" + receiptID
	if _, seen := s.receipts[receiptKey]; seen {
		s.mu.Unlock()
		return market.Product{}, fmt.Errorf("%w: %s", ErrDuplicateReceipt, receiptID)
	}

	fee := product.Price.Mul(s.cfg.FeeRate)
	sellerRevenue := product.Price.Sub(fee)
	product.SalesCount++

	updated, err := s.store.UpdateProduct(ctx, product)
	if err != nil {
		s.mu.Unlock()
		return market.Product{}, fmt.Errorf("update product: %w", err)
	}
	s.receipts[receiptKey] = struct{}{}
	s.treasury.AddFee(updated.ID, fee)

	s.enqueueLocked(market.Event{
		Kind:      market.EventSale,
		ProductID: updated.ID,
		Sale: &market.SalePayload{
			Title:         updated.Title,
			BuyerID:       buyerID,
			SellerID:      updated.SellerID,
			Amount:        updated.Price,
			Fee:           fee,
			SellerRevenue: sellerRevenue,
			ReceiptID:     receiptID,
			SalesCount:    updated.SalesCount,
		},
	})
	s.mu.Unlock()
	s.flush()

	metrics.RecordSale(string(updated.Type), sellerRevenue, fee)
	s.log.WithField("product_id", updated.ID).
		WithField("buyer_id", buyerID).
		WithField("receipt_id", receiptID).
		WithField("fee", fee.String()).
		Info("sale settled")
	return updated, nil
}

// Rate applies the rating penalty table to a product's stake. Out-of-range
// ratings are clamped, never rejected.
func (s *Service) Rate(ctx context.Context, productID string, rating int, reason string) (market.RatingResult, error) {
	rating = market.ClampRating(rating)
	delta := market.StakeDelta(rating)
	reason = strings.TrimSpace(reason)

	s.mu.Lock()
	product, err := s.GetFull(ctx, productID)
	if err != nil {
		s.mu.Unlock()
		return market.RatingResult{}, err
	}

	product.CurrentStake = market.ApplyStakeDelta(product.CurrentStake, delta)
	updated, err := s.store.UpdateProduct(ctx, product)
	if err != nil {
		s.mu.Unlock()
		return market.RatingResult{}, fmt.Errorf("update product: %w", err)
	}

	slashed := decimal.Zero
	if delta.IsNegative() {
		slashed = delta.Abs()
		s.treasury.AddSlash(updated.ID, slashed)
	}

	// Every rating is recorded as a slash, also when the delta is zero.
	s.enqueueLocked(market.Event{
		Kind:      market.EventSlash,
		ProductID: updated.ID,
		Slash: &market.StakePayload{
			Title:    updated.Title,
			Rating:   rating,
			Delta:    delta,
			NewStake: updated.CurrentStake,
			Reason:   reason,
		},
	})
	s.mu.Unlock()
	s.flush()

	eventType := market.EventSlash
	if rating == market.MaxRating {
		eventType = market.EventReward
	}

	metrics.RecordRating(rating, slashed)
	s.log.WithField("product_id", updated.ID).
		WithField("rating", rating).
		WithField("delta", delta.String()).
		WithField("new_stake", updated.CurrentStake.String()).
		Info("rating applied")

	return market.RatingResult{
		ProductID:   updated.ID,
		Rating:      rating,
		EventType:   eventType,
		StakeChange: delta,
		NewStake:    updated.CurrentStake,
	}, nil
}

// Stats summarises the catalogue.
func (s *Service) Stats(ctx context.Context) (market.Stats, error) {
	products, err := s.store.ListProducts(ctx)
	if err != nil {
		return market.Stats{}, err
	}
	stats := market.Stats{TotalProducts: len(products), TotalRevenue: decimal.Zero}
	for _, p := range products {
		stats.TotalSales += p.SalesCount
		stats.TotalRevenue = stats.TotalRevenue.Add(p.Price.Mul(decimal.NewFromInt(p.SalesCount)))
		switch p.Type {
		case market.TypeAPI:
			stats.APICount++
		default:
			stats.HumanAlphaCount++
		}
	}
	return stats, nil
}

// Treasury returns a snapshot of the platform treasury.
func (s *Service) Treasury() market.TreasurySnapshot {
	return s.treasury.Snapshot()
}

func (s *Service) enqueueLocked(evt market.Event) {
	s.seq++
	evt.Seq = s.seq
	evt.Timestamp = s.now()
	s.outbox = append(s.outbox, evt)
}

// flush drains the outbox to the bus. flushMu keeps concurrent flushers from
// interleaving, so events leave in the order they were sequenced.
func (s *Service) flush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	pending := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	if s.bus == nil {
		return
	}
	for _, evt := range pending {
		s.bus.Publish(evt)
	}
}

func (s *Service) refreshProductGauge(ctx context.Context) {
	products, err := s.store.ListProducts(ctx)
	if err != nil {
		return
	}
	metrics.SetProducts(len(products))
}
