package market

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// API clients expect amounts as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// EventKind tags a marketplace event.
type EventKind string

const (
	EventListing EventKind = "listing"
	EventSale    EventKind = "sale"
	EventSlash   EventKind = "slash"
	EventReward  EventKind = "reward"
)

// Event is an immutable marketplace event. Exactly one payload pointer is
// set, matching Kind. Seq is assigned by the marketplace and increases
// process-wide in publish order.
type Event struct {
	Seq       uint64    `json:"seq"`
	Kind      EventKind `json:"type"`
	ProductID string    `json:"productId"`
	Timestamp time.Time `json:"timestamp"`

	Listing *ListingPayload `json:"listing,omitempty"`
	Sale    *SalePayload    `json:"sale,omitempty"`
	Slash   *StakePayload   `json:"slash,omitempty"`
	Reward  *StakePayload   `json:"reward,omitempty"`
}

// ListingPayload describes a newly published product.
type ListingPayload struct {
	Product ProductListing `json:"product"`
}

// SalePayload describes a settled purchase.
type SalePayload struct {
	Title         string          `json:"title"`
	BuyerID       string          `json:"buyerId"`
	SellerID      string          `json:"sellerId"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	SellerRevenue decimal.Decimal `json:"sellerRevenue"`
	ReceiptID     string          `json:"receiptId"`
	SalesCount    int64           `json:"salesCount"`
}

// StakePayload describes a rating applied to a product's stake.
type StakePayload struct {
	Title    string          `json:"title"`
	Rating   int             `json:"rating"`
	Delta    decimal.Decimal `json:"delta"`
	NewStake decimal.Decimal `json:"newStake"`
	Reason   string          `json:"reason"`
}

// Payload returns the variant payload for serialisation as an SSE data frame.
func (e Event) Payload() interface{} {
	switch e.Kind {
	case EventListing:
		return e.Listing
	case EventSale:
		return e.Sale
	case EventSlash:
		return e.Slash
	case EventReward:
		return e.Reward
	default:
		return nil
	}
}

// TreasuryEventKind tags a treasury movement.
type TreasuryEventKind string

const (
	TreasuryFee   TreasuryEventKind = "fee"
	TreasurySlash TreasuryEventKind = "slash"
)

// TreasuryEvent is one entry of the treasury's rolling log.
type TreasuryEvent struct {
	Kind      TreasuryEventKind `json:"type"`
	ProductID string            `json:"productId"`
	Amount    decimal.Decimal   `json:"amount"`
	Timestamp time.Time         `json:"timestamp"`
}

// TreasurySnapshot is a point-in-time copy of the treasury.
type TreasurySnapshot struct {
	FeeCollected   decimal.Decimal `json:"feeCollected"`
	SlashCollected decimal.Decimal `json:"slashCollected"`
	Total          decimal.Decimal `json:"total"`
	Recent         []TreasuryEvent `json:"recent"`
}
