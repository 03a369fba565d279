package session

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a purchasing session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusThinking   Status = "thinking"
	StatusPurchasing Status = "purchasing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// Origin records where a purchased item came from.
type Origin string

const (
	OriginMarketplace  Origin = "marketplace"
	OriginExternalFeed Origin = "external_feed"
)

// TransactionRecord is an immutable record of one completed purchase.
type TransactionRecord struct {
	ID            string          `json:"id"`
	ProductID     string          `json:"productId"`
	ProductTitle  string          `json:"productTitle"`
	SellerName    string          `json:"sellerName,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	ReceiptID     string          `json:"receiptId"`
	Justification string          `json:"justification"`
	Origin        Origin          `json:"origin"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ReservationStatus tracks a budget hold.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// Reservation is budget set aside for a purchase that has not settled yet.
type Reservation struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	Reference string            `json:"reference"`
	Amount    decimal.Decimal   `json:"amount"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Session is one bounded purchasing episode. Spent plus Reserved never
// exceeds Budget.
type Session struct {
	ID           string                 `json:"id"`
	Budget       decimal.Decimal        `json:"budget"`
	Spent        decimal.Decimal        `json:"spent"`
	Reserved     decimal.Decimal        `json:"reserved"`
	Transactions []TransactionRecord    `json:"transactions"`
	Purchased    map[string]bool        `json:"-"`
	Reservations map[string]Reservation `json:"-"`
	Status       Status                 `json:"status"`
	Error        string                 `json:"error,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// Remaining is the budget still available for new reservations.
func (s Session) Remaining() decimal.Decimal {
	return s.Budget.Sub(s.Spent).Sub(s.Reserved)
}

// HasTransaction reports whether a record with id was already applied.
func (s Session) HasTransaction(id string) bool {
	for _, tx := range s.Transactions {
		if tx.ID == id {
			return true
		}
	}
	return false
}

// HasPurchased reports whether productID was bought in this session.
func (s Session) HasPurchased(productID string) bool {
	return s.Purchased[productID]
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s Session) Clone() Session {
	out := s
	out.Transactions = append([]TransactionRecord(nil), s.Transactions...)
	out.Purchased = make(map[string]bool, len(s.Purchased))
	for k, v := range s.Purchased {
		out.Purchased[k] = v
	}
	out.Reservations = make(map[string]Reservation, len(s.Reservations))
	for k, v := range s.Reservations {
		out.Reservations[k] = v
	}
	return out
}
