// Package treasury accumulates the platform's share of sales and the stake
// removed by slashing.
package treasury

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/infomart/internal/app/domain/market"
)

// DefaultLogSize bounds the rolling event log.
const DefaultLogSize = 100

// Treasury is process-wide and only ever grows until restart.
type Treasury struct {
	mu             sync.RWMutex
	feeCollected   decimal.Decimal
	slashCollected decimal.Decimal
	log            []market.TreasuryEvent
	logSize        int
	now            func() time.Time
}

// New creates an empty treasury keeping at most logSize recent events.
func New(logSize int) *Treasury {
	if logSize <= 0 {
		logSize = DefaultLogSize
	}
	return &Treasury{
		feeCollected:   decimal.Zero,
		slashCollected: decimal.Zero,
		logSize:        logSize,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// AddFee records a platform fee from a sale. Non-positive amounts are ignored.
func (t *Treasury) AddFee(productID string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.feeCollected = t.feeCollected.Add(amount)
	t.appendLocked(market.TreasuryFee, productID, amount)
}

// AddSlash records stake removed from a product. Non-positive amounts are ignored.
func (t *Treasury) AddSlash(productID string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slashCollected = t.slashCollected.Add(amount)
	t.appendLocked(market.TreasurySlash, productID, amount)
}

func (t *Treasury) appendLocked(kind market.TreasuryEventKind, productID string, amount decimal.Decimal) {
	t.log = append(t.log, market.TreasuryEvent{
		Kind:      kind,
		ProductID: productID,
		Amount:    amount,
		Timestamp: t.now(),
	})
	if over := len(t.log) - t.logSize; over > 0 {
		t.log = append(t.log[:0:0], t.log[over:]...)
	}
}

// FeeCollected returns the accumulated platform fees.
func (t *Treasury) FeeCollected() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.feeCollected
}

// SlashCollected returns the accumulated slashed stake.
func (t *Treasury) SlashCollected() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slashCollected
}

// Snapshot returns a copy of the treasury state, newest log entries last.
func (t *Treasury) Snapshot() market.TreasurySnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return market.TreasurySnapshot{
		FeeCollected:   t.feeCollected,
		SlashCollected: t.slashCollected,
		Total:          t.feeCollected.Add(t.slashCollected),
		Recent:         append([]market.TreasuryEvent(nil), t.log...),
	}
}
