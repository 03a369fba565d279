package payment

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrTokenReplayed    = errors.New("payment token already used")
	ErrResourceMismatch = errors.New("payment token is for a different resource")
	ErrUnderpaid        = errors.New("payment amount is below the price")
)

// Verifier checks payment tokens presented on paywalled resources. Each token
// is accepted once.
type Verifier struct {
	signer *Signer

	mu   sync.Mutex
	used map[string]time.Time // token id -> expiry
	now  func() time.Time
}

// NewVerifier creates a verifier backed by signer.
func NewVerifier(signer *Signer) *Verifier {
	return &Verifier{
		signer: signer,
		used:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Verify accepts token as payment of at least amount for resource and marks
// it spent.
func (v *Verifier) Verify(token, resource string, amount decimal.Decimal) (Receipt, error) {
	claims, err := v.signer.Parse(token)
	if err != nil {
		return Receipt{}, err
	}
	if claims.ID == "" {
		return Receipt{}, fmt.Errorf("%w: missing token id", ErrInvalidToken)
	}
	if claims.Resource != resource {
		return Receipt{}, fmt.Errorf("%w: %s", ErrResourceMismatch, claims.Resource)
	}
	receipt, err := claims.Receipt(token)
	if err != nil {
		return Receipt{}, err
	}
	if receipt.Amount.LessThan(amount.Round(2)) {
		return Receipt{}, fmt.Errorf("%w: paid $%s, price $%s", ErrUnderpaid, receipt.Amount.StringFixed(2), amount.StringFixed(2))
	}

	expiry := v.now().Add(time.Hour)
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, seen := v.used[claims.ID]; seen {
		return Receipt{}, ErrTokenReplayed
	}
	v.used[claims.ID] = expiry
	return receipt, nil
}

// Prune forgets spent tokens that have expired and reports how many were
// dropped. Expired tokens fail signature validation anyway.
func (v *Verifier) Prune() int {
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for id, expiry := range v.used {
		if now.After(expiry) {
			delete(v.used, id)
			n++
		}
	}
	return n
}
