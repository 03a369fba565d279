// Package payment is the boundary to whatever actually moves money. The rest
// of the system sees a Gateway that either returns a Receipt or fails with a
// DeniedError (final) or a TransientError (worth retrying).
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultNetwork is the settlement network advertised in payment challenges.
const DefaultNetwork = "eip155:84532"

// Invoice describes one payment to authorize.
type Invoice struct {
	ResourceURL string          `json:"resource"`
	Amount      decimal.Decimal `json:"amount"`
	PayTo       string          `json:"payTo"`
	PayerID     string          `json:"payer"`
	Nonce       string          `json:"nonce"`
	Network     string          `json:"network,omitempty"`
}

// Receipt is proof of a settled payment.
type Receipt struct {
	ID        string          `json:"id"`
	PayerID   string          `json:"payer"`
	PayTo     string          `json:"payTo"`
	Resource  string          `json:"resource"`
	Amount    decimal.Decimal `json:"amount"`
	Network   string          `json:"network"`
	Token     string          `json:"token,omitempty"`
	SettledAt time.Time       `json:"settledAt"`
}

// Gateway authorizes payments.
type Gateway interface {
	Authorize(ctx context.Context, invoice Invoice) (Receipt, error)
}

// DeniedError is a final refusal. Retrying will not help.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return "payment denied: " + e.Reason
}

// TransientError wraps a failure that may succeed on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("payment unavailable: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Denied builds a DeniedError.
func Denied(format string, args ...interface{}) error {
	return &DeniedError{Reason: fmt.Sprintf(format, args...)}
}

// IsDenied reports whether err is a payment denial.
func IsDenied(err error) bool {
	var denied *DeniedError
	return errors.As(err, &denied)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

func validateInvoice(invoice Invoice) error {
	if invoice.ResourceURL == "" {
		return Denied("resource is required")
	}
	if invoice.PayerID == "" {
		return Denied("payer is required")
	}
	if !invoice.Amount.IsPositive() {
		return Denied("amount must be positive")
	}
	return nil
}
