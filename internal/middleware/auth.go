package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/R3E-Network/infomart/internal/errors"
	"github.com/R3E-Network/infomart/internal/httputil"
	"github.com/R3E-Network/infomart/pkg/logger"
)

const (
	// PaymentHeader carries the payment token on paywalled requests.
	PaymentHeader = "X-PAYMENT"
	// PaymentResponseHeader carries the settlement receipt on paid responses.
	PaymentResponseHeader = "PAYMENT-RESPONSE"

	maxTokenLength = 4096
)

type contextKey string

const paymentTokenKey contextKey = "payment_token"

// PaymentTokens extracts the payment token of paywalled requests into the
// request context. It accepts the X-PAYMENT header or an
// "Authorization: Bearer" header. It never verifies the token; the handler
// knows the price and resource and does that.
type PaymentTokens struct {
	logger *logger.Logger
}

// NewPaymentTokens creates the extractor.
func NewPaymentTokens(log *logger.Logger) *PaymentTokens {
	if log == nil {
		log = logger.NewDefault("paywall")
	}
	return &PaymentTokens{logger: log}
}

// Handler returns the middleware handler.
func (m *PaymentTokens) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get(PaymentHeader))
		if token == "" {
			auth := r.Header.Get("Authorization")
			if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
				token = strings.TrimSpace(auth[7:])
			}
		}
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(token) > maxTokenLength {
			m.logger.LogSecurityEvent(r.Context(), "oversized_payment_token", map[string]interface{}{
				"path":   r.URL.Path,
				"length": len(token),
			})
			httputil.WriteServiceError(w, r, errors.InvalidRequest("payment token too large"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPaymentToken(r.Context(), token)))
	})
}

// WithPaymentToken stores token in ctx.
func WithPaymentToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, paymentTokenKey, token)
}

// GetPaymentToken returns the payment token of the request, if any.
func GetPaymentToken(ctx context.Context) string {
	if v, ok := ctx.Value(paymentTokenKey).(string); ok {
		return v
	}
	return ""
}
