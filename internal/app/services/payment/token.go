package payment

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/hkdf"
)

const (
	tokenIssuer = "infomart-sandbox"
	keyInfo     = "infomart-payment-token-v1"
)

var hkdfSalt = []byte("infomart-payments")

// ErrInvalidToken is returned for tokens that fail signature or claim checks.
var ErrInvalidToken = errors.New("invalid payment token")

// Claims are carried by a payment token.
type Claims struct {
	Payer    string `json:"payer"`
	PayTo    string `json:"payTo"`
	Resource string `json:"resource"`
	Amount   string `json:"amount"`
	Network  string `json:"network,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and parses HS256 payment tokens.
type Signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// DeriveKey expands secret into a 32 byte signing key.
func DeriveKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("PAYMENT_SECRET is required")
	}
	reader := hkdf.New(sha256.New, secret, hkdfSalt, []byte(keyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// NewSigner creates a signer whose tokens expire after ttl.
func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	key, err := DeriveKey([]byte(strings.TrimSpace(secret)))
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Signer{key: key, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for a settled receipt. The receipt id becomes the
// token id and doubles as the single-use nonce.
func (s *Signer) Issue(receipt Receipt) (string, error) {
	now := s.now()
	claims := Claims{
		Payer:    receipt.PayerID,
		PayTo:    receipt.PayTo,
		Resource: receipt.Resource,
		Amount:   receipt.Amount.StringFixed(2),
		Network:  receipt.Network,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        receipt.ID,
			Issuer:    tokenIssuer,
			Subject:   receipt.PayerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign payment token: %w", err)
	}
	return signed, nil
}

// Parse validates signature, issuer and expiry and returns the claims.
func (s *Signer) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.key, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Receipt rebuilds the receipt described by the claims.
func (c *Claims) Receipt(token string) (Receipt, error) {
	amount, err := decimal.NewFromString(c.Amount)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: bad amount %q", ErrInvalidToken, c.Amount)
	}
	r := Receipt{
		ID:       c.ID,
		PayerID:  c.Payer,
		PayTo:    c.PayTo,
		Resource: c.Resource,
		Amount:   amount,
		Network:  c.Network,
		Token:    token,
	}
	if c.IssuedAt != nil {
		r.SettledAt = c.IssuedAt.Time
	}
	return r, nil
}
