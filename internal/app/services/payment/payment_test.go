package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/infomart/pkg/logger"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner("test-secret", time.Minute)
	require.NoError(t, err)
	return s
}

func TestDeriveKey(t *testing.T) {
	a, err := DeriveKey([]byte("secret"))
	require.NoError(t, err)
	b, err := DeriveKey([]byte("secret"))
	require.NoError(t, err)
	c, err := DeriveKey([]byte("other"))
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	_, err = DeriveKey(nil)
	assert.Error(t, err)
}

func TestSandboxGateway_Authorize(t *testing.T) {
	signer := newSigner(t)
	gw := NewSandboxGateway(signer, "", logger.NewDiscard("payment-test"))
	gw.Fund("agent", dec("0.10"))
	ctx := context.Background()

	invoice := Invoice{ResourceURL: "/product/p1/buy", Amount: dec("0.03"), PayTo: "seller", PayerID: "agent", Nonce: "n-1"}
	receipt, err := gw.Authorize(ctx, invoice)
	require.NoError(t, err)
	assert.Equal(t, "n-1", receipt.ID)
	assert.Equal(t, DefaultNetwork, receipt.Network)
	assert.NotEmpty(t, receipt.Token)

	again, err := gw.Authorize(ctx, invoice)
	require.NoError(t, err)
	assert.Equal(t, receipt.ID, again.ID, "same nonce settles once")

	bal, ok := gw.Balance("agent")
	require.True(t, ok)
	assert.True(t, bal.Equal(dec("0.07")), "balance = %s", bal)
	payee, _ := gw.Balance("seller")
	assert.True(t, payee.Equal(dec("0.03")))

	_, err = gw.Authorize(ctx, Invoice{ResourceURL: "/r", Amount: dec("0.08"), PayerID: "agent", Nonce: "n-2"})
	assert.True(t, IsDenied(err), "insufficient funds: %v", err)

	_, err = gw.Authorize(ctx, Invoice{ResourceURL: "/r", Amount: dec("0.01"), PayerID: "ghost"})
	assert.True(t, IsDenied(err))

	_, err = gw.Authorize(ctx, Invoice{ResourceURL: "/r", Amount: dec("0"), PayerID: "agent"})
	assert.True(t, IsDenied(err))

	assert.Len(t, gw.Wallets(), 2)
}

func TestVerifier(t *testing.T) {
	signer := newSigner(t)
	gw := NewSandboxGateway(signer, "", logger.NewDiscard("payment-test"))
	gw.Fund("agent", dec("1"))
	verifier := NewVerifier(signer)

	receipt, err := gw.Authorize(context.Background(), Invoice{ResourceURL: "/product/p1/buy", Amount: dec("0.05"), PayerID: "agent"})
	require.NoError(t, err)

	_, err = verifier.Verify(receipt.Token, "/product/p2/buy", dec("0.05"))
	assert.ErrorIs(t, err, ErrResourceMismatch)
	_, err = verifier.Verify(receipt.Token, "/product/p1/buy", dec("0.06"))
	assert.ErrorIs(t, err, ErrUnderpaid)

	got, err := verifier.Verify(receipt.Token, "/product/p1/buy", dec("0.05"))
	require.NoError(t, err)
	assert.Equal(t, receipt.ID, got.ID)
	assert.Equal(t, "agent", got.PayerID)
	assert.True(t, got.Amount.Equal(dec("0.05")))

	_, err = verifier.Verify(receipt.Token, "/product/p1/buy", dec("0.05"))
	assert.ErrorIs(t, err, ErrTokenReplayed)

	_, err = verifier.Verify("garbage", "/product/p1/buy", dec("0.05"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewSigner("different", time.Minute)
	require.NoError(t, err)
	_, err = NewVerifier(other).Verify(receipt.Token, "/product/p1/buy", dec("0.05"))
	assert.ErrorIs(t, err, ErrInvalidToken, "foreign key rejected")
}

func TestVerifier_ExpiredTokenAndPrune(t *testing.T) {
	signer := newSigner(t)
	issued := time.Now().Add(-time.Hour)
	signer.now = func() time.Time { return issued }
	token, err := signer.Issue(Receipt{ID: "old", PayerID: "agent", Resource: "/r", Amount: dec("0.01")})
	require.NoError(t, err)
	signer.now = time.Now

	verifier := NewVerifier(signer)
	_, err = verifier.Verify(token, "/r", dec("0.01"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	verifier.used["stale"] = time.Now().Add(-time.Minute)
	verifier.used["fresh"] = time.Now().Add(time.Minute)
	assert.Equal(t, 1, verifier.Prune())
	assert.Len(t, verifier.used, 1)
}

func TestFacilitatorGateway(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/settle", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var req map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req["payer"] {
		case "broke":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "errorReason": "insufficient_funds"})
		case "bad":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad request"}`))
		case "down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			assert.Equal(t, "0.02", req["amount"])
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"success":     true,
				"transaction": "0xabc",
				"payer":       "0xpayer",
			})
		}
	}))
	defer server.Close()

	gw, err := NewFacilitatorGateway(FacilitatorConfig{URL: server.URL, APIKey: "key", Timeout: time.Second}, nil, logger.NewDiscard("payment-test"))
	require.NoError(t, err)
	ctx := context.Background()

	receipt, err := gw.Authorize(ctx, Invoice{ResourceURL: "/r", Amount: dec("0.02"), PayerID: "agent", Nonce: "n"})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", receipt.ID)
	assert.Equal(t, "0xpayer", receipt.PayerID)

	_, err = gw.Authorize(ctx, Invoice{ResourceURL: "/r", Amount: dec("0.02"), PayerID: "broke"})
	assert.True(t, IsDenied(err))
	_, err = gw.Authorize(ctx, Invoice{ResourceURL: "/r", Amount: dec("0.02"), PayerID: "bad"})
	assert.True(t, IsDenied(err))
	_, err = gw.Authorize(ctx, Invoice{ResourceURL: "/r", Amount: dec("0.02"), PayerID: "down"})
	assert.True(t, IsTransient(err))

	_, err = NewFacilitatorGateway(FacilitatorConfig{}, nil, nil)
	assert.Error(t, err)
}

type flakyGateway struct {
	failures int32
	calls    int32
	err      error
}

func (f *flakyGateway) Authorize(_ context.Context, invoice Invoice) (Receipt, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failures {
		return Receipt{}, f.err
	}
	return Receipt{ID: "ok", PayerID: invoice.PayerID, Amount: invoice.Amount}, nil
}

func TestRetrying(t *testing.T) {
	log := logger.NewDiscard("payment-test")
	ctx := context.Background()
	invoice := Invoice{ResourceURL: "/r", Amount: dec("0.01"), PayerID: "agent"}

	flaky := &flakyGateway{failures: 2, err: &TransientError{Err: errors.New("timeout")}}
	receipt, err := Retrying(flaky, 2, time.Millisecond, log).Authorize(ctx, invoice)
	require.NoError(t, err)
	assert.Equal(t, "ok", receipt.ID)
	assert.Equal(t, int32(3), flaky.calls)

	exhausted := &flakyGateway{failures: 5, err: &TransientError{Err: errors.New("timeout")}}
	_, err = Retrying(exhausted, 2, time.Millisecond, log).Authorize(ctx, invoice)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), exhausted.calls)

	denied := &flakyGateway{failures: 5, err: Denied("no")}
	_, err = Retrying(denied, 2, time.Millisecond, log).Authorize(ctx, invoice)
	assert.True(t, IsDenied(err))
	assert.Equal(t, int32(1), denied.calls, "denials are not retried")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	slow := &flakyGateway{failures: 5, err: &TransientError{Err: errors.New("timeout")}}
	_, err = Retrying(slow, 3, time.Second, log).Authorize(cancelled, invoice)
	assert.ErrorIs(t, err, context.Canceled)
}
