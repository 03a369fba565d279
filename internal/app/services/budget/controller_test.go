package budget

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/infomart/internal/app/domain/session"
	"github.com/R3E-Network/infomart/internal/app/storage/memory"
	"github.com/R3E-Network/infomart/pkg/logger"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newController(t *testing.T) *Controller {
	t.Helper()
	return New(memory.New(), logger.NewDiscard("budget-test"))
}

func buy(t *testing.T, c *Controller, sessionID, productID, amount string) error {
	t.Helper()
	ctx := context.Background()
	res, err := c.Reserve(ctx, sessionID, dec(amount), productID)
	if err != nil {
		return err
	}
	_, err = c.Commit(ctx, sessionID, res.ID, session.TransactionRecord{
		ID:        "tx-" + productID,
		ProductID: productID,
		Origin:    session.OriginMarketplace,
	})
	return err
}

// A reservation that would push spend past the budget is refused and leaves
// spend untouched; the remainder can still be used exactly.
func TestController_BudgetEnforcement(t *testing.T) {
	c := newController(t)
	ctx := context.Background()

	sess, err := c.Create(ctx, dec("0.10"))
	require.NoError(t, err)

	require.NoError(t, buy(t, c, sess.ID, "p1", "0.03"))
	require.NoError(t, buy(t, c, sess.ID, "p2", "0.03"))

	err = buy(t, c, sess.ID, "p3", "0.05")
	require.ErrorIs(t, err, ErrInsufficientBudget)

	got, err := c.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.Spent.Equal(dec("0.06")), "spent = %s", got.Spent)
	assert.True(t, got.Reserved.IsZero())
	assert.True(t, got.Remaining().Equal(dec("0.04")))
	assert.Len(t, got.Transactions, 2)
	assert.True(t, got.HasPurchased("p1"))
	assert.False(t, got.HasPurchased("p3"))

	require.NoError(t, buy(t, c, sess.ID, "p4", "0.04"))
	got, _ = c.Get(ctx, sess.ID)
	assert.True(t, got.Remaining().IsZero())
}

func TestController_ReleaseReturnsFunds(t *testing.T) {
	c := newController(t)
	ctx := context.Background()
	sess, err := c.Create(ctx, dec("0.10"))
	require.NoError(t, err)

	res, err := c.Reserve(ctx, sess.ID, dec("0.08"), "p1")
	require.NoError(t, err)

	_, err = c.Reserve(ctx, sess.ID, dec("0.05"), "p2")
	assert.ErrorIs(t, err, ErrInsufficientBudget, "held funds are unavailable")

	require.NoError(t, c.Release(ctx, sess.ID, res.ID))
	require.NoError(t, c.Release(ctx, sess.ID, res.ID), "release is idempotent")

	got, _ := c.Get(ctx, sess.ID)
	assert.True(t, got.Remaining().Equal(dec("0.10")))
	assert.True(t, got.Spent.IsZero())

	_, err = c.Commit(ctx, sess.ID, res.ID, session.TransactionRecord{ID: "tx"})
	assert.ErrorIs(t, err, ErrReservationNotFound, "released hold cannot be committed")
}

func TestController_CommitIsIdempotentPerRecord(t *testing.T) {
	c := newController(t)
	ctx := context.Background()
	sess, _ := c.Create(ctx, dec("0.10"))

	first, err := c.Reserve(ctx, sess.ID, dec("0.02"), "p1")
	require.NoError(t, err)
	second, err := c.Reserve(ctx, sess.ID, dec("0.02"), "p1")
	require.NoError(t, err)

	record := session.TransactionRecord{ID: "rcpt-1", ProductID: "p1"}
	_, err = c.Commit(ctx, sess.ID, first.ID, record)
	require.NoError(t, err)
	got, err := c.Commit(ctx, sess.ID, second.ID, record)
	require.NoError(t, err)

	assert.True(t, got.Spent.Equal(dec("0.02")))
	assert.True(t, got.Reserved.IsZero())
	assert.Len(t, got.Transactions, 1)

	_, err = c.Commit(ctx, sess.ID, first.ID, record)
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestController_RecordTransaction(t *testing.T) {
	c := newController(t)
	ctx := context.Background()
	sess, _ := c.Create(ctx, dec("0.05"))

	record := session.TransactionRecord{ID: "ext-1", ProductID: "feed:legal_in", Amount: dec("0.02"), Origin: session.OriginExternalFeed}
	_, err := c.RecordTransaction(ctx, sess.ID, record)
	require.NoError(t, err)
	got, err := c.RecordTransaction(ctx, sess.ID, record)
	require.NoError(t, err)
	assert.True(t, got.Spent.Equal(dec("0.02")), "replay is a no-op")
	assert.Len(t, got.Transactions, 1)

	_, err = c.RecordTransaction(ctx, sess.ID, session.TransactionRecord{ID: "ext-2", Amount: dec("0.04")})
	assert.ErrorIs(t, err, ErrInsufficientBudget)

	_, err = c.RecordTransaction(ctx, sess.ID, session.TransactionRecord{ID: "ext-3", Amount: dec("0")})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = c.RecordTransaction(ctx, sess.ID, session.TransactionRecord{Amount: dec("0.01")})
	assert.Error(t, err)
}

func TestController_ConcurrentReservesNeverOverspend(t *testing.T) {
	c := newController(t)
	ctx := context.Background()
	sess, err := c.Create(ctx, dec("0.10"))
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := buy(t, c, sess.ID, fmt.Sprintf("p%d", i), "0.03"); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrInsufficientBudget)
			}
		}(i)
	}
	wg.Wait()

	got, _ := c.Get(ctx, sess.ID)
	assert.Equal(t, 3, accepted)
	assert.True(t, got.Spent.Equal(dec("0.09")), "spent = %s", got.Spent)
	assert.False(t, got.Spent.GreaterThan(got.Budget))
}

func TestController_StatusTransitions(t *testing.T) {
	c := newController(t)
	ctx := context.Background()
	sess, _ := c.CreateWithID(ctx, "fixed", dec("0.10"))
	assert.Equal(t, "fixed", sess.ID)
	assert.Equal(t, session.StatusIdle, sess.Status)

	_, err := c.CreateWithID(ctx, "fixed", dec("0.10"))
	assert.Error(t, err, "duplicate id")
	_, err = c.Create(ctx, dec("0"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	got, err := c.SetStatus(ctx, sess.ID, session.StatusThinking)
	require.NoError(t, err)
	assert.Equal(t, session.StatusThinking, got.Status)

	got, err = c.Fail(ctx, sess.ID, "oracle unreachable")
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, got.Status)
	assert.Equal(t, "oracle unreachable", got.Error)

	_, err = c.Finalize(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = c.Reserve(ctx, sess.ID, dec("0.01"), "p")
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestController_ReleaseAllAndEvict(t *testing.T) {
	c := newController(t)
	ctx := context.Background()
	sess, _ := c.Create(ctx, dec("0.10"))
	live, _ := c.Create(ctx, dec("0.10"))

	_, err := c.Reserve(ctx, sess.ID, dec("0.02"), "a")
	require.NoError(t, err)
	_, err = c.Reserve(ctx, sess.ID, dec("0.03"), "b")
	require.NoError(t, err)

	n, err := c.ReleaseAll(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	got, _ := c.Get(ctx, sess.ID)
	assert.True(t, got.Reserved.IsZero())

	_, err = c.Finalize(ctx, sess.ID)
	require.NoError(t, err)

	removed, err := c.Evict(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = c.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = c.Get(ctx, live.ID)
	assert.NoError(t, err, "non-terminal sessions are kept")

	_, held := c.locks.Load(sess.ID)
	assert.False(t, held, "evicted sessions release their lock entry")

	reopened, err := c.CreateWithID(ctx, sess.ID, dec("0.10"))
	require.NoError(t, err)
	_, err = c.Reserve(ctx, reopened.ID, dec("0.02"), "c")
	assert.NoError(t, err, "an evicted id can be reused")
}
