package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/infomart/internal/app/domain/market"
	"github.com/R3E-Network/infomart/internal/app/domain/session"
	"github.com/R3E-Network/infomart/internal/app/storage"
)

func TestStore_ProductLifecycle(t *testing.T) {
	ctx := context.Background()
	store := New()

	older, err := store.CreateProduct(ctx, market.Product{Title: "old", Price: decimal.RequireFromString("0.02"), CreatedAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	newer, err := store.CreateProduct(ctx, market.Product{Title: "new", Price: decimal.RequireFromString("0.05")})
	require.NoError(t, err)
	assert.NotEmpty(t, older.ID)

	_, err = store.CreateProduct(ctx, market.Product{ID: older.ID})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	list, err := store.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID, "newest first")

	newer.Price = decimal.RequireFromString("9.99")
	newer.SalesCount = 3
	updated, err := store.UpdateProduct(ctx, newer)
	require.NoError(t, err)
	assert.Equal(t, int64(3), updated.SalesCount)
	assert.True(t, updated.Price.Equal(decimal.RequireFromString("0.05")), "price is immutable")

	_, err = store.GetProduct(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_SessionCopiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := New()

	sess, err := store.CreateSession(ctx, session.Session{Budget: decimal.RequireFromString("0.10"), Purchased: map[string]bool{}})
	require.NoError(t, err)

	sess.Purchased["p1"] = true
	sess.Transactions = append(sess.Transactions, session.TransactionRecord{ID: "tx"})

	fresh, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, fresh.HasPurchased("p1"))
	assert.Empty(t, fresh.Transactions)

	_, err = store.UpdateSession(ctx, sess)
	require.NoError(t, err)
	fresh, err = store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, fresh.HasPurchased("p1"))

	require.NoError(t, store.DeleteSession(ctx, sess.ID))
	assert.ErrorIs(t, store.DeleteSession(ctx, sess.ID), storage.ErrNotFound)
}
