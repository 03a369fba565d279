package market

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/infomart/internal/app/domain/market"
	"github.com/R3E-Network/infomart/internal/app/events"
	"github.com/R3E-Network/infomart/internal/app/services/treasury"
	"github.com/R3E-Network/infomart/internal/app/storage/memory"
	"github.com/R3E-Network/infomart/pkg/logger"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(t *testing.T) (*Service, *treasury.Treasury, *events.Bus[market.Event]) {
	t.Helper()
	log := logger.NewDiscard("market-test")
	bus := events.New[market.Event](events.WithLogger(log), events.WithHistory(1000))
	t.Cleanup(bus.Close)
	tr := treasury.New(0)
	return New(memory.New(), tr, bus, DefaultConfig(), log), tr, bus
}

func publishReq(price string) market.PublishRequest {
	return market.PublishRequest{
		Title:       "Alpha",
		Description: "desc",
		Price:       dec(price),
		Content:     "the secret",
		SellerID:    "seller-1",
		SellerName:  "Alice",
	}
}

func TestService_PublishValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []market.PublishRequest{
		{Description: "d", Content: "c", SellerID: "s", Price: dec("0.05")},
		{Title: "t", Content: "c", SellerID: "s", Price: dec("0.05")},
		{Title: "t", Description: "d", SellerID: "s", Price: dec("0.05")},
		{Title: "t", Description: "d", Content: "c", Price: dec("0.05")},
		{Title: "t", Description: "d", Content: "c", SellerID: "s", Price: dec("0.001")},
		{Title: "t", Description: "d", Content: "c", SellerID: "s", Price: dec("0.11")},
		{Title: "t", Description: "d", Content: "c", SellerID: "s", Price: dec("0.05"), Type: "video"},
	}
	for i, req := range cases {
		_, err := svc.Publish(ctx, req)
		assert.ErrorIs(t, err, ErrValidation, "case %d", i)
	}

	product, err := svc.Publish(ctx, publishReq("0.034"))
	require.NoError(t, err)
	assert.True(t, product.Price.Equal(dec("0.03")), "price rounded to cents")
	assert.Equal(t, market.TypeHumanAlpha, product.Type)
	assert.True(t, product.CurrentStake.Equal(dec("5.00")))
	assert.Zero(t, product.SalesCount)
}

func TestService_GetHidesContent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	product, err := svc.Publish(ctx, publishReq("0.05"))
	require.NoError(t, err)

	listing, err := svc.Get(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, product.Title, listing.Title)

	full, err := svc.GetFull(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, "the secret", full.Content)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// A $0.10 sale sends a 10% fee to the treasury and the rest to the seller.
func TestService_SettleSaleFee(t *testing.T) {
	svc, tr, _ := newTestService(t)
	ctx := context.Background()

	product, err := svc.Publish(ctx, publishReq("0.10"))
	require.NoError(t, err)

	sold, err := svc.SettleSale(ctx, product.ID, "buyer", "rcpt-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sold.SalesCount)
	assert.True(t, tr.FeeCollected().Equal(dec("0.01")), "fee = %s", tr.FeeCollected())

	_, err = svc.SettleSale(ctx, product.ID, "buyer", "rcpt-1")
	assert.ErrorIs(t, err, ErrDuplicateReceipt)
	_, err = svc.SettleSale(ctx, product.ID, "buyer", "")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = svc.SettleSale(ctx, "missing", "buyer", "rcpt-2")
	assert.ErrorIs(t, err, ErrNotFound)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalSales)
	assert.True(t, stats.TotalRevenue.Equal(dec("0.10")))
}

func TestService_ConcurrentSalesAreCounted(t *testing.T) {
	svc, tr, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Publish(ctx, publishReq("0.05"))
	require.NoError(t, err)
	b, err := svc.Publish(ctx, publishReq("0.10"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := svc.SettleSale(ctx, a.ID, "buyer", "a-"+decimal.NewFromInt(int64(i)).String())
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := svc.SettleSale(ctx, b.ID, "buyer", "b-"+decimal.NewFromInt(int64(i)).String())
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	gotA, _ := svc.GetFull(ctx, a.ID)
	gotB, _ := svc.GetFull(ctx, b.ID)
	assert.Equal(t, int64(50), gotA.SalesCount)
	assert.Equal(t, int64(50), gotB.SalesCount)
	// 50 * 0.005 + 50 * 0.01
	assert.True(t, tr.FeeCollected().Equal(dec("0.75")), "fee = %s", tr.FeeCollected())
}

// Stake 5.00 rated 1 loses 3.00 to the treasury.
func TestService_RateSlashesStake(t *testing.T) {
	svc, tr, bus := newTestService(t)
	ctx := context.Background()

	product, err := svc.Publish(ctx, publishReq("0.05"))
	require.NoError(t, err)

	sub := bus.Subscribe(8)
	defer sub.Close()

	result, err := svc.Rate(ctx, product.ID, 1, "useless")
	require.NoError(t, err)
	assert.Equal(t, market.EventSlash, result.EventType)
	assert.True(t, result.StakeChange.Equal(dec("-3.00")))
	assert.True(t, result.NewStake.Equal(dec("2.00")))
	assert.True(t, tr.SlashCollected().Equal(dec("3.00")))

	select {
	case evt := <-sub.C():
		require.Equal(t, market.EventSlash, evt.Kind)
		assert.True(t, evt.Slash.Delta.Equal(dec("-3.00")))
		assert.True(t, evt.Slash.NewStake.Equal(dec("2.00")))
		assert.Equal(t, 1, evt.Slash.Rating)
	case <-time.After(time.Second):
		t.Fatal("no slash event")
	}
	select {
	case extra := <-sub.C():
		t.Fatalf("expected exactly one event, got %+v", extra)
	default:
	}
}

func TestService_RateClampsAndFloors(t *testing.T) {
	svc, tr, bus := newTestService(t)
	ctx := context.Background()

	product, err := svc.Publish(ctx, publishReq("0.05"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.Rate(ctx, product.ID, -10, "")
		require.NoError(t, err)
	}
	got, _ := svc.GetFull(ctx, product.ID)
	assert.True(t, got.CurrentStake.IsZero(), "stake floored at zero, got %s", got.CurrentStake)
	assert.True(t, tr.SlashCollected().Equal(dec("9.00")))

	sub := bus.Subscribe(8)
	defer sub.Close()

	result, err := svc.Rate(ctx, product.ID, 99, "great")
	require.NoError(t, err)
	assert.Equal(t, 5, result.Rating)
	assert.Equal(t, market.EventReward, result.EventType)
	assert.True(t, result.StakeChange.IsZero())
	assert.True(t, tr.SlashCollected().Equal(dec("9.00")))

	select {
	case evt := <-sub.C():
		require.Equal(t, market.EventSlash, evt.Kind, "a top rating is still recorded as a slash")
		require.NotNil(t, evt.Slash)
		assert.Nil(t, evt.Reward)
		assert.Equal(t, 5, evt.Slash.Rating)
		assert.True(t, evt.Slash.Delta.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no slash event")
	}

	_, err = svc.Rate(ctx, "missing", 3, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Concurrent ratings 2 and 3 on one product both apply: 5 - 2 - 1 = 2.
func TestService_ConcurrentRatingsNoLostUpdate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	product, err := svc.Publish(ctx, publishReq("0.05"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, rating := range []int{2, 3} {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			_, err := svc.Rate(ctx, product.ID, r, "")
			assert.NoError(t, err)
		}(rating)
	}
	wg.Wait()

	got, _ := svc.GetFull(ctx, product.ID)
	assert.True(t, got.CurrentStake.Equal(dec("2.00")), "stake = %s", got.CurrentStake)
}

func TestService_ListingPrecedesSaleAndSlash(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()
	sub := bus.Subscribe(256)
	defer sub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := svc.Publish(ctx, publishReq("0.05"))
			if !assert.NoError(t, err) {
				return
			}
			_, err = svc.SettleSale(ctx, p.ID, "buyer", "r")
			assert.NoError(t, err)
			_, err = svc.Rate(ctx, p.ID, 2, "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	listed := map[string]bool{}
	var lastSeq uint64
	for i := 0; i < 30; i++ {
		evt := <-sub.C()
		assert.Greater(t, evt.Seq, lastSeq, "sequence increases")
		lastSeq = evt.Seq
		switch evt.Kind {
		case market.EventListing:
			listed[evt.ProductID] = true
		default:
			assert.True(t, listed[evt.ProductID], "%s before listing for %s", evt.Kind, evt.ProductID)
		}
	}
}

func TestService_SeedAndStats(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	seed := []market.PublishRequest{
		publishReq("0.05"),
		{Title: "API", Description: "d", Content: "c", SellerID: "bot", Price: dec("0.02"), Type: market.TypeAPI},
	}
	require.NoError(t, svc.Seed(ctx, seed))

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "API", list[0].Title, "newest first")

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalProducts)
	assert.Equal(t, 1, stats.HumanAlphaCount)
	assert.Equal(t, 1, stats.APICount)

	bad := []market.PublishRequest{{Title: "broken"}}
	assert.ErrorIs(t, svc.Seed(ctx, bad), ErrValidation)
}
