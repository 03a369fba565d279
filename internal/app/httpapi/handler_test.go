package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/R3E-Network/infomart/internal/app"
	"github.com/R3E-Network/infomart/internal/app/domain/market"
	"github.com/R3E-Network/infomart/internal/app/services/agent"
	"github.com/R3E-Network/infomart/internal/config"
	"github.com/R3E-Network/infomart/internal/middleware"
	"github.com/R3E-Network/infomart/pkg/logger"
	"github.com/R3E-Network/infomart/pkg/testutil"
)

type testEnv struct {
	app     *app.Application
	handler http.Handler
	oracle  *testutil.ScriptedOracle
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testutil.Config()
	if mutate != nil {
		mutate(cfg)
	}
	oracle := testutil.NewScriptedOracle()
	application, err := app.New(context.Background(), cfg, app.Options{
		Oracle: oracle,
		Logger: logger.NewDiscard("test"),
	})
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return &testEnv{
		app:     application,
		handler: NewHandler(application, WithLogger(logger.NewDiscard("httpapi")), WithHeartbeat(50*time.Millisecond)),
		oracle:  oracle,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	e.handler.ServeHTTP(resp, req)
	return resp
}

func decodeMap(t *testing.T, resp *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out), resp.Body.String())
	return out
}

// productBySeller finds a seeded product id.
func (e *testEnv) productBySeller(t *testing.T, sellerID string) market.ProductListing {
	t.Helper()
	listings, err := e.app.Market.List(context.Background())
	require.NoError(t, err)
	for _, l := range listings {
		if l.SellerID == sellerID {
			return l
		}
	}
	t.Fatalf("no product from %s", sellerID)
	return market.ProductListing{}
}

// payFor buys a token for resource from the agent's sandbox wallet.
func (e *testEnv) payFor(t *testing.T, resource string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/wallets/agent/pay", map[string]string{"resource": resource}, nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	token, _ := decodeMap(t, resp)["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestHealthAndCatalog(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	health := decodeMap(t, resp)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, serviceName, health["service"])
	assert.EqualValues(t, 3, health["products"])
	assert.EqualValues(t, 5, health["vendors"])
	assert.NotEmpty(t, resp.Header().Get(middleware.TraceHeader))

	resp = env.do(t, http.MethodGet, "/products", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decodeMap(t, resp)
	assert.EqualValues(t, 3, body["count"])
	products := body["products"].([]interface{})
	first := products[0].(map[string]interface{})
	assert.NotContains(t, first, "content", "listings never carry content")

	resp = env.do(t, http.MethodGet, "/products/agent", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, decodeMap(t, resp), "instructions")

	alice := env.productBySeller(t, "alice")
	resp = env.do(t, http.MethodGet, "/product/"+alice.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.NotContains(t, decodeMap(t, resp)["product"], "content")

	resp = env.do(t, http.MethodGet, "/product/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "PRODUCT_NOT_FOUND", decodeMap(t, resp)["code"])

	resp = env.do(t, http.MethodGet, "/nowhere", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = env.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestPublish(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/publish", map[string]interface{}{
		"title":       "Monsoon futures",
		"description": "How rainfall moves agri commodities",
		"price":       0.04,
		"content":     "Watch IMD forecasts in late May.",
		"wallet":      "dana",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	body := decodeMap(t, resp)
	assert.NotEmpty(t, body["id"])
	product := body["product"].(map[string]interface{})
	assert.Equal(t, "dana", product["sellerId"], "wallet stands in for sellerId")
	assert.Equal(t, "human_alpha", product["type"])
	assert.EqualValues(t, 5, product["currentStake"])

	resp = env.do(t, http.MethodPost, "/publish", map[string]interface{}{
		"title": "Too pricey", "description": "d", "price": 5, "content": "c", "sellerId": "dana",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeMap(t, resp)["code"])

	resp = env.do(t, http.MethodPost, "/publish", map[string]interface{}{"title": "x", "unexpected": true}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeMap(t, resp)["code"])
}

func TestBuy_PaywallFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.productBySeller(t, "alice")
	resource := "/product/" + alice.ID + "/buy"

	resp := env.do(t, http.MethodGet, resource, nil, nil)
	require.Equal(t, http.StatusPaymentRequired, resp.Code)
	challenge := decodeMap(t, resp)
	assert.EqualValues(t, 1, challenge["x402Version"])
	accepts := challenge["accepts"].([]interface{})
	require.Len(t, accepts, 1)
	req := accepts[0].(map[string]interface{})
	assert.Equal(t, "50000", req["maxAmountRequired"])
	assert.Equal(t, "alice", req["payTo"])
	assert.Equal(t, resource, req["resource"])
	assert.Equal(t, "exact", req["scheme"])

	vendorToken := env.payFor(t, "/vendor/wiki_basic")
	resp = env.do(t, http.MethodGet, resource, nil, map[string]string{middleware.PaymentHeader: vendorToken})
	assert.Equal(t, http.StatusPaymentRequired, resp.Code, "a token for another resource is refused")

	token := env.payFor(t, resource)
	resp = env.do(t, http.MethodGet, resource, nil, map[string]string{middleware.PaymentHeader: token})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	body := decodeMap(t, resp)
	assert.NotEmpty(t, body["content"])
	assert.EqualValues(t, 0.05, body["paidAmount"])

	header := resp.Header().Get(middleware.PaymentResponseHeader)
	raw, err := base64.StdEncoding.DecodeString(header)
	require.NoError(t, err)
	var settlement map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &settlement))
	assert.Equal(t, true, settlement["success"])
	assert.Equal(t, "agent", settlement["payer"])

	resp = env.do(t, http.MethodGet, resource, nil, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusPaymentRequired, resp.Code, "tokens are single use")

	listing, err := env.app.Market.Get(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, listing.SalesCount)
	assert.True(t, env.app.Treasury.Snapshot().FeeCollected.Equal(decimal.RequireFromString("0.005")))

	balance, ok := env.app.Sandbox.Balance("agent")
	require.True(t, ok)
	assert.True(t, balance.Equal(decimal.RequireFromString("9.94")), balance.String())
}

func TestPay_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/wallets/nobody/pay", map[string]string{"resource": "/vendor/legal_in"}, nil)
	assert.Equal(t, http.StatusPaymentRequired, resp.Code)
	assert.Equal(t, "PAYMENT_FAILED", decodeMap(t, resp)["code"])

	resp = env.do(t, http.MethodPost, "/wallets/agent/pay", map[string]string{"resource": "/elsewhere"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.do(t, http.MethodPost, "/wallets/agent/pay", map[string]string{"resource": "/vendor/none"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = env.do(t, http.MethodGet, "/wallets/agent", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	wallet := decodeMap(t, resp)["wallet"].(map[string]interface{})
	assert.EqualValues(t, 10, wallet["balance"])

	resp = env.do(t, http.MethodGet, "/wallets/nobody", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestVendorPaywall(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/vendors", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decodeMap(t, resp)
	assert.Len(t, body["vendors"], 5)
	assert.Equal(t, "x402", body["paymentProtocol"])

	resp = env.do(t, http.MethodGet, "/vendor/legal_in", nil, nil)
	require.Equal(t, http.StatusPaymentRequired, resp.Code)

	token := env.payFor(t, "/vendor/legal_in")
	resp = env.do(t, http.MethodGet, "/vendor/legal_in", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	body = decodeMap(t, resp)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "97%", data["confidence"])
	meta := body["meta"].(map[string]interface{})
	assert.Equal(t, "agent", meta["paidBy"])
	assert.Equal(t, "legal_in", meta["vendorId"])

	resp = env.do(t, http.MethodGet, "/vendor/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRate(t *testing.T) {
	env := newTestEnv(t, nil)
	bob := env.productBySeller(t, "bob")

	resp := env.do(t, http.MethodPost, "/product/"+bob.ID+"/rate", map[string]interface{}{"rating": 1, "reason": "stale"}, nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	body := decodeMap(t, resp)
	assert.Equal(t, "slash", body["eventType"])
	assert.EqualValues(t, -3, body["stakeChange"])
	assert.EqualValues(t, 2, body["newStake"])

	resp = env.do(t, http.MethodPost, "/product/"+bob.ID+"/rate", map[string]interface{}{"rating": 9}, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body = decodeMap(t, resp)
	assert.EqualValues(t, 5, body["rating"], "ratings are clamped")
	assert.Equal(t, "reward", body["eventType"])

	recent := env.app.MarketEvents.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, market.EventSlash, recent[0].Kind, "a top rating is still streamed as a slash")
	assert.Equal(t, 5, recent[0].Slash.Rating)

	for _, tc := range []struct {
		raw    float64
		rating int
	}{
		{4.6, 5},
		{1e20, 5},
		{-1e20, 1},
	} {
		resp = env.do(t, http.MethodPost, "/product/"+bob.ID+"/rate", map[string]interface{}{"rating": tc.raw}, nil)
		require.Equal(t, http.StatusOK, resp.Code, "rating %v: %s", tc.raw, resp.Body.String())
		assert.EqualValues(t, tc.rating, decodeMap(t, resp)["rating"], "rating %v", tc.raw)
	}

	resp = env.do(t, http.MethodPost, "/product/"+bob.ID+"/rate", map[string]interface{}{"reason": "no score"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.do(t, http.MethodPost, "/product/missing/rate", map[string]interface{}{"rating": 3}, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = env.do(t, http.MethodGet, "/treasury", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	treasury := decodeMap(t, resp)["treasury"].(map[string]interface{})
	// 3.00 from the first rating and 3.00 from the clamped -1e20.
	assert.EqualValues(t, 6, treasury["slashCollected"])
}

func TestRecordSale(t *testing.T) {
	env := newTestEnv(t, nil)
	charlie := env.productBySeller(t, "charlie")

	resp := env.do(t, http.MethodPost, "/product/"+charlie.ID+"/record-sale", map[string]string{}, nil)
	assert.Equal(t, http.StatusForbidden, resp.Code)

	open := newTestEnv(t, func(cfg *config.Config) { cfg.HTTP.AllowUnverifiedSales = true })
	charlie = open.productBySeller(t, "charlie")
	resp = open.do(t, http.MethodPost, "/product/"+charlie.ID+"/record-sale", map[string]string{"receiptId": "r-1"}, nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	product := decodeMap(t, resp)["product"].(map[string]interface{})
	assert.EqualValues(t, 1, product["salesCount"])

	resp = open.do(t, http.MethodPost, "/product/"+charlie.ID+"/record-sale", map[string]string{"receiptId": "r-1"}, nil)
	assert.Equal(t, http.StatusConflict, resp.Code, "receipts settle once")

	resp = open.do(t, http.MethodGet, "/stats", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	stats := decodeMap(t, resp)["stats"].(map[string]interface{})
	assert.EqualValues(t, 1, stats["totalSales"])
}

func TestChat_RunsSessionAndStreamsEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.productBySeller(t, "alice")
	env.oracle.Push(
		testutil.Calls(testutil.ToolCall("c1", agent.ToolBrowseMarketplace, map[string]interface{}{})),
		testutil.Calls(testutil.Purchase("c2", alice.ID)),
		agent.Decision{Content: "Use the AIBhoomi strategy."},
	)

	resp := env.do(t, http.MethodPost, "/chat", map[string]interface{}{"query": "best strategy for 2026?", "budget": 0.08}, nil)
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	body := decodeMap(t, resp)
	id := body["sessionId"].(string)
	assert.Equal(t, "/sessions/"+id+"/stream", body["streamUrl"])
	assert.Equal(t, "processing", body["status"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := env.app.Agent.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Use the AIBhoomi strategy.", result.Answer)

	resp = env.do(t, http.MethodGet, "/sessions/"+id+"/stream", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "text/event-stream", resp.Header().Get("Content-Type"))
	stream := resp.Body.String()
	assert.Contains(t, stream, "event: tx\n")
	assert.Contains(t, stream, "event: budget\n")
	assert.Contains(t, stream, "event: answer\n")
	assert.Contains(t, stream, `"step":"FINAL"`)
	assert.NotContains(t, stream, "event: error\n")

	resp = env.do(t, http.MethodGet, "/sessions/"+id, nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	sess := decodeMap(t, resp)["session"].(map[string]interface{})
	assert.Equal(t, "complete", sess["status"])
	assert.EqualValues(t, 0.05, sess["spent"])
	assert.Len(t, sess["transactions"], 1)

	resp = env.do(t, http.MethodGet, "/sessions", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.EqualValues(t, 1, decodeMap(t, resp)["count"])
}

func TestChat_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/chat", map[string]interface{}{"query": "   "}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.do(t, http.MethodPost, "/chat", map[string]interface{}{"query": "hi", "budget": -1}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.do(t, http.MethodPost, "/chat", map[string]interface{}{"query": strings.Repeat("q", maxQueryLength+1)}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.do(t, http.MethodGet, "/sessions/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", decodeMap(t, resp)["code"])

	resp = env.do(t, http.MethodGet, "/sessions/unknown/stream", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = env.do(t, http.MethodPost, "/sessions/unknown/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestMarketStream_SSE(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream?replay=2&types=listing", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "event: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "event: "))
			}
		}
	}

	assert.Equal(t, "connected", readEvent())
	assert.Equal(t, "listing", readEvent(), "replayed seed listing")
	assert.Equal(t, "listing", readEvent(), "replayed seed listing")

	_, err = env.app.Market.Publish(context.Background(), market.PublishRequest{
		Title: "Live", Description: "d", Content: "c", SellerID: "erin", Price: decimal.RequireFromString("0.02"),
	})
	require.NoError(t, err)
	assert.Equal(t, "listing", readEvent())

	bad := env.do(t, http.MethodGet, "/stream?types=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestMarketStream_WebSocket(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?types=slash,reward"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var frame map[string]interface{}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "connected", frame["type"])

	bob := env.productBySeller(t, "bob")
	_, err = env.app.Market.Rate(context.Background(), bob.ID, 2, "thin")
	require.NoError(t, err)

	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "slash", frame["type"])
	evt := frame["event"].(map[string]interface{})
	assert.Equal(t, bob.ID, evt["productId"])
	slash := evt["slash"].(map[string]interface{})
	assert.EqualValues(t, 2, slash["rating"])
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.HTTP.RateLimitRPS = 0.001
		cfg.HTTP.RateLimitBurst = 1
	})

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil, nil).Code)
	resp := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.NotEmpty(t, resp.Header().Get("Retry-After"))
}
