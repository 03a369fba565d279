// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/infomart/internal/app/services/agent"
	"github.com/R3E-Network/infomart/internal/app/services/payment"
	"github.com/R3E-Network/infomart/internal/config"
)

// Config returns a configuration suitable for in-process tests: no pacing
// delay, no rate limiting, a fixed payment secret and the embedded seed.
func Config() *config.Config {
	return &config.Config{
		HTTPAddr:  "127.0.0.1:0",
		LogLevel:  "error",
		LogFormat: "text",
		Market: config.MarketConfig{
			DefaultStake:    decimal.RequireFromString("5.00"),
			FeeRate:         decimal.RequireFromString("0.10"),
			MinPrice:        decimal.RequireFromString("0.01"),
			MaxPrice:        decimal.RequireFromString("0.10"),
			TreasuryLogSize: 100,
		},
		Agent: config.AgentConfig{
			Budget:        decimal.RequireFromString("0.10"),
			MaxIterations: 8,
			Wallet:        "agent",
			WalletBalance: decimal.RequireFromString("10.00"),
		},
		Oracle: config.OracleConfig{Model: "test", Timeout: time.Second},
		Payment: config.PaymentConfig{
			Secret:   "test-payment-secret",
			Network:  payment.DefaultNetwork,
			Timeout:  time.Second,
			TokenTTL: time.Minute,
		},
		HTTP: config.HTTPConfig{
			CORSOrigins: []string{"*"},
		},
		SessionTTL:           time.Hour,
		HousekeepingSchedule: "@every 1h",
		BusBuffer:            64,
		BusHistory:           256,
	}
}

// ScriptedOracle replays a fixed list of decisions, then repeats Fallback.
type ScriptedOracle struct {
	mu       sync.Mutex
	turns    []agent.Decision
	calls    int
	Fallback agent.Decision
	Err      error
}

// NewScriptedOracle creates an oracle answering with turns in order.
func NewScriptedOracle(turns ...agent.Decision) *ScriptedOracle {
	return &ScriptedOracle{
		turns:    turns,
		Fallback: agent.Decision{Content: "done"},
	}
}

// Decide implements agent.Oracle.
func (o *ScriptedOracle) Decide(_ context.Context, _ []agent.Message, _ []agent.ToolSpec) (agent.Decision, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.Err != nil {
		return agent.Decision{}, o.Err
	}
	if len(o.turns) == 0 {
		return o.Fallback, nil
	}
	d := o.turns[0]
	o.turns = o.turns[1:]
	return d, nil
}

// Push appends decisions to the script.
func (o *ScriptedOracle) Push(turns ...agent.Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.turns = append(o.turns, turns...)
}

// Calls returns how many decisions were requested.
func (o *ScriptedOracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// ToolCall builds a tool call with JSON encoded arguments.
func ToolCall(id string, name agent.ToolName, args map[string]interface{}) agent.ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte("{}")
	}
	return agent.ToolCall{ID: id, Name: name, Arguments: raw}
}

// Purchase builds a purchase_data call for a marketplace product.
func Purchase(id, productID string) agent.ToolCall {
	return ToolCall(id, agent.ToolPurchaseData, map[string]interface{}{
		"product_id":    productID,
		"source":        agent.SourceMarketplace,
		"justification": "test purchase",
	})
}

// Calls wraps tool calls into a decision.
func Calls(calls ...agent.ToolCall) agent.Decision {
	return agent.Decision{ToolCalls: calls}
}

// RecordingGateway wraps a payment gateway and records every invoice. When
// Fail is set every authorization is denied.
type RecordingGateway struct {
	mu       sync.Mutex
	next     payment.Gateway
	invoices []payment.Invoice
	Fail     bool
}

// NewRecordingGateway wraps next. A nil next approves every invoice with a
// generated receipt.
func NewRecordingGateway(next payment.Gateway) *RecordingGateway {
	return &RecordingGateway{next: next}
}

// Authorize implements payment.Gateway.
func (g *RecordingGateway) Authorize(ctx context.Context, invoice payment.Invoice) (payment.Receipt, error) {
	g.mu.Lock()
	g.invoices = append(g.invoices, invoice)
	fail := g.Fail
	g.mu.Unlock()

	if fail {
		return payment.Receipt{}, payment.Denied("declined by test gateway")
	}
	if g.next != nil {
		return g.next.Authorize(ctx, invoice)
	}
	return payment.Receipt{
		ID:        "rcpt-" + invoice.Nonce,
		PayerID:   invoice.PayerID,
		PayTo:     invoice.PayTo,
		Resource:  invoice.ResourceURL,
		Amount:    invoice.Amount,
		Network:   invoice.Network,
		SettledAt: time.Now().UTC(),
	}, nil
}

// Invoices returns a copy of the recorded invoices.
func (g *RecordingGateway) Invoices() []payment.Invoice {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]payment.Invoice(nil), g.invoices...)
}
