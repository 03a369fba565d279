package payment

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/infomart/pkg/logger"
)

// Wallet is a sandbox account balance.
type Wallet struct {
	ID      string          `json:"id"`
	Balance decimal.Decimal `json:"balance"`
}

// SandboxGateway settles payments against prefunded in-memory wallets and
// issues signed payment tokens for each receipt.
type SandboxGateway struct {
	mu      sync.Mutex
	wallets map[string]decimal.Decimal
	settled map[string]Receipt // nonce -> receipt
	signer  *Signer
	network string
	log     *logger.Logger
}

// NewSandboxGateway creates a sandbox gateway.
func NewSandboxGateway(signer *Signer, network string, log *logger.Logger) *SandboxGateway {
	if log == nil {
		log = logger.NewDefault("payment")
	}
	if network == "" {
		network = DefaultNetwork
	}
	return &SandboxGateway{
		wallets: make(map[string]decimal.Decimal),
		settled: make(map[string]Receipt),
		signer:  signer,
		network: network,
		log:     log,
	}
}

// Fund credits amount to the wallet, creating it when missing.
func (g *SandboxGateway) Fund(walletID string, amount decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.wallets[walletID] = g.wallets[walletID].Add(amount)
}

// Balance returns the wallet balance and whether the wallet exists.
func (g *SandboxGateway) Balance(walletID string) (decimal.Decimal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	bal, ok := g.wallets[walletID]
	return bal, ok
}

// Wallets lists every wallet sorted by id.
func (g *SandboxGateway) Wallets() []Wallet {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Wallet, 0, len(g.wallets))
	for id, bal := range g.wallets {
		out = append(out, Wallet{ID: id, Balance: bal})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Authorize debits the payer and credits the payee. Repeating an invoice
// nonce returns the original receipt without charging again.
func (g *SandboxGateway) Authorize(ctx context.Context, invoice Invoice) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if err := validateInvoice(invoice); err != nil {
		return Receipt{}, err
	}
	amount := invoice.Amount.Round(2)
	network := invoice.Network
	if network == "" {
		network = g.network
	}

	g.mu.Lock()
	if invoice.Nonce != "" {
		if prior, ok := g.settled[invoice.Nonce]; ok {
			g.mu.Unlock()
			return prior, nil
		}
	}
	balance, ok := g.wallets[invoice.PayerID]
	if !ok {
		g.mu.Unlock()
		return Receipt{}, Denied("unknown wallet %s", invoice.PayerID)
	}
	if balance.LessThan(amount) {
		g.mu.Unlock()
		return Receipt{}, Denied("insufficient funds in %s: have $%s, need $%s", invoice.PayerID, balance.StringFixed(2), amount.StringFixed(2))
	}

	receipt := Receipt{
		ID:        strings.TrimSpace(invoice.Nonce),
		PayerID:   invoice.PayerID,
		PayTo:     invoice.PayTo,
		Resource:  invoice.ResourceURL,
		Amount:    amount,
		Network:   network,
		SettledAt: time.Now().UTC(),
	}
	if receipt.ID == "" {
		receipt.ID = uuid.NewString()
	}
	if g.signer != nil {
		token, err := g.signer.Issue(receipt)
		if err != nil {
			g.mu.Unlock()
			return Receipt{}, &TransientError{Err: err}
		}
		receipt.Token = token
	}

	g.wallets[invoice.PayerID] = balance.Sub(amount)
	if invoice.PayTo != "" {
		g.wallets[invoice.PayTo] = g.wallets[invoice.PayTo].Add(amount)
	}
	if invoice.Nonce != "" {
		g.settled[invoice.Nonce] = receipt
	}
	g.mu.Unlock()

	g.log.WithFields(map[string]interface{}{
		"receipt":  receipt.ID,
		"payer":    receipt.PayerID,
		"resource": receipt.Resource,
		"amount":   amount.StringFixed(2),
	}).Info("sandbox payment settled")
	return receipt, nil
}
