package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/infomart/internal/httputil"
	"github.com/R3E-Network/infomart/pkg/logger"
)

// FacilitatorConfig configures the remote settlement client.
type FacilitatorConfig struct {
	URL     string
	APIKey  string
	Network string
	Timeout time.Duration
}

// FacilitatorGateway settles payments through a remote facilitator's
// POST /settle endpoint.
type FacilitatorGateway struct {
	client  *httputil.Client
	network string
	log     *logger.Logger
}

// NewFacilitatorGateway creates a facilitator client. Retries are left to
// Retrying so that every attempt is classified the same way.
func NewFacilitatorGateway(cfg FacilitatorConfig, httpClient *http.Client, log *logger.Logger) (*FacilitatorGateway, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("facilitator url is required")
	}
	if log == nil {
		log = logger.NewDefault("payment")
	}
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	network := cfg.Network
	if network == "" {
		network = DefaultNetwork
	}
	return &FacilitatorGateway{
		client: httputil.NewClient(httputil.ClientConfig{
			BaseURL:    cfg.URL,
			Timeout:    cfg.Timeout,
			MaxRetries: 0,
			Headers:    headers,
			HTTPClient: httpClient,
		}),
		network: network,
		log:     log,
	}, nil
}

type settleRequest struct {
	Resource string `json:"resource"`
	Amount   string `json:"amount"`
	PayTo    string `json:"payTo"`
	Payer    string `json:"payer"`
	Nonce    string `json:"nonce"`
	Network  string `json:"network"`
	Scheme   string `json:"scheme"`
}

// Authorize asks the facilitator to settle the invoice. 4xx responses and
// explicit refusals are denials; network failures and 5xx are transient.
func (g *FacilitatorGateway) Authorize(ctx context.Context, invoice Invoice) (Receipt, error) {
	if err := validateInvoice(invoice); err != nil {
		return Receipt{}, err
	}
	network := invoice.Network
	if network == "" {
		network = g.network
	}
	amount := invoice.Amount.Round(2)

	body, err := g.client.Post(ctx, "/settle", settleRequest{
		Resource: invoice.ResourceURL,
		Amount:   amount.StringFixed(2),
		PayTo:    invoice.PayTo,
		Payer:    invoice.PayerID,
		Nonce:    invoice.Nonce,
		Network:  network,
		Scheme:   "exact",
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Receipt{}, ctxErr
		}
		var statusErr *httputil.StatusError
		if errors.As(err, &statusErr) && !statusErr.Transient() {
			return Receipt{}, Denied("facilitator rejected payment (%d): %s", statusErr.StatusCode, statusErr.Body)
		}
		return Receipt{}, &TransientError{Err: err}
	}

	if !gjson.ValidBytes(body) {
		return Receipt{}, &TransientError{Err: fmt.Errorf("facilitator returned invalid json")}
	}
	result := gjson.ParseBytes(body)
	if !result.Get("success").Bool() {
		reason := result.Get("errorReason").String()
		if reason == "" {
			reason = "settlement refused"
		}
		return Receipt{}, Denied("%s", reason)
	}

	receipt := Receipt{
		ID:        result.Get("transaction").String(),
		PayerID:   invoice.PayerID,
		PayTo:     invoice.PayTo,
		Resource:  invoice.ResourceURL,
		Amount:    amount,
		Network:   network,
		Token:     result.Get("token").String(),
		SettledAt: time.Now().UTC(),
	}
	if payer := result.Get("payer").String(); payer != "" {
		receipt.PayerID = payer
	}
	if settled := result.Get("amount"); settled.Exists() {
		if v, err := decimal.NewFromString(settled.String()); err == nil {
			receipt.Amount = v
		}
	}
	if receipt.ID == "" {
		receipt.ID = invoice.Nonce
	}

	g.log.WithFields(map[string]interface{}{
		"receipt":  receipt.ID,
		"payer":    receipt.PayerID,
		"resource": receipt.Resource,
	}).Info("facilitator payment settled")
	return receipt, nil
}
