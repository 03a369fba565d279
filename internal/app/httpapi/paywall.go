package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/infomart/internal/app/services/payment"
	svcerrors "github.com/R3E-Network/infomart/internal/errors"
	"github.com/R3E-Network/infomart/internal/httputil"
	"github.com/R3E-Network/infomart/internal/middleware"
)

const (
	paymentProtocol   = "x402"
	paymentVersion    = 1
	paymentAsset      = "USDC"
	atomicUnitDecimal = 6
	maxTimeoutSeconds = 60
)

// offer describes what a paywalled resource costs and who gets paid.
type offer struct {
	resource    string
	price       decimal.Decimal
	payTo       string
	description string
	mimeType    string
}

type paymentRequirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	PayTo             string `json:"payTo"`
	Asset             string `json:"asset"`
	Description       string `json:"description"`
	MimeType          string `json:"mimeType"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
}

// requirePayment checks the request's payment token against the offer. When
// no valid token is present it writes a 402 challenge and returns false.
func (h *handler) requirePayment(w http.ResponseWriter, r *http.Request, o offer) (payment.Receipt, bool) {
	token := middleware.GetPaymentToken(r.Context())
	if token == "" {
		h.challenge(w, r, o, "payment required")
		return payment.Receipt{}, false
	}

	receipt, err := h.app.Verifier.Verify(token, o.resource, o.price)
	if err == nil && receipt.PayTo != o.payTo {
		err = payment.ErrResourceMismatch
	}
	if err != nil {
		h.log.LogSecurityEvent(r.Context(), "payment_rejected", map[string]interface{}{
			"resource": o.resource,
			"reason":   err.Error(),
		})
		h.challenge(w, r, o, err.Error())
		return payment.Receipt{}, false
	}
	return receipt, true
}

func (h *handler) challenge(w http.ResponseWriter, r *http.Request, o offer, reason string) {
	mimeType := o.mimeType
	if mimeType == "" {
		mimeType = "application/json"
	}
	httputil.WriteJSON(w, http.StatusPaymentRequired, map[string]interface{}{
		"x402Version": paymentVersion,
		"error":       reason,
		"code":        string(svcerrors.CodePaymentRequired),
		"accepts": []paymentRequirement{{
			Scheme:            "exact",
			Network:           h.app.Config.Payment.Network,
			MaxAmountRequired: o.price.Shift(atomicUnitDecimal).Truncate(0).String(),
			Resource:          o.resource,
			PayTo:             o.payTo,
			Asset:             paymentAsset,
			Description:       o.description,
			MimeType:          mimeType,
			MaxTimeoutSeconds: maxTimeoutSeconds,
		}},
	})
}

// settlementHeader encodes the receipt for the PAYMENT-RESPONSE header.
func settlementHeader(receipt payment.Receipt) string {
	data, err := json.Marshal(map[string]interface{}{
		"success":     true,
		"transaction": receipt.ID,
		"payer":       receipt.PayerID,
		"network":     receipt.Network,
	})
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

func productResource(id string) string {
	return "/product/" + id + "/buy"
}

func (h *handler) buy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	product, err := h.app.Market.GetFull(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	receipt, ok := h.requirePayment(w, r, offer{
		resource:    productResource(product.ID),
		price:       product.Price,
		payTo:       product.SellerID,
		description: product.Title,
	})
	if !ok {
		return
	}

	if _, err := h.app.Market.SettleSale(r.Context(), product.ID, receipt.PayerID, receipt.ID); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set(middleware.PaymentResponseHeader, settlementHeader(receipt))
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"productId":  product.ID,
		"title":      product.Title,
		"content":    product.Content,
		"type":       product.Type,
		"paidAmount": receipt.Amount,
		"sellerId":   product.SellerID,
		"receipt":    receipt.ID,
	})
}

func (h *handler) vendors(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"vendors":         h.app.Feeds.Summaries(),
		"budget":          h.app.Config.Agent.Budget,
		"network":         h.app.Config.Payment.Network,
		"paymentProtocol": paymentProtocol,
	})
}

func (h *handler) vendor(w http.ResponseWriter, r *http.Request) {
	v, err := h.app.Feeds.Get(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	receipt, ok := h.requirePayment(w, r, offer{
		resource:    v.Resource(),
		price:       v.Cost,
		payTo:       v.ID,
		description: v.Name + ": " + v.Description,
	})
	if !ok {
		return
	}

	data, err := h.app.Feeds.Fetch(v.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set(middleware.PaymentResponseHeader, settlementHeader(receipt))
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    data,
		"meta": map[string]interface{}{
			"paidBy":   receipt.PayerID,
			"txHash":   receipt.ID,
			"priceUSD": v.Cost,
			"vendorId": v.ID,
		},
	})
}

func (h *handler) wallet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	balance, ok := h.app.Sandbox.Balance(id)
	if !ok {
		h.writeError(w, r, svcerrors.NotFound("wallet"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"wallet":  payment.Wallet{ID: id, Balance: balance},
	})
}

type payPayload struct {
	Resource string `json:"resource"`
}

// resolveOffer maps a paywalled path back to the offer it sells.
func (h *handler) resolveOffer(r *http.Request, resource string) (offer, error) {
	switch {
	case strings.HasPrefix(resource, "/product/") && strings.HasSuffix(resource, "/buy"):
		id := strings.TrimSuffix(strings.TrimPrefix(resource, "/product/"), "/buy")
		product, err := h.app.Market.GetFull(r.Context(), id)
		if err != nil {
			return offer{}, svcerrors.ProductNotFound(id)
		}
		return offer{resource: productResource(product.ID), price: product.Price, payTo: product.SellerID}, nil
	case strings.HasPrefix(resource, "/vendor/"):
		v, err := h.app.Feeds.Get(strings.TrimPrefix(resource, "/vendor/"))
		if err != nil {
			return offer{}, err
		}
		return offer{resource: v.Resource(), price: v.Cost, payTo: v.ID}, nil
	default:
		return offer{}, svcerrors.Validation("resource must be /product/{id}/buy or /vendor/{id}", nil)
	}
}

// pay settles a sandbox payment from the wallet in the path and returns a
// token redeemable at the paid resource.
func (h *handler) pay(w http.ResponseWriter, r *http.Request) {
	var payload payPayload
	if err := decodeBody(r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	o, err := h.resolveOffer(r, strings.TrimSpace(payload.Resource))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	receipt, err := h.app.Sandbox.Authorize(r.Context(), payment.Invoice{
		ResourceURL: o.resource,
		Amount:      o.price,
		PayTo:       o.payTo,
		PayerID:     mux.Vars(r)["id"],
		Nonce:       uuid.NewString(),
		Network:     h.app.Config.Payment.Network,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"token":   receipt.Token,
		"receipt": receipt,
	})
}
