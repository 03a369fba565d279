package httpapi

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/infomart/internal/app/domain/market"
	"github.com/R3E-Network/infomart/internal/app/services/agent"
	svcerrors "github.com/R3E-Network/infomart/internal/errors"
	"github.com/R3E-Network/infomart/internal/httputil"
)

type publishPayload struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Price       decimal.Decimal    `json:"price"`
	Content     string             `json:"content"`
	SellerID    string             `json:"sellerId"`
	Wallet      string             `json:"wallet"`
	SellerName  string             `json:"sellerName"`
	Type        market.ProductType `json:"type"`
}

func (h *handler) publish(w http.ResponseWriter, r *http.Request) {
	var payload publishPayload
	if err := decodeBody(r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	sellerID := payload.SellerID
	if sellerID == "" {
		sellerID = payload.Wallet
	}

	product, err := h.app.Market.Publish(r.Context(), market.PublishRequest{
		Title:       payload.Title,
		Description: payload.Description,
		Price:       payload.Price,
		Content:     payload.Content,
		SellerID:    sellerID,
		SellerName:  payload.SellerName,
		Type:        payload.Type,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.log.WithContext(r.Context()).WithField("product_id", product.ID).Info("product published")
	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"id":      product.ID,
		"message": "Product \"" + product.Title + "\" published successfully",
		"product": product.Listing(),
	})
}

func (h *handler) products(w http.ResponseWriter, r *http.Request) {
	listings, err := h.app.Market.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	stats, err := h.app.Market.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"products": listings,
		"count":    len(listings),
		"stats":    stats,
	})
}

func (h *handler) productsForAgent(w http.ResponseWriter, r *http.Request) {
	listings, err := h.app.Market.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body := map[string]interface{}{
		"success":      true,
		"instructions": "Buy with purchase_data using the product id. Prefer human_alpha products for unique insight.",
	}
	for k, v := range agent.AgentCatalog(listings).(map[string]interface{}) {
		body[k] = v
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

func (h *handler) product(w http.ResponseWriter, r *http.Request) {
	listing, err := h.app.Market.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"product": listing,
	})
}

type ratePayload struct {
	Rating *float64 `json:"rating"`
	Reason string   `json:"reason"`
}

func (h *handler) rate(w http.ResponseWriter, r *http.Request) {
	var payload ratePayload
	if err := decodeBody(r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	if payload.Rating == nil {
		h.writeError(w, r, svcerrors.Validation("rating is required", nil))
		return
	}
	rating := market.NormalizeRating(*payload.Rating)
	result, err := h.app.Market.Rate(r.Context(), mux.Vars(r)["id"], rating, strings.TrimSpace(payload.Reason))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"productId":   result.ProductID,
		"rating":      result.Rating,
		"eventType":   result.EventType,
		"stakeChange": result.StakeChange,
		"newStake":    result.NewStake,
	})
}

type recordSalePayload struct {
	BuyerID   string `json:"buyerId"`
	ReceiptID string `json:"receiptId"`
}

// recordSale settles a sale without a verified payment. It is a trust
// boundary and stays disabled unless ALLOW_UNVERIFIED_SALES is set.
func (h *handler) recordSale(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.app.Config.HTTP.AllowUnverifiedSales {
		h.log.LogSecurityEvent(r.Context(), "unverified_sale_rejected", map[string]interface{}{"product_id": id})
		h.writeError(w, r, svcerrors.Forbidden("recording unverified sales is disabled"))
		return
	}

	var payload recordSalePayload
	if err := decodeBody(r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	if payload.BuyerID == "" {
		payload.BuyerID = "anonymous"
	}
	if payload.ReceiptID == "" {
		payload.ReceiptID = "manual-" + uuid.NewString()
	}

	product, err := h.app.Market.SettleSale(r.Context(), id, payload.BuyerID, payload.ReceiptID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.WithContext(r.Context()).WithField("product_id", id).Warn("unverified sale recorded")
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"product": product.Listing(),
		"sale": map[string]interface{}{
			"buyerId":   payload.BuyerID,
			"receiptId": payload.ReceiptID,
			"amount":    product.Price,
		},
	})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.app.Market.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sessions, err := h.app.Budget.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	active := 0
	for _, s := range sessions {
		if !s.Status.Terminal() {
			active++
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"stats":   stats,
		"sessions": map[string]int{
			"total":  len(sessions),
			"active": active,
		},
		"streamSubscribers": h.app.MarketEvents.Subscribers(),
		"eventsPublished":   h.app.MarketEvents.Published(),
	})
}

func (h *handler) treasury(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"treasury": h.app.Market.Treasury(),
	})
}
