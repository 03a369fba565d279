package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/infomart/internal/app/domain/market"
	"github.com/R3E-Network/infomart/internal/app/domain/session"
	"github.com/R3E-Network/infomart/internal/app/metrics"
	"github.com/R3E-Network/infomart/internal/app/services/budget"
	"github.com/R3E-Network/infomart/internal/app/services/feeds"
	marketsvc "github.com/R3E-Network/infomart/internal/app/services/market"
	"github.com/R3E-Network/infomart/internal/app/services/payment"
)

// ToolName is the closed set of tools the oracle may call.
type ToolName string

const (
	ToolLogReasoning      ToolName = "log_reasoning"
	ToolBrowseMarketplace ToolName = "browse_marketplace"
	ToolPurchaseData      ToolName = "purchase_data"
	ToolRateProduct       ToolName = "rate_product"
)

// Purchase sources accepted by purchase_data.
const (
	SourceMarketplace  = "marketplace"
	SourceLegacyVendor = "legacy_vendor"
)

// toolHandler runs one tool call. Business failures are reported in the
// returned result; an error aborts the session.
type toolHandler func(ctx context.Context, st *runState, args json.RawMessage) (string, error)

func (r *Runner) toolTable() map[ToolName]toolHandler {
	return map[ToolName]toolHandler{
		ToolLogReasoning:      r.logReasoning,
		ToolBrowseMarketplace: r.browseMarketplace,
		ToolPurchaseData:      r.purchaseData,
		ToolRateProduct:       r.rateProduct,
	}
}

// ToolSpecs describes every tool to the oracle.
func ToolSpecs() []ToolSpec {
	return []ToolSpec{
		{
			Name:        ToolLogReasoning,
			Description: "Record a reasoning step. Call before every purchase decision.",
			Parameters: objectSchema(map[string]interface{}{
				"step": enumProp("Reasoning phase", string(session.StepAnalysis), string(session.StepBudget),
					string(session.StepDecision), string(session.StepRejection), string(session.StepBrowse)),
				"thought": stringProp("Reasoning about cost, value and source"),
				"status":  enumProp("Current verdict", string(session.LogThinking), string(session.LogApproved), string(session.LogRejected)),
			}, "step", "thought", "status"),
		},
		{
			Name:        ToolBrowseMarketplace,
			Description: "List the marketplace products currently for sale.",
			Parameters:  objectSchema(map[string]interface{}{}),
		},
		{
			Name:        ToolPurchaseData,
			Description: "Buy a marketplace product or a legacy vendor feed. Only after an Approved log_reasoning step.",
			Parameters: objectSchema(map[string]interface{}{
				"product_id":    stringProp("Marketplace product id or vendor id"),
				"source":        enumProp("Where to buy from", SourceMarketplace, SourceLegacyVendor),
				"justification": stringProp("Why the data is worth its price"),
			}, "product_id", "source", "justification"),
		},
		{
			Name:        ToolRateProduct,
			Description: "Rate a marketplace product bought in this session from 1 (useless) to 5 (excellent). Low ratings slash the seller's stake.",
			Parameters: objectSchema(map[string]interface{}{
				"product_id": stringProp("Marketplace product id"),
				"rating":     map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 5},
				"reason":     stringProp("Why the product earned this rating"),
			}, "product_id", "rating"),
		},
	}
}

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func enumProp(desc string, values ...string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc, "enum": values}
}

func toolResult(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())
	}
	return string(data)
}

func toolFailure(format string, args ...interface{}) string {
	return toolResult(map[string]interface{}{"success": false, "error": fmt.Sprintf(format, args...)})
}

func decodeArgs(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	return json.Unmarshal(raw, into)
}

// log_reasoning ---------------------------------------------------------------

type logReasoningArgs struct {
	Step    session.Step      `json:"step"`
	Thought string            `json:"thought"`
	Status  session.LogStatus `json:"status"`
}

func (r *Runner) logReasoning(_ context.Context, st *runState, raw json.RawMessage) (string, error) {
	var args logReasoningArgs
	if err := decodeArgs(raw, &args); err != nil {
		return toolFailure("invalid arguments: %v", err), nil
	}
	if args.Step == "" {
		args.Step = session.StepAnalysis
	}
	if args.Status == "" {
		args.Status = session.LogThinking
	}
	st.logStep(args.Step, args.Status, args.Thought)
	return toolResult(map[string]interface{}{
		"logged": true,
		"step":   args.Step,
		"status": args.Status,
	}), nil
}

// browse_marketplace ----------------------------------------------------------

type browseEntry struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Price       string             `json:"price"`
	Type        market.ProductType `json:"type"`
	Seller      string             `json:"seller"`
	Sales       int64              `json:"sales"`
	Stake       string             `json:"stake"`
}

func browseEntries(listings []market.ProductListing) []browseEntry {
	out := make([]browseEntry, 0, len(listings))
	for _, l := range listings {
		out = append(out, browseEntry{
			ID:          l.ID,
			Title:       l.Title,
			Description: l.Description,
			Price:       "$" + l.Price.StringFixed(2),
			Type:        l.Type,
			Seller:      l.DisplaySeller(),
			Sales:       l.SalesCount,
			Stake:       "$" + l.CurrentStake.StringFixed(2),
		})
	}
	return out
}

func (r *Runner) browseMarketplace(ctx context.Context, st *runState, _ json.RawMessage) (string, error) {
	listings, err := r.market.List(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return toolFailure("marketplace unavailable: %v", err), nil
	}
	st.logStep(session.StepBrowse, session.LogThinking, fmt.Sprintf("Found %d products in marketplace", len(listings)))
	return toolResult(map[string]interface{}{
		"success":  true,
		"count":    len(listings),
		"products": browseEntries(listings),
	}), nil
}

// purchase_data ---------------------------------------------------------------

type purchaseArgs struct {
	ProductID     string `json:"product_id"`
	Source        string `json:"source"`
	Justification string `json:"justification"`
}

// purchaseItem is what is being bought, independent of source.
type purchaseItem struct {
	id       string
	title    string
	seller   string
	payTo    string
	price    decimal.Decimal
	resource string
	origin   session.Origin
}

func (r *Runner) purchaseData(ctx context.Context, st *runState, raw json.RawMessage) (string, error) {
	var args purchaseArgs
	if err := decodeArgs(raw, &args); err != nil {
		return toolFailure("invalid arguments: %v", err), nil
	}
	args.ProductID = strings.TrimSpace(args.ProductID)
	if args.ProductID == "" {
		return toolFailure("product_id is required"), nil
	}

	var (
		item    purchaseItem
		product market.Product
		vendor  feeds.Vendor
	)
	switch args.Source {
	case SourceMarketplace, "":
		p, err := r.market.GetFull(ctx, args.ProductID)
		if err != nil {
			if errors.Is(err, marketsvc.ErrNotFound) {
				return toolFailure("unknown marketplace product: %s", args.ProductID), nil
			}
			return "", err
		}
		product = p
		item = purchaseItem{
			id:       p.ID,
			title:    p.Title,
			seller:   p.Listing().DisplaySeller(),
			payTo:    p.SellerID,
			price:    p.Price,
			resource: "/product/" + p.ID + "/buy",
			origin:   session.OriginMarketplace,
		}
	case SourceLegacyVendor:
		if r.feeds == nil {
			return toolFailure("no legacy vendors are configured"), nil
		}
		v, err := r.feeds.Get(args.ProductID)
		if err != nil {
			return toolFailure("unknown vendor: %s", args.ProductID), nil
		}
		vendor = v
		item = purchaseItem{
			id:       v.ID,
			title:    v.Name,
			seller:   v.Name,
			payTo:    v.ID,
			price:    v.Cost,
			resource: v.Resource(),
			origin:   session.OriginExternalFeed,
		}
	default:
		return toolFailure("unknown source %q, use %q or %q", args.Source, SourceMarketplace, SourceLegacyVendor), nil
	}

	sess, err := r.budget.Get(ctx, st.sessionID)
	if err != nil {
		return "", err
	}
	if sess.HasPurchased(item.id) {
		return toolFailure("%s was already purchased in this session", item.title), nil
	}

	res, err := r.budget.Reserve(ctx, st.sessionID, item.price, item.id)
	if err != nil {
		if errors.Is(err, budget.ErrInsufficientBudget) {
			metrics.RecordPurchase(string(item.origin), "insufficient_budget")
			st.logStep(session.StepRejection, session.LogRejected,
				fmt.Sprintf("Cannot afford %s: need $%s, have $%s", item.title, item.price.StringFixed(2), sess.Remaining().StringFixed(2)))
			return toolFailure("insufficient budget: need $%s, remaining $%s", item.price.StringFixed(2), sess.Remaining().StringFixed(2)), nil
		}
		return "", err
	}
	_, _ = r.budget.SetStatus(ctx, st.sessionID, session.StatusPurchasing)

	receipt, err := r.gateway.Authorize(ctx, payment.Invoice{
		ResourceURL: item.resource,
		Amount:      item.price,
		PayTo:       item.payTo,
		PayerID:     r.cfg.PayerID,
		Nonce:       res.ID,
		Network:     r.cfg.Network,
	})
	if err != nil {
		r.release(st.sessionID, res.ID)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		metrics.RecordPurchase(string(item.origin), "payment_failed")
		_, _ = r.budget.SetStatus(ctx, st.sessionID, session.StatusThinking)
		return toolFailure("payment failed: %v", err), nil
	}

	// Money has moved; finish the ledger even if the session is being cancelled.
	settleCtx := context.WithoutCancel(ctx)

	var data interface{}
	switch item.origin {
	case session.OriginMarketplace:
		if _, err := r.market.SettleSale(settleCtx, item.id, r.cfg.PayerID, receipt.ID); err != nil {
			r.release(st.sessionID, res.ID)
			r.log.WithError(err).WithField("receipt", receipt.ID).Error("sale settlement failed after payment")
			metrics.RecordPurchase(string(item.origin), "settlement_failed")
			return toolFailure("sale could not be settled: %v", err), nil
		}
		data = map[string]interface{}{"content": product.Content, "type": product.Type}
	default:
		feed, err := r.feeds.Fetch(vendor.ID)
		if err != nil {
			r.release(st.sessionID, res.ID)
			metrics.RecordPurchase(string(item.origin), "settlement_failed")
			return toolFailure("vendor fetch failed: %v", err), nil
		}
		data = feed
	}

	sess, err = r.budget.Commit(settleCtx, st.sessionID, res.ID, session.TransactionRecord{
		ID:            receipt.ID,
		ProductID:     item.id,
		ProductTitle:  item.title,
		SellerName:    item.seller,
		ReceiptID:     receipt.ID,
		Justification: args.Justification,
		Origin:        item.origin,
	})
	if err != nil {
		return "", fmt.Errorf("commit purchase: %w", err)
	}
	if ctx.Err() == nil {
		_, _ = r.budget.SetStatus(ctx, st.sessionID, session.StatusThinking)
	}
	metrics.RecordPurchase(string(item.origin), "ok")

	st.logStep(session.StepPurchase, session.LogApproved,
		fmt.Sprintf("Bought %s for $%s", item.title, item.price.StringFixed(2)))
	st.emit(session.Event{Kind: session.EventTx, Tx: &session.TxPayload{
		Amount:          item.price,
		Vendor:          item.title,
		VendorID:        item.id,
		TxHash:          receipt.ID,
		BudgetRemaining: sess.Remaining(),
		Source:          item.origin,
	}})
	st.emitBudget(sess)

	return toolResult(map[string]interface{}{
		"success":         true,
		"source":          args.Source,
		"product":         item.title,
		"seller":          item.seller,
		"cost":            item.price,
		"txHash":          receipt.ID,
		"budgetRemaining": sess.Remaining(),
		"data":            data,
	}), nil
}

func (r *Runner) release(sessionID, reservationID string) {
	if err := r.budget.Release(context.Background(), sessionID, reservationID); err != nil {
		r.log.WithError(err).WithField("session_id", sessionID).Warn("release reservation failed")
	}
}

// rate_product ----------------------------------------------------------------

type rateArgs struct {
	ProductID string  `json:"product_id"`
	Rating    float64 `json:"rating"`
	Reason    string  `json:"reason"`
}

func (r *Runner) rateProduct(ctx context.Context, st *runState, raw json.RawMessage) (string, error) {
	var args rateArgs
	if err := decodeArgs(raw, &args); err != nil {
		return toolFailure("invalid arguments: %v", err), nil
	}
	sess, err := r.budget.Get(ctx, st.sessionID)
	if err != nil {
		return "", err
	}
	if !sess.HasPurchased(args.ProductID) {
		return toolFailure("product %s was not purchased in this session; buy it before rating it", args.ProductID), nil
	}

	result, err := r.market.Rate(ctx, args.ProductID, market.NormalizeRating(args.Rating), args.Reason)
	if err != nil {
		if errors.Is(err, marketsvc.ErrNotFound) {
			return toolFailure("only marketplace products can be rated: %s", args.ProductID), nil
		}
		return "", err
	}
	st.logStep(session.StepRating, session.LogComplete,
		fmt.Sprintf("Rated %s %d/5, stake change $%s", args.ProductID, result.Rating, result.StakeChange.StringFixed(2)))
	return toolResult(map[string]interface{}{
		"success":     true,
		"eventType":   result.EventType,
		"rating":      result.Rating,
		"stakeChange": result.StakeChange,
		"newStake":    result.NewStake,
	}), nil
}
