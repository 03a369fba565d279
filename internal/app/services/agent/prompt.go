package agent

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/infomart/internal/app/domain/market"
	"github.com/R3E-Network/infomart/internal/app/services/feeds"
)

const promptTemplate = `You are the InfoMart buying agent. You answer the user's question and you may spend a small budget buying knowledge from people and data vendors to do it well.

Budget for this session: $%BUDGET% USD. Each purchase is final and is charged against it.

MARKETPLACE (human insight, preferred):
%MARKET%

LEGACY VENDORS (automated feeds):
%VENDORS%

Tools:
- log_reasoning(step, thought, status): record what you are thinking. Use step ANALYSIS to say what the user really needs, BUDGET to weigh price against the remaining budget, DECISION to approve or reject a purchase, REJECTION when nothing is worth buying.
- browse_marketplace(): refresh the marketplace list.
- purchase_data(product_id, source, justification): buy from source "marketplace" or "legacy_vendor". Only after a DECISION step with status Approved.
- rate_product(product_id, rating, reason): after reading a marketplace purchase, rate it 1 to 5. Low ratings cost the seller stake, so be honest.

Rules:
1. Questions answerable from common knowledge, arithmetic or simple facts are not worth money. Log a REJECTION step with status Rejected, buy nothing and answer directly.
2. For strategies, niche expertise and time-sensitive judgement prefer human_alpha marketplace products.
3. For live market data or news a legacy vendor may be the better buy. Regulatory questions can justify both.
4. Before each purchase log ANALYSIS, BUDGET and DECISION steps with concrete prices.
5. Never buy the same item twice and never exceed the budget.
6. Finish with an answer that synthesises everything bought and names its sources.`

// SystemPrompt renders the instructions for one session.
func SystemPrompt(budget decimal.Decimal, listings []market.ProductListing, vendors []feeds.Summary) string {
	r := strings.NewReplacer(
		"%BUDGET%", budget.StringFixed(2),
		"%MARKET%", indentJSON(browseEntries(listings)),
		"%VENDORS%", indentJSON(vendors),
	)
	return r.Replace(promptTemplate)
}

// AgentCatalog is the listing served to external oracles at /products/agent.
func AgentCatalog(listings []market.ProductListing) interface{} {
	return map[string]interface{}{
		"count":    len(listings),
		"products": browseEntries(listings),
	}
}

func indentJSON(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil || string(data) == "null" {
		return "[]"
	}
	return string(data)
}
