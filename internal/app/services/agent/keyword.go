package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/infomart/internal/app/domain/session"
)

// KeywordOracle is a deterministic offline oracle. It browses the
// marketplace, buys the human_alpha products whose text overlaps the query,
// rates what it bought and answers from the purchased content. It is used
// when no remote oracle is configured.
type KeywordOracle struct {
	// MaxPurchases caps the products bought per session. Zero means 2.
	MaxPurchases int
}

var (
	generalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\s*what\s+is\s+[\d\s+\-*/().]+\??\s*$`),
		regexp.MustCompile(`\bcapital\s+of\b`),
		regexp.MustCompile(`^\s*who\s+(is|was)\b`),
		regexp.MustCompile(`\bhow\s+many\s+(days|hours|minutes)\b`),
	}
	wordPattern = regexp.MustCompile(`[a-z0-9]+`)
	stopWords   = map[string]bool{
		"the": true, "and": true, "for": true, "what": true, "which": true, "with": true,
		"are": true, "how": true, "does": true, "that": true, "this": true, "from": true,
		"about": true, "into": true, "use": true, "your": true, "you": true, "can": true,
	}
)

func keywords(text string) map[string]bool {
	out := map[string]bool{}
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if len(w) < 3 || stopWords[w] {
			continue
		}
		out[w] = true
	}
	return out
}

func overlap(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}

func isGeneralQuery(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	for _, p := range generalPatterns {
		if p.MatchString(q) {
			return true
		}
	}
	return len(keywords(q)) == 0
}

// Decide implements Oracle.
func (o KeywordOracle) Decide(ctx context.Context, messages []Message, _ []ToolSpec) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	query := firstUserMessage(messages)
	calls, results := lastTurn(messages)

	if calls == nil {
		if isGeneralQuery(query) {
			return decide(logCall("r0", session.StepRejection, session.LogRejected,
				"General knowledge. Zero ROI. No data source adds value.")), nil
		}
		return decide(
			logCall("a0", session.StepAnalysis, session.LogThinking, "Specialised question, checking the marketplace for matching human insight."),
			ToolCall{ID: "b0", Name: ToolBrowseMarketplace, Arguments: json.RawMessage("{}")},
		), nil
	}

	switch {
	case hasCall(calls, ToolBrowseMarketplace):
		return o.afterBrowse(query, calls, results), nil
	case hasCall(calls, ToolPurchaseData):
		if d, ok := o.afterPurchase(query, calls, results); ok {
			return d, nil
		}
	}
	return Decision{Content: composeAnswer(query, messages)}, nil
}

func (o KeywordOracle) afterBrowse(query string, calls []ToolCall, results map[string]string) Decision {
	var browse string
	for _, c := range calls {
		if c.Name == ToolBrowseMarketplace {
			browse = results[c.ID]
		}
	}
	want := keywords(query)

	type candidate struct {
		id, title, price string
		score            int
		human            bool
	}
	var candidates []candidate
	for _, p := range gjson.Get(browse, "products").Array() {
		text := p.Get("title").String() + " " + p.Get("description").String()
		score := overlap(want, keywords(text))
		if score == 0 {
			continue
		}
		candidates = append(candidates, candidate{
			id:    p.Get("id").String(),
			title: p.Get("title").String(),
			price: p.Get("price").String(),
			score: score,
			human: p.Get("type").String() == "human_alpha",
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].human != candidates[j].human {
			return candidates[i].human
		}
		return candidates[i].score > candidates[j].score
	})

	if len(candidates) == 0 {
		return decide(logCall("r1", session.StepRejection, session.LogRejected,
			"Nothing in the marketplace matches this question. Answering without purchases."))
	}

	limit := o.MaxPurchases
	if limit <= 0 {
		limit = 2
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	var titles []string
	for _, c := range candidates {
		titles = append(titles, fmt.Sprintf("%s (%s)", c.title, c.price))
	}
	out := []ToolCall{
		logCall("g1", session.StepBudget, session.LogThinking, "Candidates: "+strings.Join(titles, ", ")),
		logCall("d1", session.StepDecision, session.LogApproved, "Approved: topic overlap with the question justifies the price."),
	}
	for i, c := range candidates {
		args, _ := json.Marshal(purchaseArgs{
			ProductID:     c.id,
			Source:        SourceMarketplace,
			Justification: fmt.Sprintf("Matches %d query keywords", c.score),
		})
		out = append(out, ToolCall{ID: fmt.Sprintf("p%d", i), Name: ToolPurchaseData, Arguments: args})
	}
	return decide(out...)
}

func (o KeywordOracle) afterPurchase(query string, calls []ToolCall, results map[string]string) (Decision, bool) {
	want := keywords(query)
	var out []ToolCall
	for _, c := range calls {
		if c.Name != ToolPurchaseData {
			continue
		}
		res := gjson.Parse(results[c.ID])
		if !res.Get("success").Bool() || res.Get("source").String() != SourceMarketplace {
			continue
		}
		var args purchaseArgs
		_ = json.Unmarshal(c.Arguments, &args)

		content := res.Get("data.content").String()
		rating := 2
		switch n := overlap(want, keywords(content)); {
		case n >= 2:
			rating = 5
		case n == 1:
			rating = 4
		}
		rateArgsJSON, _ := json.Marshal(rateArgs{
			ProductID: args.ProductID,
			Rating:    float64(rating),
			Reason:    "Relevance of the delivered content to the question",
		})
		out = append(out, ToolCall{ID: "q" + c.ID, Name: ToolRateProduct, Arguments: rateArgsJSON})
	}
	if len(out) == 0 {
		return Decision{}, false
	}
	return decide(out...), true
}

func composeAnswer(query string, messages []Message) string {
	var parts []string
	for _, m := range messages {
		if m.Role != RoleTool {
			continue
		}
		res := gjson.Parse(m.Content)
		if !res.Get("success").Bool() || !res.Get("txHash").Exists() {
			continue
		}
		body := res.Get("data.content").String()
		if body == "" {
			body = res.Get("data.content").Raw
		}
		if body == "" {
			body = res.Get("data").Raw
		}
		parts = append(parts, fmt.Sprintf("From %s (%s): %s", res.Get("product").String(), res.Get("seller").String(), body))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("No paid source adds value to %q, so nothing was bought. Answer it from general knowledge.", query)
	}
	return "Findings for " + fmt.Sprintf("%q", query) + ":\n" + strings.Join(parts, "\n")
}

func decide(calls ...ToolCall) Decision {
	return Decision{ToolCalls: calls}
}

func logCall(id string, step session.Step, status session.LogStatus, thought string) ToolCall {
	args, _ := json.Marshal(logReasoningArgs{Step: step, Thought: thought, Status: status})
	return ToolCall{ID: id, Name: ToolLogReasoning, Arguments: args}
}

func hasCall(calls []ToolCall, name ToolName) bool {
	for _, c := range calls {
		if c.Name == name {
			return true
		}
	}
	return false
}

func firstUserMessage(messages []Message) string {
	for _, m := range messages {
		if m.Role == RoleUser {
			return m.Content
		}
	}
	return ""
}

// lastTurn returns the tool calls of the latest assistant message and the
// results recorded for them. calls is nil before the first assistant turn.
func lastTurn(messages []Message) ([]ToolCall, map[string]string) {
	results := map[string]string{}
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		switch m.Role {
		case RoleTool:
			results[m.ToolCallID] = m.Content
		case RoleAssistant:
			calls := m.ToolCalls
			if calls == nil {
				calls = []ToolCall{}
			}
			return calls, results
		}
	}
	return nil, results
}
