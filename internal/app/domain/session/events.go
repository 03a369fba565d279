package session

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind names the SSE event emitted on a session stream.
type EventKind string

const (
	EventLog    EventKind = "log"
	EventTx     EventKind = "tx"
	EventBudget EventKind = "budget"
	EventAnswer EventKind = "answer"
	EventError  EventKind = "error"
)

// Step labels a reasoning log entry.
type Step string

const (
	StepAnalysis  Step = "ANALYSIS"
	StepBudget    Step = "BUDGET"
	StepDecision  Step = "DECISION"
	StepRejection Step = "REJECTION"
	StepPurchase  Step = "PURCHASE"
	StepBrowse    Step = "BROWSE"
	StepRating    Step = "RATING"
	StepFinal     Step = "FINAL"
)

// LogStatus labels the outcome of a reasoning step.
type LogStatus string

const (
	LogThinking LogStatus = "Thinking"
	LogApproved LogStatus = "Approved"
	LogRejected LogStatus = "Rejected"
	LogComplete LogStatus = "Complete"
)

// Event is one entry on a session stream. Exactly one payload is set.
type Event struct {
	SessionID string    `json:"sessionId"`
	Kind      EventKind `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Log    *LogPayload    `json:"log,omitempty"`
	Tx     *TxPayload     `json:"tx,omitempty"`
	Budget *BudgetPayload `json:"budget,omitempty"`
	Answer *AnswerPayload `json:"answer,omitempty"`
	Error  *ErrorPayload  `json:"error,omitempty"`
}

// LogPayload is a structured reasoning entry.
type LogPayload struct {
	Step    Step      `json:"step"`
	Thought string    `json:"thought"`
	Status  LogStatus `json:"status"`
}

// TxPayload describes a purchase settled in the session.
type TxPayload struct {
	Amount          decimal.Decimal `json:"amount"`
	Vendor          string          `json:"vendor"`
	VendorID        string          `json:"vendorId"`
	TxHash          string          `json:"txHash"`
	BudgetRemaining decimal.Decimal `json:"budgetRemaining"`
	Source          Origin          `json:"source"`
}

// BudgetPayload is the session's budget after a change.
type BudgetPayload struct {
	Total     decimal.Decimal `json:"total"`
	Spent     decimal.Decimal `json:"spent"`
	Remaining decimal.Decimal `json:"remaining"`
}

// AnswerPayload carries the agent's final answer.
type AnswerPayload struct {
	Content  string `json:"content"`
	Complete bool   `json:"complete"`
}

// ErrorPayload carries a terminal session failure.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Payload returns the variant payload for serialisation.
func (e Event) Payload() interface{} {
	switch e.Kind {
	case EventLog:
		return e.Log
	case EventTx:
		return e.Tx
	case EventBudget:
		return e.Budget
	case EventAnswer:
		return e.Answer
	case EventError:
		return e.Error
	default:
		return nil
	}
}
