package agent

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one action requested by the oracle.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      ToolName        `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one turn of the conversation sent to the oracle.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
}

// Decision is the oracle's reply: either tool calls to run or, when there
// are none, a final answer in Content.
type Decision struct {
	Content   string
	ToolCalls []ToolCall
}

// Final reports whether the decision ends the loop.
func (d Decision) Final() bool {
	return len(d.ToolCalls) == 0
}

// ToolSpec describes a tool to the oracle. Parameters is a JSON schema.
type ToolSpec struct {
	Name        ToolName               `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Oracle decides the next step of a session.
type Oracle interface {
	Decide(ctx context.Context, messages []Message, tools []ToolSpec) (Decision, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, messages []Message, tools []ToolSpec) (Decision, error)

// Decide calls f.
func (f OracleFunc) Decide(ctx context.Context, messages []Message, tools []ToolSpec) (Decision, error) {
	return f(ctx, messages, tools)
}
