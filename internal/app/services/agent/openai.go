package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/infomart/internal/httputil"
)

// OpenAIConfig configures an OpenAI-compatible chat completions oracle.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	Retries     int
}

// OpenAIOracle calls POST {BaseURL}/chat/completions with function tools.
// Any server speaking the OpenAI wire format works (OpenAI, OpenRouter,
// vLLM, Ollama, Gemini's compatibility endpoint).
type OpenAIOracle struct {
	client      *httputil.Client
	model       string
	temperature float64
}

// NewOpenAIOracle creates the oracle. httpClient may be nil.
func NewOpenAIOracle(cfg OpenAIConfig, httpClient *http.Client) (*OpenAIOracle, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("oracle base url is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("oracle model is required")
	}
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	return &OpenAIOracle{
		client: httputil.NewClient(httputil.ClientConfig{
			BaseURL:    cfg.BaseURL,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.Retries,
			Headers:    headers,
			HTTPClient: httpClient,
		}),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Temperature float64         `json:"temperature"`
	Messages    []openaiMessage `json:"messages"`
	Tools       []openaiTool    `json:"tools,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string               `json:"type"`
	Function openaiToolDefinition `json:"function"`
}

type openaiToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Decide sends the conversation and decodes the first choice.
func (o *OpenAIOracle) Decide(ctx context.Context, messages []Message, tools []ToolSpec) (Decision, error) {
	body, err := o.client.Post(ctx, "/chat/completions", o.buildRequest(messages, tools))
	if err != nil {
		return Decision{}, fmt.Errorf("oracle request: %w", err)
	}
	return parseOpenAIResponse(body)
}

func (o *OpenAIOracle) buildRequest(messages []Message, tools []ToolSpec) openaiRequest {
	req := openaiRequest{
		Model:       o.model,
		Temperature: o.temperature,
		Messages:    make([]openaiMessage, 0, len(messages)),
	}
	for _, m := range messages {
		wire := openaiMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, call := range m.ToolCalls {
			args := string(call.Arguments)
			if args == "" {
				args = "{}"
			}
			wire.ToolCalls = append(wire.ToolCalls, openaiToolCall{
				ID:       call.ID,
				Type:     "function",
				Function: openaiToolFunction{Name: string(call.Name), Arguments: args},
			})
		}
		req.Messages = append(req.Messages, wire)
	}
	for _, tool := range tools {
		req.Tools = append(req.Tools, openaiTool{
			Type: "function",
			Function: openaiToolDefinition{
				Name:        string(tool.Name),
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return req
}

func parseOpenAIResponse(body []byte) (Decision, error) {
	if !gjson.ValidBytes(body) {
		return Decision{}, fmt.Errorf("oracle returned invalid json")
	}
	root := gjson.ParseBytes(body)
	if msg := root.Get("error.message"); msg.Exists() {
		return Decision{}, fmt.Errorf("oracle error: %s", msg.String())
	}
	message := root.Get("choices.0.message")
	if !message.Exists() {
		return Decision{}, fmt.Errorf("oracle response has no choices")
	}

	decision := Decision{Content: message.Get("content").String()}
	for i, call := range message.Get("tool_calls").Array() {
		id := call.Get("id").String()
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		args := call.Get("function.arguments")
		raw := json.RawMessage("{}")
		switch {
		case args.Type == gjson.String && gjson.Valid(args.String()):
			raw = json.RawMessage(args.String())
		case args.IsObject():
			raw = json.RawMessage(args.Raw)
		}
		decision.ToolCalls = append(decision.ToolCalls, ToolCall{
			ID:        id,
			Name:      ToolName(call.Get("function.name").String()),
			Arguments: raw,
		})
	}
	return decision, nil
}
