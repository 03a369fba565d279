package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIOracle_ToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openaiRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Len(t, req.Tools, len(ToolSpecs()))
		if assert.Len(t, req.Messages, 3) {
			assert.Equal(t, "assistant", req.Messages[1].Role)
			assert.Equal(t, "{}", req.Messages[1].ToolCalls[0].Function.Arguments)
			assert.Equal(t, "c0", req.Messages[2].ToolCallID)
		}

		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":null,"tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"purchase_data","arguments":"{\"product_id\":\"p1\",\"source\":\"marketplace\"}"}},
			{"type":"function","function":{"name":"browse_marketplace","arguments":""}}
		]}}]}`))
	}))
	defer server.Close()

	oracle, err := NewOpenAIOracle(OpenAIConfig{
		BaseURL: server.URL + "/v1", APIKey: "sk-test", Model: "test-model", Timeout: time.Second,
	}, nil)
	require.NoError(t, err)

	decision, err := oracle.Decide(context.Background(), []Message{
		{Role: RoleUser, Content: "q"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c0", Name: ToolBrowseMarketplace}}},
		{Role: RoleTool, ToolCallID: "c0", Content: "[]"},
	}, ToolSpecs())
	require.NoError(t, err)

	assert.False(t, decision.Final())
	require.Len(t, decision.ToolCalls, 2)
	assert.Equal(t, "call_1", decision.ToolCalls[0].ID)
	assert.Equal(t, ToolPurchaseData, decision.ToolCalls[0].Name)

	var args purchaseArgs
	require.NoError(t, json.Unmarshal(decision.ToolCalls[0].Arguments, &args))
	assert.Equal(t, "p1", args.ProductID)

	assert.Equal(t, "call_1", decision.ToolCalls[1].ID, "missing ids are generated by position")
	assert.Equal(t, ToolBrowseMarketplace, decision.ToolCalls[1].Name)
	assert.Equal(t, "{}", string(decision.ToolCalls[1].Arguments))
}

func TestOpenAIOracle_FinalAnswerAndErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		switch r.URL.Path {
		case "/flaky/chat/completions":
			if n == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"final words"}}]}`))
		case "/broken/chat/completions":
			_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer server.Close()

	flaky, err := NewOpenAIOracle(OpenAIConfig{BaseURL: server.URL + "/flaky", Model: "m", Retries: 2}, nil)
	require.NoError(t, err)
	decision, err := flaky.Decide(context.Background(), []Message{{Role: RoleUser, Content: "q"}}, nil)
	require.NoError(t, err)
	assert.True(t, decision.Final())
	assert.Equal(t, "final words", decision.Content)

	broken, err := NewOpenAIOracle(OpenAIConfig{BaseURL: server.URL + "/broken", Model: "m"}, nil)
	require.NoError(t, err)
	_, err = broken.Decide(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "quota exceeded")

	denied, err := NewOpenAIOracle(OpenAIConfig{BaseURL: server.URL + "/denied", Model: "m", Retries: 3}, nil)
	require.NoError(t, err)
	before := atomic.LoadInt32(&calls)
	_, err = denied.Decide(context.Background(), nil, nil)
	assert.Error(t, err)
	assert.Equal(t, before+1, atomic.LoadInt32(&calls), "4xx is not retried")

	_, err = NewOpenAIOracle(OpenAIConfig{Model: "m"}, nil)
	assert.Error(t, err)
	_, err = NewOpenAIOracle(OpenAIConfig{BaseURL: "http://x"}, nil)
	assert.Error(t, err)
}

func TestKeywordOracle_Classification(t *testing.T) {
	assert.True(t, isGeneralQuery("What is 2+2?"))
	assert.True(t, isGeneralQuery("What's the capital of France"))
	assert.True(t, isGeneralQuery("Who is Taylor Swift?"))
	assert.True(t, isGeneralQuery("   "))
	assert.False(t, isGeneralQuery("Best strategy for crypto tax in India 2026"))
}
