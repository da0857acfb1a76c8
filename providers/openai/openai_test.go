package openai

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/relaymux/pkg/account"
	"github.com/blueberrycongee/relaymux/pkg/provider"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

func openAITarget() *provider.Target {
	return &provider.Target{
		Account: &account.Account{ID: "o1", Platform: account.PlatformOpenAI},
		Variant: account.VariantOpenAI,
		Secrets: provider.Secrets{APIKey: "sk-test"},
	}
}

func TestTransformRequest_MergesExtraWithoutOverwriting(t *testing.T) {
	temp := 0.2
	req := &types.Request{
		Model:       "gpt-4",
		System:      types.StringContent("Be terse."),
		Messages:    []types.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
		Temperature: &temp,
		Extra: map[string]json.RawMessage{
			"foo":         json.RawMessage(`"bar"`),
			"model":       json.RawMessage(`"override"`),
			"temperature": json.RawMessage(`0.9`),
			"thinking":    json.RawMessage(`{"type":"enabled"}`),
		},
	}

	httpReq, err := New(WithBaseURL("https://api.test.com/v1")).TransformRequest(context.Background(), req, openAITarget())
	require.NoError(t, err)
	assert.Equal(t, "https://api.test.com/v1/chat/completions", httpReq.URL.String())
	assert.Equal(t, "Bearer sk-test", httpReq.Header.Get("Authorization"))

	body, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))

	assert.Equal(t, "gpt-4", payload["model"])
	assert.InDelta(t, 0.2, payload["temperature"].(float64), 0.0001)
	assert.Equal(t, "bar", payload["foo"])
	assert.NotContains(t, payload, "thinking")

	msgs := payload["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "Be terse.", msgs[0].(map[string]any)["content"])
}

func TestTransformRequest_StreamIncludesUsage(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	req := &types.Request{Model: "gpt-4o-mini", Stream: true, Messages: []types.Message{{Role: "user", Content: types.StringContent("hi")}}}
	httpReq, err := New(WithBaseURL(server.URL)).TransformRequest(context.Background(), req, openAITarget())
	require.NoError(t, err)
	resp, err := server.Client().Do(httpReq)
	require.NoError(t, err)
	resp.Body.Close()

	assert.True(t, got.Stream)
	require.NotNil(t, got.StreamOptions)
	assert.True(t, got.StreamOptions.IncludeUsage)
}

func TestTransformRequest_Azure(t *testing.T) {
	target := &provider.Target{
		Account: &account.Account{ID: "az1", Platform: account.PlatformAzure, CustomEndpoint: "https://res.openai.azure.com"},
		Variant: account.VariantAzure,
		Secrets: provider.Secrets{APIKey: "az-key"},
	}
	req := &types.Request{Model: "azure:gpt-4o"}

	httpReq, err := New().TransformRequest(context.Background(), req, target)
	require.NoError(t, err)
	assert.Equal(t, "/openai/deployments/gpt-4o/chat/completions", httpReq.URL.Path)
	assert.Equal(t, DefaultAzureAPIVersion, httpReq.URL.Query().Get("api-version"))
	assert.Equal(t, "az-key", httpReq.Header.Get("api-key"))
	assert.Empty(t, httpReq.Header.Get("Authorization"))

	target.Account.CustomEndpoint = ""
	_, err = New().TransformRequest(context.Background(), req, target)
	require.Error(t, err)
}

func TestUsage(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","usage":{"prompt_tokens":11,"completion_tokens":22,"prompt_tokens_details":{"cached_tokens":3}}}`)
	resp, err := New().TransformResponse(body)
	require.NoError(t, err)
	assert.Equal(t, types.Usage{InputTokens: 11, OutputTokens: 22, CacheReadInputTokens: 3, Model: "gpt-4o"}, resp.Usage)

	s := New().NewUsageScanner()
	s.ScanLine([]byte(`data: {"choices":[{"delta":{"content":"hi"}}],"usage":null}`))
	s.ScanLine([]byte(`data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":7}}`))
	s.ScanLine([]byte(`data: [DONE]`))
	assert.Equal(t, 5, s.Usage().InputTokens)
	assert.Equal(t, 7, s.Usage().OutputTokens)
}
