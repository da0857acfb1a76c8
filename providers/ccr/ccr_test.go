package ccr

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/relaymux/pkg/account"
	llmerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/provider"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

func TestTransformRequest_BearerAndStrippedModel(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := New(WithAllowPrivateEndpoints(true))
	target := &provider.Target{
		Account: &account.Account{ID: "r1", Platform: account.PlatformCCR, CustomEndpoint: server.URL},
		Variant: account.VariantCCR,
		Secrets: provider.Secrets{APIKey: "ccr-key"},
	}
	req := &types.Request{
		Model:    "ccr:claude-3-5-sonnet-20241022",
		Messages: []types.Message{{Role: "user", Content: types.StringContent("hi")}},
	}

	httpReq, err := a.TransformRequest(context.Background(), req, target)
	require.NoError(t, err)
	resp, err := server.Client().Do(httpReq)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer ccr-key", gotAuth)
	assert.Contains(t, string(gotBody), `"model":"claude-3-5-sonnet-20241022"`)
	assert.NotContains(t, string(gotBody), "ccr:")
}

func TestTransformRequest_RequiresEndpoint(t *testing.T) {
	target := &provider.Target{
		Account: &account.Account{ID: "r2", Platform: account.PlatformCCR},
		Variant: account.VariantCCR,
	}
	_, err := New().TransformRequest(context.Background(), &types.Request{Model: "ccr:x"}, target)
	require.Error(t, err)

	var llmErr *llmerrors.LLMError
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, http.StatusBadRequest, llmErr.StatusCode)
}

func TestTransformRequest_RejectsPrivateEndpointByDefault(t *testing.T) {
	target := &provider.Target{
		Account: &account.Account{ID: "r3", CustomEndpoint: "http://127.0.0.1:3456"},
		Variant: account.VariantCCR,
	}
	_, err := New().TransformRequest(context.Background(), &types.Request{Model: "x"}, target)
	require.Error(t, err)
}
