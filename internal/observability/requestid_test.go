package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRequestID_IsUUID(t *testing.T) {
	id := GenerateRequestID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, GenerateRequestID())
}

func TestGetOrCreateRequestID(t *testing.T) {
	ctx, id := GetOrCreateRequestID(context.Background())
	require.NotEmpty(t, id)
	assert.Equal(t, id, RequestIDFromContext(ctx))

	ctx2, id2 := GetOrCreateRequestID(ctx)
	assert.Equal(t, id, id2)
	assert.Equal(t, ctx, ctx2)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	tests := []struct {
		name     string
		inbound  string
		keepSame bool
	}{
		{"none", "", false},
		{"valid", "client-req_1.a", true},
		{"invalid chars", "bad id!", false},
		{"too long", strings.Repeat("a", maxRequestIDLen+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
			if tt.inbound != "" {
				req.Header.Set(RequestIDHeader, tt.inbound)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
			if tt.keepSame {
				assert.Equal(t, tt.inbound, seen)
				return
			}
			_, err := uuid.Parse(seen)
			assert.NoError(t, err)
		})
	}
}
