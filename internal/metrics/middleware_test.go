package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/relaymux/pkg/types"
)

func TestSanitizeModelLabel_StripsVendorPrefix(t *testing.T) {
	if got := sanitizeModelLabel("ccr:claude-sonnet-4-20250514"); got != "claude-sonnet-4-20250514" {
		t.Fatalf("sanitizeModelLabel = %q, want %q", got, "claude-sonnet-4-20250514")
	}
}

func TestSanitizeModelLabel_ReplacesInvalidChars(t *testing.T) {
	got := sanitizeModelLabel("gpt-4o-mini\n\t🚨")
	if strings.ContainsAny(got, "\n\t") {
		t.Fatalf("sanitizeModelLabel contains whitespace: %q", got)
	}
	if got == "unknown" {
		t.Fatalf("sanitizeModelLabel unexpectedly returned %q", got)
	}
}

func TestSanitizeModelLabel_CapsLength(t *testing.T) {
	long := strings.Repeat("a", maxModelLabelLen+50)
	got := sanitizeModelLabel(long)
	if len(got) != maxModelLabelLen {
		t.Fatalf("sanitizeModelLabel len=%d, want %d", len(got), maxModelLabelLen)
	}
}

func TestSanitizeModelLabel_EmptyFallback(t *testing.T) {
	if got := sanitizeModelLabel("   "); got != "unknown" {
		t.Fatalf("sanitizeModelLabel = %q, want %q", got, "unknown")
	}
}

func TestRecordUsage_SkipsZeroKinds(t *testing.T) {
	RecordUsage("gemini", "gemini-2.5-pro", types.Usage{InputTokens: 12, OutputTokens: 3})

	require.Equal(t, 12.0, testutil.ToFloat64(Tokens.WithLabelValues("gemini", "gemini-2.5-pro", "input")))
	require.Equal(t, 3.0, testutil.ToFloat64(Tokens.WithLabelValues("gemini", "gemini-2.5-pro", "output")))
	require.Equal(t, 0.0, testutil.ToFloat64(Tokens.WithLabelValues("gemini", "gemini-2.5-pro", "cache_read")))
}

func TestMiddleware_RecordsStatus(t *testing.T) {
	h := Middleware("messages", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, 1, testutil.CollectAndCount(HTTPRequestLatency))
}
