package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/blueberrycongee/relaymux/pkg/types"
)

// RecordRelay records the outcome of one relay.
func RecordRelay(variant, model string, stream bool, statusCode int, latency time.Duration) {
	model = sanitizeModelLabel(model)
	streamLabel := strconv.FormatBool(stream)
	RelayRequests.WithLabelValues(variant, model, streamLabel, strconv.Itoa(statusCode)).Inc()
	UpstreamLatency.WithLabelValues(variant, model, streamLabel).Observe(latency.Seconds())
}

// RecordUsage adds reported token counts.
func RecordUsage(variant, model string, usage types.Usage) {
	model = sanitizeModelLabel(model)
	add := func(kind string, n int) {
		if n > 0 {
			Tokens.WithLabelValues(variant, model, kind).Add(float64(n))
		}
	}
	add("input", usage.InputTokens)
	add("output", usage.OutputTokens)
	add("cache_creation", usage.CacheCreationInputTokens)
	add("cache_read", usage.CacheReadInputTokens)
}

// RecordTransition records a health flag transition such as "rate_limited".
func RecordTransition(transition string) {
	FeedbackTransitions.WithLabelValues(transition).Inc()
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher interface for streaming support.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Middleware returns an HTTP middleware that records request duration per route.
func Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(recorder, r)

		HTTPRequestLatency.WithLabelValues(route, strconv.Itoa(recorder.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

const maxModelLabelLen = 64

func sanitizeModelLabel(model string) string {
	_, modelName := types.SplitVendorModel(model)
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(min(len(modelName), maxModelLabelLen))
	for _, r := range modelName {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		if b.Len() >= maxModelLabelLen {
			break
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}
