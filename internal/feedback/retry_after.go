package feedback

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// resetHeaders are consulted in order when deriving a rate-limit window.
var resetHeaders = []string{
	"Retry-After",
	"Anthropic-Ratelimit-Unified-Reset",
	"X-Ratelimit-Reset",
	"X-Ratelimit-Reset-Requests",
	"X-Ratelimit-Reset-Tokens",
}

// RateLimitWindow derives how long to keep an account rate limited from the
// upstream response headers. It returns false when no header yields a
// positive window.
func RateLimitWindow(h http.Header, now time.Time) (time.Duration, bool) {
	if h == nil {
		return 0, false
	}
	for _, name := range resetHeaders {
		v := strings.TrimSpace(h.Get(name))
		if v == "" {
			continue
		}
		if d, ok := parseResetValue(v, now); ok && d > 0 {
			return d, true
		}
	}
	return 0, false
}

// parseResetValue accepts delta seconds, unix seconds, unix milliseconds,
// RFC3339, HTTP dates and Go duration strings such as "6m0s".
func parseResetValue(v string, now time.Time) (time.Duration, bool) {
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		switch {
		case math.IsNaN(n) || n <= 0:
			return 0, false
		case math.IsInf(n, 1):
			return 0, false
		case n >= 1e12:
			return time.UnixMilli(int64(n)).Sub(now), true
		case n >= 1e9:
			return time.Unix(int64(n), 0).Sub(now), true
		default:
			return time.Duration(n * float64(time.Second)), true
		}
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.Sub(now), true
	}
	if t, err := http.ParseTime(v); err == nil {
		return t.Sub(now), true
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	return 0, false
}
