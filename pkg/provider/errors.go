package provider

import (
	"strings"

	"github.com/goccy/go-json"

	llmerrors "github.com/blueberrycongee/relaymux/pkg/errors"
)

// MapUpstreamError builds the typed error for a non-2xx upstream response.
// It understands the common {"error":{"message":...}} body shapes and falls
// back to the raw body text.
func MapUpstreamError(name string, statusCode int, body []byte) error {
	return llmerrors.NewUpstreamError(name, "", statusCode, ErrorMessage(body))
}

// ErrorMessage extracts a human-readable message from an upstream error body.
func ErrorMessage(body []byte) string {
	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &nested); err == nil {
		if nested.Error.Message != "" {
			return nested.Error.Message
		}
		if nested.Message != "" {
			return nested.Message
		}
	}

	// Gemini and some proxies return a list of errors.
	var list []struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &list); err == nil && len(list) > 0 && list[0].Error.Message != "" {
		return list[0].Error.Message
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "unknown error"
	}
	const maxLen = 512
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
