package claude

import (
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/relaymux/pkg/types"
)

// codeHeaderDefaults are the headers the Claude Code CLI sends. Console
// accounts reject clients that do not look like it.
var codeHeaderDefaults = map[string]string{
	"x-stainless-retry-count":                   "0",
	"x-stainless-timeout":                       "60",
	"x-stainless-lang":                          "js",
	"x-stainless-package-version":               "0.55.1",
	"x-stainless-os":                            "Linux",
	"x-stainless-arch":                          "x64",
	"x-stainless-runtime":                       "node",
	"x-stainless-runtime-version":               "v20.19.2",
	"anthropic-dangerous-direct-browser-access": "true",
	"x-app":           "cli",
	"accept-language": "*",
	"sec-fetch-mode":  "cors",
	"anthropic-beta":  "prompt-caching-2024-07-31,max-tokens-3-5-sonnet-2024-07-15",
}

// forwardedHeaderKeys are copied from the client when present.
var forwardedHeaderKeys = []string{
	"x-stainless-retry-count",
	"x-stainless-timeout",
	"x-stainless-lang",
	"x-stainless-package-version",
	"x-stainless-os",
	"x-stainless-arch",
	"x-stainless-runtime",
	"x-stainless-runtime-version",
	"anthropic-dangerous-direct-browser-access",
	"x-app",
	"accept-language",
	"sec-fetch-mode",
	"anthropic-beta",
}

// ApplyCodeHeaders copies the Claude Code headers from client and fills the
// ones still missing with defaults.
func ApplyCodeHeaders(dst, client http.Header) {
	for _, k := range forwardedHeaderKeys {
		if v := client.Get(k); v != "" {
			dst.Set(k, v)
		}
	}
	for k, v := range codeHeaderDefaults {
		if dst.Get(k) == "" {
			dst.Set(k, v)
		}
	}
}

// IsCodeRequest reports whether req was sent by the Claude Code CLI: it
// carries a non-empty system block array or a CLI-shaped metadata user id.
func IsCodeRequest(req *types.Request) bool {
	if len(req.System) > 0 {
		var blocks []json.RawMessage
		if err := json.Unmarshal(req.System, &blocks); err == nil && len(blocks) > 0 {
			return true
		}
	}
	if req.Metadata != nil {
		id := req.Metadata.UserID
		if strings.HasPrefix(id, "user_") && strings.Contains(id, "_account__session_") {
			return true
		}
	}
	return false
}
