// Package types defines the provider-agnostic request and response shapes relayed by the gateway.
// Adapters translate them to and from each provider's native wire format.
package types //nolint:revive // package name is intentional

import (
	"net/http"

	"github.com/goccy/go-json"
)

// Request is the unified relay request.
// Its JSON form follows the Messages API shape so Claude-compatible clients can be relayed unchanged.
type Request struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Metadata      *Metadata       `json:"metadata,omitempty"`

	// Extra holds fields the gateway does not interpret (tools, thinking, ...).
	// Adapters speaking the Messages wire pass them through unchanged.
	Extra map[string]json.RawMessage `json:"-"`

	// SessionHash is the sticky session key derived by the caller.
	SessionHash string `json:"-"`

	// ClientHeaders are the inbound request headers. Adapters copy the
	// subset their upstream expects; nil is fine.
	ClientHeaders http.Header `json:"-"`
}

// Message is a single conversation turn. Content is either a JSON string or an
// array of content blocks.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Metadata carries caller-supplied request metadata.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// ContentBlock is the subset of a content block the gateway reads.
type ContentBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text,omitempty"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// CacheControl marks a prompt-caching breakpoint.
type CacheControl struct {
	Type string `json:"type"`
}

var requestKnownFields = map[string]struct{}{
	"model":          {},
	"messages":       {},
	"system":         {},
	"max_tokens":     {},
	"temperature":    {},
	"top_p":          {},
	"stop_sequences": {},
	"stream":         {},
	"metadata":       {},
}

// MarshalJSON merges Extra fields without overriding explicitly set fields.
func (r Request) MarshalJSON() ([]byte, error) {
	type Alias Request

	base, err := json.Marshal(Alias(r))
	if err != nil || len(r.Extra) == 0 {
		return base, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(base, &payload); err != nil {
		return nil, err
	}

	for key, value := range r.Extra {
		if _, exists := payload[key]; !exists {
			payload[key] = value
		}
	}

	return json.Marshal(payload)
}

// UnmarshalJSON captures unknown fields into Extra for passthrough.
func (r *Request) UnmarshalJSON(data []byte) error {
	type Alias Request

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	var parsed Alias
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}

	*r = Request(parsed)
	for key := range requestKnownFields {
		delete(payload, key)
	}

	if len(payload) == 0 {
		r.Extra = nil
	} else {
		r.Extra = payload
	}

	return nil
}

// Text flattens string or block content to plain text.
func Text(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" || b.Type == "" {
			out += b.Text
		}
	}
	return out
}

// Blocks returns content as blocks; plain strings become a single text block.
func Blocks(content json.RawMessage) []ContentBlock {
	if len(content) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return []ContentBlock{{Type: "text", Text: s}}
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// SystemText returns the system prompt as text, joining the request-level
// system field and any system-role messages with blank lines.
func (r *Request) SystemText() string {
	var parts []string
	if t := Text(r.System); t != "" {
		parts = append(parts, t)
	}
	for _, m := range r.Messages {
		if m.Role == "system" {
			if t := Text(m.Content); t != "" {
				parts = append(parts, t)
			}
		}
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n\n"
		}
		out += p
	}
	return out
}

// Clone returns a shallow copy safe for adapters to rewrite Model and Stream on.
func (r *Request) Clone() *Request {
	c := *r
	c.Messages = append([]Message(nil), r.Messages...)
	if r.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// StringContent encodes s as a JSON string content value.
func StringContent(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
