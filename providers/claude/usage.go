package claude

import (
	"github.com/goccy/go-json"

	"github.com/blueberrycongee/relaymux/pkg/provider"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

type messagesUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Model string        `json:"model"`
		Usage messagesUsage `json:"usage"`
	} `json:"message,omitempty"`
	Usage *messagesUsage `json:"usage,omitempty"`
}

// UsageScanner accumulates usage from Messages API stream events.
// message_start carries input and cache counts, message_delta the output count.
// Bedrock streams carry the same events and reuse it.
type UsageScanner struct {
	usage types.Usage
}

var _ provider.UsageScanner = (*UsageScanner)(nil)

// ScanLine implements provider.UsageScanner.
func (s *UsageScanner) ScanLine(line []byte) {
	payload, ok := provider.SSEData(line)
	if !ok {
		return
	}
	s.ScanEvent(payload)
}

// ScanEvent inspects one decoded event payload.
func (s *UsageScanner) ScanEvent(payload []byte) {
	var ev streamEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	switch ev.Type {
	case "message_start":
		if ev.Message == nil {
			return
		}
		u := ev.Message.Usage
		s.usage.InputTokens = u.InputTokens
		s.usage.CacheCreationInputTokens = u.CacheCreationInputTokens
		s.usage.CacheReadInputTokens = u.CacheReadInputTokens
		if ev.Message.Model != "" {
			s.usage.Model = ev.Message.Model
		}
	case "message_delta":
		if ev.Usage == nil {
			return
		}
		s.usage.OutputTokens = ev.Usage.OutputTokens
		if ev.Usage.InputTokens > 0 {
			s.usage.InputTokens = ev.Usage.InputTokens
		}
	}
}

// Usage implements provider.UsageScanner.
func (s *UsageScanner) Usage() types.Usage {
	return s.usage
}

// ParseUsage reads usage from a complete Messages API response body.
// Unparseable bodies yield zero usage.
func ParseUsage(body []byte) types.Usage {
	var resp struct {
		Model string        `json:"model"`
		Usage messagesUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return types.Usage{}
	}
	return types.Usage{
		InputTokens:              resp.Usage.InputTokens,
		OutputTokens:             resp.Usage.OutputTokens,
		CacheCreationInputTokens: resp.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     resp.Usage.CacheReadInputTokens,
		Model:                    resp.Model,
	}
}
