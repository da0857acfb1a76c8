package types //nolint:revive // package name is intentional

import "net/http"

// Usage contains token counts extracted from an upstream response.
type Usage struct {
	InputTokens              int    `json:"input_tokens"`
	OutputTokens             int    `json:"output_tokens"`
	CacheCreationInputTokens int    `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int    `json:"cache_read_input_tokens"`
	Model                    string `json:"model,omitempty"`
}

// TotalTokens sums every counted token.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// IsZero reports whether no tokens were counted.
func (u Usage) IsZero() bool {
	return u.TotalTokens() == 0
}

// Response is a completed non-streaming relay.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Usage      Usage

	AccountID string
	Variant   string
}

// ChunkKind tags a streaming chunk.
type ChunkKind int

const (
	// ChunkData carries raw upstream bytes to forward verbatim.
	ChunkData ChunkKind = iota
	// ChunkUsage is the single terminal usage summary.
	ChunkUsage
	// ChunkError reports a terminal upstream failure.
	ChunkError
)

// String implements fmt.Stringer.
func (k ChunkKind) String() string {
	switch k {
	case ChunkData:
		return "data"
	case ChunkUsage:
		return "usage"
	case ChunkError:
		return "error"
	}
	return "unknown"
}

// StreamChunk is one item on a relay stream channel.
type StreamChunk struct {
	Kind  ChunkKind
	Data  []byte
	Usage *Usage
	Err   error
}
