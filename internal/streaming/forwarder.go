package streaming

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	llmerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

// Forwarder renders pump chunks to an http.ResponseWriter as SSE.
type Forwarder struct {
	downstream http.ResponseWriter
	flusher    http.Flusher
}

// Result summarizes a forwarded stream.
type Result struct {
	Usage types.Usage
	// Err is the terminal upstream error, nil on clean completion.
	Err error
	// Completed is false when the client went away before the usage chunk.
	Completed bool
}

// NewForwarder creates a forwarder. The writer must support flushing.
func NewForwarder(w http.ResponseWriter) (*Forwarder, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &Forwarder{downstream: w, flusher: flusher}, nil
}

// WriteHeaders sets the SSE response headers and status 200.
func (f *Forwarder) WriteHeaders() {
	h := f.downstream.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	f.downstream.WriteHeader(http.StatusOK)
}

// Forward drains chunks until the channel closes or ctx ends. Data chunks are
// written verbatim; the usage chunk becomes "event: usage" and an error chunk
// "event: error". A write failure cancels nothing by itself; callers cancel
// the pump's context to stop upstream reads.
func (f *Forwarder) Forward(ctx context.Context, chunks <-chan types.StreamChunk) (Result, error) {
	var res Result
	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				return res, nil
			}
			if err := f.write(c, &res); err != nil {
				return res, err
			}
		}
	}
}

func (f *Forwarder) write(c types.StreamChunk, res *Result) error {
	switch c.Kind {
	case types.ChunkData:
		if _, err := f.downstream.Write(c.Data); err != nil {
			return fmt.Errorf("write chunk: %w", err)
		}
		if isEventBoundary(c.Data) {
			f.flusher.Flush()
		}
		return nil
	case types.ChunkUsage:
		if c.Usage != nil {
			res.Usage = *c.Usage
		}
		res.Completed = true
		return f.writeEvent("usage", usageFrame(res.Usage))
	case types.ChunkError:
		res.Err = c.Err
		return f.writeEvent("error", errorFrame(c.Err))
	}
	return nil
}

func isEventBoundary(line []byte) bool {
	return len(line) == 0 || line[0] == '\n' || (line[0] == '\r' && len(line) <= 2)
}

func (f *Forwarder) writeEvent(name string, payload []byte) error {
	if _, err := fmt.Fprintf(f.downstream, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return fmt.Errorf("write %s event: %w", name, err)
	}
	f.flusher.Flush()
	return nil
}

type usagePayload struct {
	Type  string      `json:"type"`
	Usage types.Usage `json:"usage"`
}

func usageFrame(u types.Usage) []byte {
	b, _ := json.Marshal(usagePayload{Type: "usage", Usage: u})
	return b
}

type errorPayload struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func errorFrame(err error) []byte {
	detail := errorDetail{Type: llmerrors.TypeUpstream, Message: "upstream stream failed"}
	var llmErr *llmerrors.LLMError
	if stderrors.As(err, &llmErr) {
		detail.Type = llmErr.Type
		detail.Message = llmErr.Message
	} else if err != nil {
		detail.Message = err.Error()
	}
	b, _ := json.Marshal(errorPayload{Type: "error", Error: detail})
	return b
}

// WriteSSE sets SSE headers and forwards chunks to w.
func WriteSSE(ctx context.Context, w http.ResponseWriter, chunks <-chan types.StreamChunk) (Result, error) {
	f, err := NewForwarder(w)
	if err != nil {
		return Result{}, err
	}
	f.WriteHeaders()
	return f.Forward(ctx, chunks)
}
