// Package streaming relays upstream SSE responses to clients. A background
// pump reads the upstream body into a bounded channel of raw chunks while
// accumulating token usage; the forwarder renders the channel as SSE.
package streaming

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	llmerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/provider"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

const (
	// DefaultCapacity is the channel capacity between pump and writer.
	DefaultCapacity = 100

	// DefaultBufferSize is the read buffer size for upstream bodies.
	DefaultBufferSize = 4096
)

var readerPool = sync.Pool{
	New: func() any {
		return bufio.NewReaderSize(nil, DefaultBufferSize)
	},
}

func getReader(r io.Reader) *bufio.Reader {
	br := readerPool.Get().(*bufio.Reader)
	br.Reset(r)
	return br
}

func putReader(br *bufio.Reader) {
	br.Reset(nil)
	readerPool.Put(br)
}

type pumpOptions struct {
	capacity int
	provider string
	model    string
	logger   *slog.Logger
}

// Option configures Pump.
type Option func(*pumpOptions)

// WithCapacity sets the channel capacity.
func WithCapacity(n int) Option {
	return func(o *pumpOptions) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithProvider labels errors raised from in-band upstream error events.
func WithProvider(name, model string) Option {
	return func(o *pumpOptions) {
		o.provider = name
		o.model = model
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *pumpOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// Pump starts a goroutine that forwards body line by line, byte for byte, as
// ChunkData chunks. Every line also goes to scanner. When the body ends the
// pump sends one ChunkUsage chunk; if the upstream failed, by a read error or
// an in-band error event, a ChunkError chunk follows it. The channel is then
// closed.
//
// Cancelling ctx stops the pump without further chunks. body is always closed.
func Pump(ctx context.Context, body io.ReadCloser, scanner provider.UsageScanner, opts ...Option) <-chan types.StreamChunk {
	o := pumpOptions{capacity: DefaultCapacity, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	out := make(chan types.StreamChunk, o.capacity)
	go run(ctx, body, scanner, o, out)
	return out
}

func run(ctx context.Context, body io.ReadCloser, scanner provider.UsageScanner, o pumpOptions, out chan<- types.StreamChunk) {
	defer close(out)

	done := make(chan struct{})
	var closeOnce sync.Once
	closeBody := func() { closeOnce.Do(func() { _ = body.Close() }) }
	defer closeBody()
	defer close(done)

	// Closing the body unblocks a pending Read when the consumer goes away.
	go func() {
		select {
		case <-ctx.Done():
			closeBody()
		case <-done:
		}
	}()

	send := func(c types.StreamChunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	br := getReader(body)
	defer putReader(br)

	var streamErr error
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if ctx.Err() != nil {
				return
			}
			trimmed := bytes.TrimRight(line, "\r\n")
			if scanner != nil {
				scanner.ScanLine(trimmed)
			}
			if streamErr == nil {
				streamErr = inbandError(trimmed, o)
			}
			if !send(types.StreamChunk{Kind: types.ChunkData, Data: line}) {
				return
			}
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			o.logger.Debug("stream cancelled by client", "provider", o.provider)
			return
		}
		if !errors.Is(err, io.EOF) {
			o.logger.Warn("upstream stream failed", "provider", o.provider, "error", err)
			streamErr = llmerrors.NewUpstreamError(o.provider, o.model, http.StatusBadGateway,
				fmt.Sprintf("upstream stream interrupted: %v", err)).WithCause(err)
		}
		break
	}

	var usage types.Usage
	if scanner != nil {
		usage = scanner.Usage()
	}
	if !send(types.StreamChunk{Kind: types.ChunkUsage, Usage: &usage}) {
		return
	}
	if streamErr != nil {
		send(types.StreamChunk{Kind: types.ChunkError, Err: streamErr})
	}
}

type errorEvent struct {
	Type  string `json:"type"`
	Error *struct {
		Type    string `json:"type"`
		Status  string `json:"status"`
		Code    any    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// inbandError recognizes error events sent inside a 200 stream, such as the
// Messages API's {"type":"error","error":{"type":"overloaded_error"}} or a
// Gemini {"error":{"code":429,"status":"RESOURCE_EXHAUSTED"}} frame.
func inbandError(line []byte, o pumpOptions) error {
	payload, ok := provider.SSEData(line)
	if !ok || !bytes.Contains(payload, []byte(`"error"`)) {
		return nil
	}
	var ev errorEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Error == nil {
		return nil
	}
	if ev.Type != "" && ev.Type != "error" {
		return nil
	}

	status := http.StatusBadGateway
	switch {
	case ev.Error.Type != "":
		status = StatusForErrorType(ev.Error.Type)
	case ev.Error.Status != "":
		status = StatusForErrorType(ev.Error.Status)
	default:
		if code, ok := ev.Error.Code.(float64); ok && code >= 400 && code < 600 {
			status = int(code)
		}
	}
	return llmerrors.NewUpstreamError(o.provider, o.model, status, ev.Error.Message)
}

// StatusForErrorType maps an upstream error type to the HTTP status the
// upstream would have returned for it. Messages API types, Gemini statuses and
// Bedrock exception names are recognized; anything else is a 502.
func StatusForErrorType(t string) int {
	switch strings.ToLower(t) {
	case "overloaded_error":
		return llmerrors.StatusOverloaded
	case "rate_limit_error", "rate_limit_exceeded", "resource_exhausted", "throttlingexception":
		return http.StatusTooManyRequests
	case "authentication_error", "unauthenticated":
		return http.StatusUnauthorized
	case "permission_error", "permission_denied", "accessdeniedexception":
		return http.StatusForbidden
	case "invalid_request_error", "invalid_argument", "validationexception":
		return http.StatusBadRequest
	case "not_found_error", "not_found":
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}
