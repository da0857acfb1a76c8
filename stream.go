package relaymux

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/blueberrycongee/relaymux/internal/metrics"
	"github.com/blueberrycongee/relaymux/internal/observability"
	"github.com/blueberrycongee/relaymux/pkg/account"
	llmerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

// statusClientClosed is recorded when the consumer abandons a stream.
const statusClientClosed = 499

// StreamResult summarizes a finished stream.
type StreamResult struct {
	Usage types.Usage
	// Err is the terminal upstream error, nil on clean completion.
	Err error
	// Abandoned is true when the consumer closed the stream before it ended.
	Abandoned bool
}

// Stream is an in-flight streaming relay. Read Chunks until it is closed, or
// call Close to abandon the stream; either way the account's concurrency
// slot is released before Chunks closes.
type Stream struct {
	AccountID string
	Variant   account.Variant
	RequestID string
	// Header holds the upstream response headers.
	Header http.Header

	out    chan types.StreamChunk
	done   chan struct{}
	cancel context.CancelFunc
	result StreamResult
}

// Chunks returns the chunk channel: raw upstream data, then exactly one
// usage chunk, then an error chunk if the upstream failed mid-stream.
func (s *Stream) Chunks() <-chan types.StreamChunk {
	return s.out
}

// Done is closed after the stream has been finalized.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close stops the upstream read if still running and waits for finalization.
func (s *Stream) Close() StreamResult {
	s.cancel()
	<-s.done
	return s.result
}

// Result returns the outcome once Done is closed.
func (s *Stream) Result() (StreamResult, bool) {
	select {
	case <-s.done:
		return s.result, true
	default:
		return StreamResult{}, false
	}
}

// forward copies pump chunks to the stream consumer, then finalizes the
// attempt. Once ctx ends chunks are discarded; the pump stops on the same
// context and closes its channel.
func (g *Gateway) forward(ctx context.Context, at *attempt, in <-chan types.StreamChunk, s *Stream) {
	defer close(s.done)
	defer close(s.out)

	var res StreamResult
	sawUsage := false
	for c := range in {
		switch c.Kind {
		case types.ChunkUsage:
			sawUsage = true
			if c.Usage != nil {
				res.Usage = *c.Usage
			}
		case types.ChunkError:
			res.Err = c.Err
		}
		if res.Abandoned {
			continue
		}
		select {
		case s.out <- c:
		case <-ctx.Done():
			res.Abandoned = true
		}
	}
	if !sawUsage && res.Err == nil {
		res.Abandoned = true
	}

	g.finishStream(ctx, at, res)
	s.result = res
}

func (g *Gateway) finishStream(ctx context.Context, at *attempt, res StreamResult) {
	defer at.finish()

	variant := string(at.sel.Variant)
	latency := time.Since(at.start)
	if res.Err != nil || res.Abandoned {
		metrics.RecordUsage(variant, at.req.Model, res.Usage)
		observability.RecordUsage(at.span, res.Usage)
	}

	switch {
	case res.Err != nil:
		metrics.StreamErrors.WithLabelValues(variant).Inc()
		observability.RecordError(at.span, res.Err)

		status := 502
		var llmErr *llmerrors.LLMError
		if errors.As(res.Err, &llmErr) {
			status = llmErr.HTTPStatusCode()
			if llmErr.UpstreamStatus != 0 {
				fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
				if _, err := g.OnUpstreamError(fctx, at.sel, at.req.SessionHash, llmErr.UpstreamStatus, nil); err != nil {
					at.log.Error("failed to record upstream failure", "status", llmErr.UpstreamStatus, "error", err)
				}
				cancel()
			}
		}
		metrics.RecordRelay(variant, at.req.Model, true, status, latency)
		at.log.Warn("stream ended with upstream error", "error", res.Err)

	case res.Abandoned:
		metrics.RecordRelay(variant, at.req.Model, true, statusClientClosed, latency)
		at.log.Info("stream abandoned by client", "latency", latency)

	default:
		g.succeed(ctx, at, http.StatusOK, res.Usage)
	}
}
