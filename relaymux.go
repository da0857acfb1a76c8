// Package relaymux is the account scheduling and relay core of a
// multi-provider LLM gateway.
//
// A Gateway picks an upstream account for each request, brackets the call
// with a concurrency slot in Redis, translates the request to the provider's
// wire format, and feeds upstream failures back into account health so the
// next selection lands elsewhere.
//
// Basic usage:
//
//	gw, err := relaymux.New(store, directory, registry, cipher)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	sel, err := gw.Select(ctx, account.FamilyClaude, req)
//	if err != nil {
//	    return err
//	}
//	resp, err := gw.Relay(ctx, req, sel)
package relaymux

import (
	"github.com/blueberrycongee/relaymux/pkg/account"
	"github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

// Version is the current version of relaymux.
const Version = "0.3.0"

// Re-export the types callers handle most.
type (
	// Request is the unified relay request.
	Request = types.Request

	// Response is a completed non-streaming relay.
	Response = types.Response

	// StreamChunk is one item of a relay stream.
	StreamChunk = types.StreamChunk

	// Usage holds token counts.
	Usage = types.Usage

	// SelectedAccount is the result of a scheduling decision.
	SelectedAccount = account.SelectedAccount

	// LLMError is the gateway error type.
	LLMError = errors.LLMError
)
