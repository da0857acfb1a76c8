package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/relaymux"
	"github.com/blueberrycongee/relaymux/internal/streaming"
	"github.com/blueberrycongee/relaymux/pkg/account"
	llmerrors "github.com/blueberrycongee/relaymux/pkg/errors"
	"github.com/blueberrycongee/relaymux/pkg/types"
	"github.com/blueberrycongee/relaymux/providers/gemini"
)

// errorResponse is the Messages API error envelope.
type errorResponse struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

// handler serves the inbound Messages API for every provider family.
type handler struct {
	gateway      *relaymux.Gateway
	ready        pinger
	maxBodyBytes int64
	logger       *slog.Logger
}

func newHandler(gw *relaymux.Gateway, ready pinger, maxBodyBytes int64, logger *slog.Logger) *handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &handler{
		gateway:      gw,
		ready:        ready,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// Messages returns the relay handler for family.
func (h *handler) Messages(family account.Family) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, family, "")
	}
}

// GeminiNative handles "/gemini/v1beta/models/{model}:generateContent" style
// paths. The model in the path wins over an empty body model.
func (h *handler) GeminiNative(w http.ResponseWriter, r *http.Request) {
	model := gemini.ModelFromPath(r.URL.Path)
	if model == "" {
		h.writeError(w, llmerrors.NewInvalidRequestError("gemini", "", "model is required in path"))
		return
	}
	h.serve(w, r, account.FamilyGemini, model)
}

func (h *handler) serve(w http.ResponseWriter, r *http.Request, family account.Family, pathModel string) {
	ctx := r.Context()

	req, err := h.decode(w, r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if req.Model == "" {
		req.Model = pathModel
	}
	if pathModel != "" && strings.HasSuffix(r.URL.Path, ":streamGenerateContent") {
		req.Stream = true
	}

	sel, err := h.gateway.Select(ctx, family, req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if req.Stream {
		h.serveStream(ctx, w, req, sel)
		return
	}

	resp, err := h.gateway.Relay(ctx, req, sel)
	if err != nil {
		h.writeError(w, err)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		h.logger.Debug("client write failed", "error", err)
	}
}

func (h *handler) serveStream(ctx context.Context, w http.ResponseWriter, req *types.Request, sel *account.SelectedAccount) {
	stream, err := h.gateway.RelayStream(ctx, req, sel)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer stream.Close()

	res, err := streaming.WriteSSE(ctx, w, stream.Chunks())
	if err != nil {
		h.logger.Debug("stream ended early",
			"account_id", stream.AccountID,
			"error", err,
		)
		return
	}
	if res.Err != nil {
		h.logger.Warn("stream terminated with upstream error",
			"account_id", stream.AccountID,
			"variant", string(stream.Variant),
			"error", res.Err,
		)
	}
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request) (*types.Request, error) {
	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &llmerrors.LLMError{
				StatusCode: http.StatusRequestEntityTooLarge,
				Message:    "request body too large",
				Type:       llmerrors.TypeInvalidRequest,
			}
		}
		return nil, llmerrors.NewInvalidRequestError("", "", "read request body: "+err.Error())
	}

	var req types.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, llmerrors.NewInvalidRequestError("", "", "invalid request body: "+err.Error())
	}
	req.ClientHeaders = r.Header.Clone()
	return &req, nil
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	var llmErr *llmerrors.LLMError
	if !errors.As(err, &llmErr) {
		llmErr = llmerrors.NewInternalError("", "", err.Error())
	}

	status := llmErr.HTTPStatusCode()
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "status", status, "type", llmErr.Type, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := errorResponse{
		Type:  "error",
		Error: errorDetail{Type: llmErr.Type, Message: llmErr.Message},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}

// Live reports process liveness.
func (h *handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Ready reports whether the state store answers.
func (h *handler) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.ready != nil {
		if err := h.ready.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
