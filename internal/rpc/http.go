package rpc

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/slyhq/sly/internal/logging"
)

// Handler is the HTTP transport for a JSON-RPC dispatcher. Dispatch
// failures always produce a JSON-RPC error object with HTTP 200; the
// transport only speaks HTTP status codes for transport-level problems
// (method, unreadable body).
type Handler struct {
	dispatch func(r *http.Request, req *Request) *Response
	logger   *logging.Logger
	maxBody  int64
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{
		dispatch: func(r *http.Request, req *Request) *Response {
			return d.Handle(r.Context(), req)
		},
		logger:  logging.New("rpc-http"),
		maxBody: 1 << 20, // 1 MiB request ceiling
	}
}

// NewHandlerFunc wraps an arbitrary dispatch function; the gateway
// endpoint shares this transport with the task dispatcher.
func NewHandlerFunc(dispatch func(r *http.Request, req *Request) *Response) *Handler {
	return &Handler{
		dispatch: dispatch,
		logger:   logging.New("rpc-http"),
		maxBody:  1 << 20,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody))
	if err != nil {
		h.writeResponse(w, ErrorResponse(nil, NewError(CodeParseError, "unreadable request body")))
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeResponse(w, ErrorResponse(nil, NewError(CodeParseError, "parse error: "+err.Error())))
		return
	}

	h.writeResponse(w, h.dispatch(r, &req))
}

func (h *Handler) writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Plain().WithError(err).Error("response encode failed")
	}
}
