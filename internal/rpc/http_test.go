package rpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerParseError(t *testing.T) {
	d, _, _ := newTestDispatcher()
	h := NewHandler(d)

	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with a JSON-RPC error body", rec.Code)
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response decode error: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Fatalf("error = %+v, want PARSE_ERROR", resp.Error)
	}
}

func TestHandlerMethodNotAllowed(t *testing.T) {
	d, _, _ := newTestDispatcher()
	h := NewHandler(d)

	req := httptest.NewRequest(http.MethodGet, "/rpc", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	h := NewHandlerFunc(func(r *http.Request, req *Request) *Response {
		d, _, _ := newTestDispatcher()
		return d.Handle(r.Context(), req)
	})
	// A handler panic inside Dispatcher.Handle is converted there; this
	// exercises the full round trip with a method whose params decode
	// to something the handler chokes on.
	body := `{"jsonrpc":"2.0","method":"tasks/get","params":{"id":5},"id":1}`
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response decode error: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("want a JSON-RPC error for bad param types")
	}
	if resp.Error.Code != CodeInvalidParams {
		t.Errorf("error code = %d, want INVALID_PARAMS", resp.Error.Code)
	}
}

func TestHandlerRoundTrip(t *testing.T) {
	d, _, _ := newTestDispatcher()
	h := NewHandler(d)

	body := `{"jsonrpc":"2.0","method":"message/send","params":{"message":{"agentId":"agent-1","parts":[{"kind":"text","text":"Hello"}]}},"id":42}`
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		Error   *Error          `json:"error"`
		ID      int             `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response decode error: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.JSONRPC != "2.0" || resp.ID != 42 {
		t.Errorf("envelope = %q id %d, want 2.0 id 42", resp.JSONRPC, resp.ID)
	}
	var got struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Result, &got); err != nil {
		t.Fatalf("result decode error: %v", err)
	}
	if got.Status != "submitted" {
		t.Errorf("task status = %q, want submitted", got.Status)
	}
}
