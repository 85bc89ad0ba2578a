package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSONSetsContentTypeAndStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusCreated, map[string]string{"ok": "true"})

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}
}

func TestWriteErrorResponseDefaultsCodeFromStatus(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()

	WriteErrorResponse(rr, r, http.StatusInternalServerError, "", "boom", nil)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if got := rr.Body.String(); got == "" {
		t.Fatal("expected a JSON error body")
	}
}

func TestWriteErrorResponsePropagatesTraceHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Trace-ID", "trace-123")
	rr := httptest.NewRecorder()

	WriteErrorResponse(rr, r, http.StatusBadRequest, "BAD_REQUEST", "invalid", nil)

	if got := rr.Header().Get("X-Trace-ID"); got != "trace-123" {
		t.Fatalf("X-Trace-ID = %q, want trace-123", got)
	}
}
