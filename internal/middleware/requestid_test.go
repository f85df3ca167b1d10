package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	var gotID string
	handler := NewRequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = RequestIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if _, err := uuid.Parse(gotID); err != nil {
		t.Fatalf("request_id should be a UUID, got %q", gotID)
	}
	if h := w.Header().Get(RequestIDHeader); h != gotID {
		t.Errorf("response header = %q, want %q", h, gotID)
	}
}

func TestRequestID_KeepsValidIncomingID(t *testing.T) {
	incoming := uuid.New().String()

	var gotID, forwarded string
	handler := NewRequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = RequestIDFromContext(r.Context())
		forwarded = r.Header.Get(RequestIDHeader)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, incoming)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if gotID != incoming {
		t.Errorf("request_id = %q, want %q", gotID, incoming)
	}
	if forwarded != incoming {
		t.Errorf("forwarded header = %q, want %q", forwarded, incoming)
	}
}

func TestRequestID_ReplacesInvalidIncomingID(t *testing.T) {
	var gotID string
	handler := NewRequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "<script>")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if gotID == "<script>" {
		t.Error("不正なリクエストIDは引き継がないべき")
	}
	if _, err := uuid.Parse(gotID); err != nil {
		t.Errorf("request_id should be a UUID, got %q", gotID)
	}
}

func TestRequestIDFromContext_Empty(t *testing.T) {
	if id := RequestIDFromContext(context.Background()); id != "" {
		t.Errorf("RequestIDFromContext = %q, want empty", id)
	}
}
