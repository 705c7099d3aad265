package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequireIdentity(t *testing.T) {
	var gotOperator, gotIP string
	h := RequireIdentity("X-Forwarded-User")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOperator = Operator(r.Context())
		gotIP = SourceIP(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/gateway/uploads", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status without identity = %d, want 401", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v1/gateway/uploads", nil)
	r.Header.Set("X-Forwarded-User", " alice ")
	r.Header.Set("X-Real-Ip", "203.0.113.9")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if gotOperator != "alice" || gotIP != "203.0.113.9" {
		t.Errorf("operator = %q, ip = %q", gotOperator, gotIP)
	}
}
