package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithSecurityHeaders(t *testing.T) {
	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name     string
		proto    string
		wantHSTS bool
	}{
		{name: "plain http", wantHSTS: false},
		{name: "forwarded https", proto: "https", wantHSTS: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.proto != "" {
				req.Header.Set("X-Forwarded-Proto", tc.proto)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
				t.Fatalf("X-Content-Type-Options mismatch: %q", got)
			}
			if got := rec.Header().Get("Cache-Control"); got != "no-store" {
				t.Fatalf("Cache-Control mismatch: %q", got)
			}
			gotHSTS := rec.Header().Get("Strict-Transport-Security") != ""
			if gotHSTS != tc.wantHSTS {
				t.Fatalf("HSTS present = %v, want %v", gotHSTS, tc.wantHSTS)
			}
		})
	}
}
