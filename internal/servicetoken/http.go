package servicetoken

import (
	"encoding/json"
	"net/http"
	"strings"

	"companionchat/internal/util"
)

// BearerToken extracts a bearer token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Require rejects requests without a valid token for v.
func Require(v *Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if ok {
			_, err := v.Verify(token)
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}
			util.LoggerFromContext(r.Context()).Warn("service token rejected", "err", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status_code": http.StatusUnauthorized,
			"message":     "unauthorized",
		})
	})
}

// Transport signs every outgoing request for audience.
type Transport struct {
	Signer   *Signer
	Audience string
	Base     http.RoundTripper
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	token, err := t.Signer.Sign(t.Audience)
	if err != nil {
		return nil, err
	}
	r = r.Clone(r.Context())
	r.Header.Set("Authorization", "Bearer "+token)
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r)
}
