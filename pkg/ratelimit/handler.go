package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
)

// FingerprintFunc derives the bucket key from a request.
type FingerprintFunc func(r *http.Request) string

// ClientFingerprint keys by the client_id form parameter when present and
// falls back on the remote address, so unauthenticated abuse is still
// attributable to a source.
func ClientFingerprint(r *http.Request) string {
	_ = r.ParseForm()
	if clientID := r.Form.Get("client_id"); clientID != "" {
		return clientID
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Middleware gates a handler with the limiter. Rejected requests are
// answered with HTTP 429 and a JSON error body; the wrapped handler is
// never invoked for them.
func Middleware(l *Limiter, fingerprint FingerprintFunc) func(http.Handler) http.Handler {
	if fingerprint == nil {
		fingerprint = ClientFingerprint
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := l.Check(fingerprint(r)); err != nil {
				writeRateLimited(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, err error) {
	rejection, ok := err.(*RateLimitedError)
	if !ok {
		rejection = &RateLimitedError{Type: ErrorTypeTooManyRequests}
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(rejection)
}
