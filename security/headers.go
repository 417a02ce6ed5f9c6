package security

import "net/http"

// ApplySecurityHeaders sets baseline hardening headers on OAuth endpoint
// responses. Token and metadata responses must never be cached or framed.
func ApplySecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
}

// SecurityHeadersMiddleware applies ApplySecurityHeaders to every response.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ApplySecurityHeaders(w)
		next.ServeHTTP(w, r)
	})
}
