package middleware

import (
	"net"
	"net/http"
	"strings"
)

// HSTS adds Strict-Transport-Security header to enforce HTTPS
func HSTS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

// NoStore marks responses as uncacheable. Link tokens and connection ids
// must not end up in shared caches.
func NoStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}

// IsHostAllowed validates a host against the allowed hosts list.
// Used for preventing redirect poisoning attacks when redirecting HTTP to HTTPS.
// Returns true if no allowed hosts are configured.
func IsHostAllowed(host string, allowedHosts []string) bool {
	if len(allowedHosts) == 0 {
		return true
	}

	host = strings.ToLower(strings.TrimSpace(host))
	hostname := stripPort(host)

	for _, allowed := range allowedHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if host == allowed || hostname == stripPort(allowed) {
			return true
		}
	}

	return false
}

// stripPort removes an optional port and IPv6 brackets.
func stripPort(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
}
