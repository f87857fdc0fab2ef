package http

import (
	"net"
	"net/http"
	"strings"
)

// IPExtractor resolves the requester's address from proxy headers: the
// first X-Forwarded-For entry, then X-Real-IP, then X-Client-IP, then the
// socket address, else "unknown". Registered on the echo instance so every
// c.RealIP() call sees the same chain.
func IPExtractor(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	if client := r.Header.Get("X-Client-IP"); client != "" {
		return client
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return "unknown"
}
