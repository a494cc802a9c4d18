package util

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the originating client address from a request, preferring
// the first entry of X-Forwarded-For when a proxy added one.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
