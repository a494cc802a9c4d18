package util

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"remote addr only", "203.0.113.7:52000", "", "203.0.113.7"},
		{"forwarded single", "10.0.0.1:80", "198.51.100.4", "198.51.100.4"},
		{"forwarded chain uses first hop", "10.0.0.1:80", "198.51.100.4, 10.0.0.2, 10.0.0.3", "198.51.100.4"},
		{"forwarded with spaces", "10.0.0.1:80", "  198.51.100.4 , 10.0.0.2", "198.51.100.4"},
		{"no port", "203.0.113.7", "", "203.0.113.7"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if got := ClientIP(req); got != tc.want {
				t.Fatalf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}
