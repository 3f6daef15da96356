// Package ipextract implements trusted-proxy IP extraction: take the
// configured header, split on commas, trim, and use the last element;
// fall back to the raw peer address on absence or parse failure.
package ipextract

import (
	"net"
	"net/http"
	"strings"
)

// FromHeader applies the parsing rule to a raw header value, returning
// fallback when the header is empty or does not parse as an IP address
// after taking its last comma-separated, trimmed element.
func FromHeader(headerValue, fallback string) string {
	if headerValue == "" {
		return fallback
	}
	parts := strings.Split(headerValue, ",")
	last := strings.TrimSpace(parts[len(parts)-1])
	ip := net.ParseIP(last)
	if ip == nil {
		return fallback
	}
	return ip.String()
}

// FromRequest extracts the client IP for r, using headerName's value if
// present and parseable, otherwise the connection's raw peer address.
func FromRequest(r *http.Request, headerName string) string {
	return FromHeader(r.Header.Get(headerName), peerAddr(r.RemoteAddr))
}

func peerAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
