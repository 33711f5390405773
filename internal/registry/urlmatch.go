package registry

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// NormalizeURL canonicalizes a server URL: scheme and host lowercased,
// trailing slash enforced. Logically identical URLs with superficial
// formatting differences normalize to the same string.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q missing scheme or host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u.String(), nil
}

// isLoopback reports whether a hostname refers to the local machine.
func isLoopback(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// matchKey reduces a URL to its locality-aware identity: for loopback
// hosts the port is part of the identity (two local servers on
// different ports are different servers); for any other host the port
// is ignored (a remote gateway's port is incidental).
func matchKey(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	if isLoopback(host) {
		port := u.Port()
		if port == "" {
			port = defaultPort(u.Scheme)
		}
		return host + ":" + port
	}
	return host
}

func defaultPort(scheme string) string {
	switch strings.ToLower(scheme) {
	case "https", "wss":
		return "443"
	default:
		return "80"
	}
}

// matchKeyFor parses and reduces a raw URL.
func matchKeyFor(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	return matchKey(u), nil
}
