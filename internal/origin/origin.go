// Package origin validates browser Origin headers against the configured
// allowlist.
//
// CORS middleware only protects the plain HTTP surface; WebSocket upgrades
// are not subject to CORS, so the signaling endpoint checks the Origin header
// itself using this package.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates and canonicalizes a browser Origin header into
// scheme://host[:port] form (default ports stripped, hostname lowercased).
// The special value "null" is allowed and returned as-is.
func Normalize(originHeader string) (string, bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	hostname, rawPort, ok := splitHostPort(u.Host)
	if !ok || hostname == "" {
		return "", false
	}
	hostname = strings.ToLower(hostname)

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host = host + ":" + strconv.FormatUint(port, 10)
	}
	return scheme + "://" + host, true
}

// Allowed reports whether the raw Origin header matches the allowlist.
// Entries are compared in normalized form; "*" matches everything. Requests
// without an Origin header (non-browser clients) are allowed.
func Allowed(originHeader string, allowedOrigins []string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}
	normalized, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	for _, allowed := range allowedOrigins {
		if allowed == "*" {
			return true
		}
		if allowedNorm, ok := Normalize(allowed); ok && allowedNorm == normalized {
			return true
		}
	}
	return false
}

// splitHostPort splits an authority host[:port] string. The hostname is
// returned without brackets for IPv6 literals.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		parts := strings.SplitN(rawHost, ":", 2)
		if parts[0] == "" || parts[1] == "" {
			return "", "", false
		}
		return parts[0], parts[1], true
	default:
		// Unbracketed IPv6 literals are not valid in the authority component.
		return "", "", false
	}
}
