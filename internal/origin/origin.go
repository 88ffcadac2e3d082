package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port], lower-cased,
// default ports removed) and the host[:port] portion for same-host
// comparisons. The special Origin value "null" is allowed and returned
// as-is; it can only match an explicit "null" allowlist entry.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeHostPort(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may open a signaling socket
// or call the browser-facing HTTP endpoints.
//
// With a non-empty allowlist, each entry must be "*", "null" or a normalized
// origin as produced by NormalizeHeader. With an empty allowlist the policy
// is same-host only: originHost must equal the request's Host header with
// default ports folded. Scheme is deliberately not compared, since a
// TLS-terminating proxy makes the relay see http for an https page.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	var scheme string
	switch {
	case strings.HasPrefix(normalizedOrigin, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalizedOrigin, "https://"):
		scheme = "https"
	default:
		// "null" and anything unrecognized never match a host-based request.
		return false
	}

	normalizedRequestHost, ok := normalizeHostPort(strings.TrimSpace(requestHost), scheme)
	if !ok {
		return false
	}
	return originHost == normalizedRequestHost
}

// HasWildcard reports whether the allowlist admits every origin. Used for
// startup warnings only; matching goes through IsAllowed.
func HasWildcard(allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if allowed == "*" {
			return true
		}
	}
	return false
}

// normalizeHostPort lower-cases an authority host[:port], folds the scheme's
// default port, and re-brackets IPv6 literals.
func normalizeHostPort(rawHost, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.ToLower(rawHost))
	if !ok || hostname == "" {
		return "", false
	}

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
	return host, true
}

// splitHostPort splits an authority host[:port] string. The hostname is
// returned without brackets for IPv6 literals; the port is returned
// unvalidated and empty when absent.
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
		i := strings.IndexByte(rawHost, ':')
		if i == 0 || i == len(rawHost)-1 {
			return "", "", false
		}
		return rawHost[:i], rawHost[i+1:], true
	default:
		// Unbracketed IPv6 literals are not valid authority components.
		return "", "", false
	}
}
