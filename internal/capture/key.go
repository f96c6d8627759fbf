package capture

import (
	"net"
	"net/url"
	"sort"
	"strings"
)

// Key is a normalized URL. Two requests that should share a cached screenshot
// normalize to the same Key.
type Key string

func (k Key) String() string {
	return string(k)
}

// Parse validates rawURL and returns its normalized Key. Only absolute http and
// https URLs with a host are accepted.
func Parse(rawURL string) (Key, error) {
	u, err := Validate(rawURL)
	if err != nil {
		return "", err
	}
	return Normalize(u), nil
}

// Validate checks that rawURL is a well-formed absolute http(s) URL.
func Validate(rawURL string) (*url.URL, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, &ValidationError{URL: rawURL, Reason: "url is required"}
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, &ValidationError{URL: rawURL, Reason: "malformed url"}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, &ValidationError{URL: rawURL, Reason: "scheme must be http or https"}
	}
	if u.Opaque != "" || u.Hostname() == "" {
		return nil, &ValidationError{URL: rawURL, Reason: "host is required"}
	}
	if port := u.Port(); port != "" && !validPort(port) {
		return nil, &ValidationError{URL: rawURL, Reason: "invalid port"}
	}
	if _, err := url.ParseQuery(u.RawQuery); err != nil {
		return nil, &ValidationError{URL: rawURL, Reason: "malformed query"}
	}
	return u, nil
}

// Normalize builds the Key for an already validated URL: lowercase scheme and
// host, default port dropped, fragment dropped, trailing slash trimmed from
// non-root paths, and query parameters sorted by key then value.
func Normalize(u *url.URL) Key {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !isDefaultPort(scheme, port) {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if q := sortedQuery(u.Query()); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	return Key(b.String())
}

func sortedQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	for k := range values {
		sort.Strings(values[k])
	}
	// Encode sorts by key.
	return values.Encode()
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}

func validPort(port string) bool {
	if len(port) > 5 {
		return false
	}
	n := 0
	for _, r := range port {
		if r < '0' || r > '9' {
			return false
		}
		n = n*10 + int(r-'0')
	}
	return n > 0 && n <= 65535
}
