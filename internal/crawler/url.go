package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrUnsupportedScheme is returned for references that are not http(s).
var ErrUnsupportedScheme = errors.New("unsupported url scheme")

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, and sorts query parameters.
// It also removes fragments.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}

// ResolveURL resolves ref against base and rejects anything that is not http(s).
// Fragments are dropped.
func ResolveURL(base, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("empty reference")
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse reference: %w", err)
	}
	if base != "" {
		b, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("parse base: %w", err)
		}
		r = b.ResolveReference(r)
	}
	switch strings.ToLower(r.Scheme) {
	case "http", "https":
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, r.Scheme)
	}
	r.Fragment = ""
	return r.String(), nil
}

// SameHost reports whether both URLs parse and share a hostname.
func SameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Hostname() != "" && strings.EqualFold(ua.Hostname(), ub.Hostname())
}
