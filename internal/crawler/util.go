package crawler

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SafeBasename derives a filesystem-safe name from a URL: host, path and a
// short hash so distinct URLs never collide.
func SafeBasename(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return HashURL(raw)
	}
	host := invalidFilenameChars.ReplaceAllString(u.Hostname(), "_")
	p := strings.Trim(u.EscapedPath(), "/")
	if p == "" {
		p = "root"
	}
	p = invalidFilenameChars.ReplaceAllString(p, "_")
	return fmt.Sprintf("%s_%s_%s", host, p, HashURL(raw)[:16])
}

// Extension returns the lowercased extension of the URL path, without the dot.
func Extension(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
}

// HashURL returns the hex sha1 of raw.
func HashURL(raw string) string {
	sum := sha1.Sum([]byte(raw)) //nolint:gosec // naming only
	return hex.EncodeToString(sum[:])
}
