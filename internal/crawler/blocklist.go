package crawler

import (
	"net/url"
	"slices"
	"strings"
)

// DomainMatcher matches hosts against exact names and suffix wildcards
// ("*.example.com" or ".example.com").
type DomainMatcher struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewDomainMatcher builds a matcher from patterns. It returns nil when no
// usable pattern is given; a nil matcher matches nothing.
func NewDomainMatcher(patterns []string) *DomainMatcher {
	matcher := &DomainMatcher{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			matcher.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			matcher.addSuffix(strings.TrimPrefix(value, "."))
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (m *DomainMatcher) addSuffix(suffix string) {
	if suffix == "" || slices.Contains(m.suffixes, suffix) {
		return
	}
	m.suffixes = append(m.suffixes, suffix)
}

// Matches reports whether host is covered by any pattern.
func (m *DomainMatcher) Matches(host string) bool {
	if m == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := m.exact[host]; exact {
		return true
	}
	for _, suffix := range m.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// MatchesURL reports whether the host of rawURL is covered. Unparseable URLs
// never match.
func (m *DomainMatcher) MatchesURL(rawURL string) bool {
	if m == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return m.Matches(u.Hostname())
}
