package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDomainMatcher(t *testing.T) {
	t.Parallel()

	t.Run("exact match", func(t *testing.T) {
		m := NewDomainMatcher([]string{"Example.org"})
		require.NotNil(t, m)
		require.True(t, m.Matches("example.org"))
		require.False(t, m.Matches("sub.example.org"))
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		m := NewDomainMatcher([]string{"*.ru", ".cdn.example.com"})
		require.NotNil(t, m)
		cases := []struct {
			host string
			want bool
		}{
			{"example.ru", true},
			{"sub.domain.ru", true},
			{"ru", true},
			{"img.cdn.example.com", true},
			{"example.com", false},
		}
		for _, tc := range cases {
			require.Equal(t, tc.want, m.Matches(tc.host), tc.host)
		}
	})

	t.Run("urls", func(t *testing.T) {
		m := NewDomainMatcher([]string{"ads.example.com"})
		require.True(t, m.MatchesURL("https://ads.example.com:8443/banner.png"))
		require.False(t, m.MatchesURL("https://example.com/ads.example.com"))
		require.False(t, m.MatchesURL("://bad"))
	})

	t.Run("empty patterns", func(t *testing.T) {
		require.Nil(t, NewDomainMatcher([]string{" ", "*."}))
	})

	t.Run("nil matcher", func(t *testing.T) {
		var m *DomainMatcher
		require.False(t, m.Matches("anything"))
		require.False(t, m.MatchesURL("https://anything"))
	})
}
