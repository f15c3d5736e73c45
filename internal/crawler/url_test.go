package crawler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"HTTP://Example.COM:80/a?b=2&a=1#top", "http://example.com/a?a=1&b=2"},
		{"https://example.com:443/", "https://example.com/"},
		{"https://example.com:8443/x", "https://example.com:8443/x"},
	}
	for _, tt := range tests {
		got, err := NormalizeURL(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := NormalizeURL("http://[::1")
	require.Error(t, err)
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	got, err := ResolveURL("https://example.com/gallery/", "../img/a.png#zoom")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/img/a.png", got)

	got, err = ResolveURL("", "//cdn.example.com/b.jpg")
	require.ErrorIs(t, err, ErrUnsupportedScheme)
	assert.Empty(t, got)

	_, err = ResolveURL("https://example.com/", "data:image/png;base64,AAAA")
	require.ErrorIs(t, err, ErrUnsupportedScheme)
	_, err = ResolveURL("https://example.com/", "   ")
	require.Error(t, err)
}

func TestSameHost(t *testing.T) {
	t.Parallel()

	assert.True(t, SameHost("https://Example.com/a", "http://example.com:8080/b"))
	assert.False(t, SameHost("https://example.com/a", "https://cdn.example.com/a"))
	assert.False(t, SameHost("/relative", "/other"))
}

func TestSafeBasenameAndExtension(t *testing.T) {
	t.Parallel()

	a := SafeBasename("https://example.com/img/a b.PNG?x=1")
	b := SafeBasename("https://example.com/img/a b.PNG?x=2")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "example.com_img_a_20b.PNG_"), a)
	assert.True(t, strings.HasPrefix(SafeBasename("https://example.com"), "example.com_root_"))

	assert.Equal(t, "png", Extension("https://example.com/img/a.PNG?x=1"))
	assert.Empty(t, Extension("https://example.com/img/"))
	assert.Len(t, HashURL("anything"), 40)
}
