package fetch

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIdentitiesFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	ids := NewIdentities([]string{"", ""})
	require.Contains(t, DefaultUserAgents, ids.UserAgent())

	custom := NewIdentities([]string{"agent/1.0"})
	require.Equal(t, "agent/1.0", custom.UserAgent())
}

func TestEvasiveHeaders(t *testing.T) {
	t.Parallel()

	h, order := NewIdentities([]string{"agent/1.0"}).EvasiveHeaders("https://www.shop.test/item?id=1")
	require.Equal(t, "agent/1.0", h.Get("User-Agent"))
	require.Equal(t, "gzip, deflate, br", h.Get("Accept-Encoding"))
	require.Equal(t, "navigate", h.Get("Sec-Fetch-Mode"))
	require.Equal(t, "https://www.google.com/search?q=www.shop.test", h.Get("Referer"))

	require.Len(t, order, len(h))
	for _, name := range order {
		require.NotEmpty(t, h.Get(name), name)
	}
}

func TestEvasiveHeadersWithoutHost(t *testing.T) {
	t.Parallel()

	h, _ := NewIdentities(nil).EvasiveHeaders("::not a url")
	require.Empty(t, h.Get("Referer"))
}

func TestPlainHeaders(t *testing.T) {
	t.Parallel()

	h := NewIdentities([]string{"agent/1.0"}).PlainHeaders()
	require.Equal(t, "agent/1.0", h.Get("User-Agent"))
	require.Equal(t, "gzip", h.Get("Accept-Encoding"))
	require.Empty(t, h.Get("Sec-Fetch-Mode"))
}

func TestViewportRange(t *testing.T) {
	t.Parallel()

	ids := NewIdentities(nil)
	for range 100 {
		vp := ids.Viewport()
		require.GreaterOrEqual(t, vp.Width, 1366)
		require.LessOrEqual(t, vp.Width, 1920)
		require.GreaterOrEqual(t, vp.Height, 768)
		require.LessOrEqual(t, vp.Height, 1080)
	}
}

func TestMergeHeaderOverrides(t *testing.T) {
	t.Parallel()

	dst := http.Header{"Accept": {"text/html"}, "User-Agent": {"a"}}
	mergeHeader(dst, http.Header{"Accept": {"application/json"}, "X-Trace": {"1", "2"}})
	require.Equal(t, []string{"application/json"}, dst.Values("Accept"))
	require.Equal(t, []string{"1", "2"}, dst.Values("X-Trace"))
	require.Equal(t, "a", dst.Get("User-Agent"))
}
