package collyclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/Avinier/moff-tarkin/internal/fetch"
)

func TestDoReturnsBodyAndHeaders(t *testing.T) {
	t.Parallel()

	got := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
		w.Header().Set("X-Resp", "ok")
		_, _ = w.Write([]byte("<html>plain</html>"))
	}))
	defer srv.Close()

	c := New(Config{UserAgent: "default-agent", Timeout: 5 * time.Second}, nil)
	defer c.Close()
	resp, err := c.Do(context.Background(), fetch.RawRequest{
		URL:    srv.URL,
		Header: http.Header{"User-Agent": {"UA/2"}, "Dnt": {"1"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html>plain</html>", string(resp.Body))
	require.Equal(t, "ok", resp.Header.Get("X-Resp"))

	hdr := <-got
	require.Equal(t, "UA/2", hdr.Get("User-Agent"))
	require.Equal(t, "1", hdr.Get("DNT"))
}

func TestDoNonSuccessIsAResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("busy"))
	}))
	defer srv.Close()

	c := New(Config{}, nil)
	for range 2 {
		resp, err := c.Do(context.Background(), fetch.RawRequest{URL: srv.URL})
		require.NoError(t, err)
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		require.Equal(t, "busy", string(resp.Body))
	}
}

func TestDoThroughProxy(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.RequestURI
		_, _ = w.Write([]byte("via proxy"))
	}))
	defer proxy.Close()

	c := New(Config{}, nil)
	resp, err := c.Do(context.Background(), fetch.RawRequest{URL: "http://origin.test/a", Proxy: proxy.URL})
	require.NoError(t, err)
	require.Equal(t, "via proxy", string(resp.Body))
	require.Equal(t, "http://origin.test/a", <-got)

	t1, err := c.transportFor(proxy.URL)
	require.NoError(t, err)
	t2, err := c.transportFor(proxy.URL)
	require.NoError(t, err)
	require.Same(t, t1, t2)
}

func TestDoCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(Config{}, nil).Do(ctx, fetch.RawRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransportForRejectsBadProxy(t *testing.T) {
	t.Parallel()

	c := New(Config{}, nil)
	_, err := c.transportFor("ftp://p.test:21")
	require.ErrorContains(t, err, "unsupported proxy scheme")
	_, err = c.Do(context.Background(), fetch.RawRequest{URL: "http://x.test", Proxy: "nohostport"})
	require.Error(t, err)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	c := New(Config{}, nil)
	var result fetch.RawResponse
	var fetchErr error
	hooks := &stubHooks{}
	c.configureCollectorHooks(hooks, &result, &fetchErr)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{StatusCode: http.StatusCreated, Body: []byte("body"), Headers: &http.Header{"X-A": {"1"}}})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "1", result.Header.Get("X-A"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }

func (s *stubHooks) OnError(cb colly.ErrorCallback) { s.onError = cb }
