package flaresolverr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBypassReturnsSolutionResponse(t *testing.T) {
	t.Parallel()

	got := make(chan command, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cmd command
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		got <- cmd
		_, _ = w.Write([]byte(`{"status":"ok","message":"Challenge solved!","solution":{"url":"https://site.test","status":200,"response":"<html>cleared</html>","userAgent":"UA"}}`))
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, MaxTimeout: 60 * time.Second})
	body, err := c.Bypass(context.Background(), "https://site.test", "http://10.0.0.1:3128")
	require.NoError(t, err)
	require.Equal(t, "<html>cleared</html>", string(body))

	cmd := <-got
	require.Equal(t, "request.get", cmd.Cmd)
	require.Equal(t, "https://site.test", cmd.URL)
	require.Equal(t, int64(60000), cmd.MaxTimeout)
	require.NotNil(t, cmd.Proxy)
	require.Equal(t, "http://10.0.0.1:3128", cmd.Proxy.URL)
}

func TestBypassErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","message":"Error solving the challenge. Timeout after 60.0 seconds."}`))
	}))
	defer srv.Close()

	_, err := New(Config{Endpoint: srv.URL}).Bypass(context.Background(), "https://site.test", "")
	require.ErrorContains(t, err, "Timeout after 60.0 seconds")
}

func TestBypassUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	_, err := New(Config{Endpoint: endpoint}).Bypass(context.Background(), "https://site.test", "")
	require.Error(t, err)
}
