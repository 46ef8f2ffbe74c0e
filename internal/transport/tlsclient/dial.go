package tlsclient

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"

	netproxy "golang.org/x/net/proxy"

	"github.com/Avinier/moff-tarkin/internal/proxypool"
)

// route describes how to reach the origin for one request.
type route struct {
	proxy *url.URL
	// forward is true when plain-http requests go to an HTTP proxy in absolute form.
	forward bool
}

func newRoute(target *url.URL, proxy string) (route, error) {
	if proxy == "" {
		return route{}, nil
	}
	u, err := proxypool.ParseAddress(proxy)
	if err != nil {
		return route{}, err
	}
	switch u.Scheme {
	case "http", "https":
		return route{proxy: u, forward: target.Scheme == "http"}, nil
	case "socks5", "socks5h":
		return route{proxy: u}, nil
	default:
		return route{}, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
}

// dial opens a raw connection to addr (host:port) following the route.
func (c *Client) dial(ctx context.Context, r route, addr string) (net.Conn, error) {
	if r.proxy == nil {
		return c.dialer.DialContext(ctx, "tcp", addr)
	}
	switch r.proxy.Scheme {
	case "socks5", "socks5h":
		d, err := netproxy.FromURL(r.proxy, c.dialer)
		if err != nil {
			return nil, fmt.Errorf("socks dialer: %w", err)
		}
		cd, ok := d.(netproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks dialer does not support contexts")
		}
		return cd.DialContext(ctx, "tcp", addr)
	default:
		conn, err := c.dialer.DialContext(ctx, "tcp", r.proxy.Host)
		if err != nil {
			return nil, fmt.Errorf("dial proxy: %w", err)
		}
		if r.forward {
			return conn, nil
		}
		if err := connectTunnel(conn, r.proxy, addr); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

// connectTunnel issues an HTTP CONNECT on conn and waits for a 2xx answer.
func connectTunnel(conn net.Conn, proxy *url.URL, addr string) error {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if auth := proxyAuthorization(proxy); auth != "" {
		req.Header.Set("Proxy-Authorization", auth)
	}
	if err := req.Write(conn); err != nil {
		return fmt.Errorf("write CONNECT: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return fmt.Errorf("read CONNECT response: %w", err)
	}
	// A 2xx body is the tunnel itself and must not be drained.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return fmt.Errorf("proxy CONNECT %s: %s", addr, resp.Status)
	}
	return nil
}

func proxyAuthorization(proxy *url.URL) string {
	if proxy == nil || proxy.User == nil {
		return ""
	}
	pass, _ := proxy.User.Password()
	creds := proxy.User.Username() + ":" + pass
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}
