package proxypool

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	netproxy "golang.org/x/net/proxy"
)

// DefaultCheckURL is a cheap endpoint that echoes the caller's IP.
const DefaultCheckURL = "http://httpbin.org/ip"

// Checker probes a single proxy.
type Checker interface {
	Check(ctx context.Context, address string) error
}

// HTTPChecker probes a proxy by fetching a known-good URL through it.
type HTTPChecker struct {
	URL       string
	UserAgent string
}

// NewHTTPChecker builds an HTTPChecker. An empty url uses DefaultCheckURL.
func NewHTTPChecker(checkURL string) *HTTPChecker {
	if checkURL == "" {
		checkURL = DefaultCheckURL
	}
	return &HTTPChecker{
		URL:       checkURL,
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
	}
}

// Check implements Checker. Any 2xx answer counts as healthy.
func (c *HTTPChecker) Check(ctx context.Context, address string) error {
	proxyURL, err := ParseAddress(address)
	if err != nil {
		return err
	}
	transport, err := probeTransport(proxyURL)
	if err != nil {
		return err
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", "text/plain, application/json")
	req.Header.Set("Connection", "close")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe via %s: %w", proxyURL.Redacted(), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe via %s: HTTP %d", proxyURL.Redacted(), resp.StatusCode)
	}
	return nil
}

func probeTransport(proxyURL *url.URL) (*http.Transport, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 10 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, // #nosec G402 -- probes only judge reachability.
		},
		DisableKeepAlives:     true,
		DisableCompression:    true,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	switch proxyURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
	case "socks5", "socks5h":
		dialer, err := netproxy.FromURL(proxyURL, netproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks dialer: %w", err)
		}
		ctxDialer, ok := dialer.(netproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks dialer does not support contexts")
		}
		transport.DialContext = ctxDialer.DialContext
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
	}
	return transport, nil
}

// ParseAddress normalizes a proxy address. Bare host:port values are treated as HTTP proxies.
func ParseAddress(address string) (*url.URL, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("proxy address is empty")
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse proxy address: %w", err)
	}
	if u.Host == "" || u.Port() == "" {
		return nil, fmt.Errorf("proxy address %q needs host and port", u.Redacted())
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u, nil
}
