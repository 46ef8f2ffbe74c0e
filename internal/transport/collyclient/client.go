// Package collyclient implements fetch.Doer on top of gocolly with per-proxy transports.
package collyclient

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	netproxy "golang.org/x/net/proxy"

	"github.com/Avinier/moff-tarkin/internal/fetch"
	"github.com/Avinier/moff-tarkin/internal/proxypool"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// Timeout applies when the request carries none. Zero means 15s.
	Timeout time.Duration
	// MaxBodyBytes caps response bodies. Zero keeps colly's default.
	MaxBodyBytes int
}

// Client implements fetch.Doer using a fresh Colly collector per exchange.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	transports map[string]*http.Transport
}

var _ fetch.Doer = (*Client)(nil)

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		logger:     logger.Named("collyclient"),
		transports: make(map[string]*http.Transport),
	}
}

// Do implements fetch.Doer. Non-2xx answers are returned as responses, not errors.
func (c *Client) Do(ctx context.Context, req fetch.RawRequest) (fetch.RawResponse, error) {
	transport, err := c.transportFor(req.Proxy)
	if err != nil {
		return fetch.RawResponse{}, err
	}
	var (
		result   fetch.RawResponse
		fetchErr error
	)
	collector := c.buildCollector(req, transport)
	c.configureCollectorHooks(collector, &result, &fetchErr)

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, req.URL, bytes.NewReader(req.Body), nil, header)
	}()

	select {
	case <-ctx.Done():
		return fetch.RawResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fetch.RawResponse{}, fmt.Errorf("colly request failed: %w", err)
		}
		if fetchErr != nil {
			return fetch.RawResponse{}, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		return result, nil
	}
}

// Close drops idle connections held by cached transports.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.transports {
		t.CloseIdleConnections()
	}
}

func (c *Client) buildCollector(req fetch.RawRequest, transport http.RoundTripper) *colly.Collector {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	if c.cfg.MaxBodyBytes > 0 {
		collector.MaxBodySize = c.cfg.MaxBodyBytes
	}
	collector.ParseHTTPErrorResponse = true
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(transport)
	return collector
}

func (c *Client) configureCollectorHooks(hooks collectorHooks, result *fetch.RawResponse, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		header := http.Header{}
		if r.Headers != nil {
			header = r.Headers.Clone()
		}
		*result = fetch.RawResponse{
			StatusCode: r.StatusCode,
			Header:     header,
			Body:       append([]byte(nil), r.Body...),
			Proto:      "HTTP/1.1",
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		// Status-only errors never reach here with ParseHTTPErrorResponse set.
		*fetchErr = err
		if r != nil && r.StatusCode > 0 {
			c.logger.Debug("colly error with response", zap.Int("status", r.StatusCode), zap.Error(err))
		}
	})
}

// transportFor returns a pooled transport bound to proxy. Collectors are built per
// call, so binding the proxy at the transport keeps concurrent calls isolated.
func (c *Client) transportFor(proxy string) (*http.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.transports[proxy]; ok {
		return t, nil
	}
	t := newHTTPTransport()
	if proxy != "" {
		u, err := proxypool.ParseAddress(proxy)
		if err != nil {
			return nil, err
		}
		switch u.Scheme {
		case "http", "https":
			t.Proxy = http.ProxyURL(u)
		case "socks5", "socks5h":
			d, err := netproxy.FromURL(u, netproxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("socks dialer: %w", err)
			}
			cd, ok := d.(netproxy.ContextDialer)
			if !ok {
				return nil, fmt.Errorf("socks dialer does not support contexts")
			}
			t.DialContext = cd.DialContext
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
		}
	}
	c.transports[proxy] = t
	return t, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
