// Package tlsclient performs HTTP exchanges whose TLS handshake mimics a desktop browser.
package tlsclient

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/Avinier/moff-tarkin/internal/fetch"
)

// Config controls the Client.
type Config struct {
	// Timeout bounds a whole exchange when the request carries none. Zero means 30s.
	Timeout time.Duration
	// MaxBodyBytes caps decoded bodies. Zero means 10 MiB.
	MaxBodyBytes int64
	// Hello selects the ClientHello fingerprint. Zero means Chrome.
	Hello utls.ClientHelloID
}

// Client implements fetch.Doer with a uTLS handshake and manual header ordering.
type Client struct {
	cfg    Config
	dialer *net.Dialer
	logger *zap.Logger
}

var _ fetch.Doer = (*Client)(nil)

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.Hello.Client == "" {
		cfg.Hello = utls.HelloChrome_Auto
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: 15 * time.Second, KeepAlive: 30 * time.Second},
		logger: logger.Named("tlsclient"),
	}
}

// Do implements fetch.Doer. Every call uses a fresh connection.
func (c *Client) Do(ctx context.Context, req fetch.RawRequest) (fetch.RawResponse, error) {
	target, err := url.Parse(req.URL)
	if err != nil {
		return fetch.RawResponse{}, fmt.Errorf("parse url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return fetch.RawResponse{}, fmt.Errorf("unsupported scheme %q", target.Scheme)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r, err := newRoute(target, req.Proxy)
	if err != nil {
		return fetch.RawResponse{}, err
	}
	addr := hostPort(target)
	conn, err := c.dial(ctx, r, addr)
	if err != nil {
		return fetch.RawResponse{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if target.Scheme == "http" {
		return c.exchangeHTTP1(conn, method, target, req, r)
	}

	uconn := utls.UClient(conn, &utls.Config{ServerName: target.Hostname()}, c.cfg.Hello)
	if err := uconn.HandshakeContext(ctx); err != nil {
		return fetch.RawResponse{}, fmt.Errorf("tls handshake: %w", err)
	}
	if uconn.ConnectionState().NegotiatedProtocol == http2.NextProtoTLS {
		return c.exchangeHTTP2(ctx, uconn, method, target, req)
	}
	return c.exchangeHTTP1(uconn, method, target, req, route{})
}

func (c *Client) exchangeHTTP2(ctx context.Context, conn net.Conn, method string, target *url.URL, req fetch.RawRequest) (fetch.RawResponse, error) {
	t2 := &http2.Transport{DisableCompression: true}
	cc, err := t2.NewClientConn(conn)
	if err != nil {
		return fetch.RawResponse{}, fmt.Errorf("http2 client conn: %w", err)
	}
	defer cc.Close()

	hreq, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(req.Body))
	if err != nil {
		return fetch.RawResponse{}, fmt.Errorf("build request: %w", err)
	}
	for name, values := range req.Header {
		if strings.EqualFold(name, "Connection") || strings.EqualFold(name, "Host") {
			continue
		}
		hreq.Header[name] = append([]string(nil), values...)
	}
	if len(req.Body) == 0 {
		hreq.Body = http.NoBody
	}
	resp, err := cc.RoundTrip(hreq)
	if err != nil {
		return fetch.RawResponse{}, fmt.Errorf("http2 round trip: %w", err)
	}
	defer resp.Body.Close()
	return c.readResponse(resp)
}

func (c *Client) exchangeHTTP1(conn net.Conn, method string, target *url.URL, req fetch.RawRequest, r route) (fetch.RawResponse, error) {
	var buf bytes.Buffer
	requestURI := target.RequestURI()
	if r.forward {
		requestURI = target.String()
	}
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", method, requestURI)
	writeHeaders(&buf, target.Host, req.Header, req.HeaderOrder, len(req.Body))
	if r.forward {
		if auth := proxyAuthorization(r.proxy); auth != "" {
			fmt.Fprintf(&buf, "Proxy-Authorization: %s\r\n", auth)
		}
	}
	buf.WriteString("\r\n")
	buf.Write(req.Body)
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return fetch.RawResponse{}, fmt.Errorf("write request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: method})
	if err != nil {
		return fetch.RawResponse{}, fmt.Errorf("read response: %w", err)
	}
	defer resp.Body.Close()
	return c.readResponse(resp)
}

func (c *Client) readResponse(resp *http.Response) (fetch.RawResponse, error) {
	body, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body, c.cfg.MaxBodyBytes)
	if err != nil {
		return fetch.RawResponse{}, err
	}
	header := resp.Header.Clone()
	header.Del("Content-Encoding")
	header.Del("Content-Length")
	return fetch.RawResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		Proto:      resp.Proto,
	}, nil
}

// writeHeaders writes Host first, then names in order, then the rest sorted.
func writeHeaders(w io.Writer, host string, header http.Header, order []string, bodyLen int) {
	fmt.Fprintf(w, "Host: %s\r\n", host)
	written := map[string]bool{"Host": true, "Content-Length": true}
	emit := func(name string) {
		canonical := textproto.CanonicalMIMEHeaderKey(name)
		if written[canonical] {
			return
		}
		written[canonical] = true
		for _, v := range header.Values(canonical) {
			fmt.Fprintf(w, "%s: %s\r\n", canonical, sanitizeValue(v))
		}
	}
	for _, name := range order {
		emit(name)
	}
	rest := make([]string, 0, len(header))
	for name := range header {
		rest = append(rest, name)
	}
	sort.Strings(rest)
	for _, name := range rest {
		emit(name)
	}
	if bodyLen > 0 {
		fmt.Fprintf(w, "Content-Length: %s\r\n", strconv.Itoa(bodyLen))
	}
}

func sanitizeValue(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
