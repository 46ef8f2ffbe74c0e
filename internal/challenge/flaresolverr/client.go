// Package flaresolverr implements challenge.Bypasser with a FlareSolverr service.
package flaresolverr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Config controls the FlareSolverr client.
type Config struct {
	// Endpoint is the FlareSolverr v1 API URL.
	Endpoint string
	// MaxTimeout is forwarded to FlareSolverr as maxTimeout.
	MaxTimeout time.Duration
	HTTPClient *http.Client
}

// Client posts request.get commands to FlareSolverr.
type Client struct {
	cfg    Config
	client *http.Client
}

// New builds a Client with the default localhost endpoint when none is given.
func New(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8191/v1"
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 60 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.MaxTimeout + 15*time.Second}
	}
	return &Client{cfg: cfg, client: client}
}

type proxySpec struct {
	URL string `json:"url"`
}

type command struct {
	Cmd        string     `json:"cmd"`
	URL        string     `json:"url"`
	MaxTimeout int64      `json:"maxTimeout"`
	Proxy      *proxySpec `json:"proxy,omitempty"`
}

type reply struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Solution struct {
		URL       string `json:"url"`
		Status    int    `json:"status"`
		Response  string `json:"response"`
		UserAgent string `json:"userAgent"`
	} `json:"solution"`
}

// Name implements challenge.Bypasser.
func (c *Client) Name() string { return "flaresolverr" }

// Bypass implements challenge.Bypasser.
func (c *Client) Bypass(ctx context.Context, url, proxy string) ([]byte, error) {
	cmd := command{Cmd: "request.get", URL: url, MaxTimeout: c.cfg.MaxTimeout.Milliseconds()}
	if proxy != "" {
		cmd.Proxy = &proxySpec{URL: proxy}
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode flaresolverr command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build flaresolverr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flaresolverr request: %w", err)
	}
	defer res.Body.Close()

	var out reply
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode flaresolverr reply: %w", err)
	}
	if !strings.EqualFold(out.Status, "ok") {
		return nil, fmt.Errorf("flaresolverr status %q: %s", out.Status, out.Message)
	}
	if out.Solution.Response == "" {
		return nil, fmt.Errorf("flaresolverr returned an empty response")
	}
	return []byte(out.Solution.Response), nil
}
