package fetch

import (
	"math/rand/v2"
	"net/http"
	"net/url"
)

// DefaultUserAgents is the rotation pool used when none is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// Identities produces randomized client fingerprints.
type Identities struct {
	agents []string
}

// NewIdentities builds an Identities over the given user-agent pool.
func NewIdentities(agents []string) *Identities {
	pool := make([]string, 0, len(agents))
	for _, a := range agents {
		if a != "" {
			pool = append(pool, a)
		}
	}
	if len(pool) == 0 {
		pool = append(pool, DefaultUserAgents...)
	}
	return &Identities{agents: pool}
}

// UserAgent picks a random user agent.
func (i *Identities) UserAgent() string {
	return i.agents[rand.IntN(len(i.agents))]
}

// EvasiveHeaders returns a browser-like header set for target and a shuffled wire order.
func (i *Identities) EvasiveHeaders(target string) (http.Header, []string) {
	h := http.Header{}
	h.Set("User-Agent", i.UserAgent())
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "cross-site")
	h.Set("Sec-Fetch-User", "?1")
	if host := hostOf(target); host != "" {
		h.Set("Referer", "https://www.google.com/search?q="+url.QueryEscape(host))
	}
	order := make([]string, 0, len(h))
	for k := range h {
		order = append(order, k)
	}
	rand.Shuffle(len(order), func(a, b int) { order[a], order[b] = order[b], order[a] })
	return h, order
}

// PlainHeaders returns the conservative header set used by the fallback client.
func (i *Identities) PlainHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", i.UserAgent())
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Accept-Encoding", "gzip")
	h.Set("DNT", "1")
	h.Set("Connection", "keep-alive")
	h.Set("Upgrade-Insecure-Requests", "1")
	return h
}

// Viewport picks a desktop-sized window.
func (i *Identities) Viewport() Viewport {
	return Viewport{
		Width:  1366 + rand.IntN(1920-1366+1),
		Height: 768 + rand.IntN(1080-768+1),
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func mergeHeader(dst, src http.Header) {
	for k, values := range src {
		dst.Del(k)
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}
