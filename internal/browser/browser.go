// Package browser opens stealth-configured headless Chrome sessions via chromedp.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	moff "github.com/Avinier/moff-tarkin/internal/fetch"
	"github.com/Avinier/moff-tarkin/internal/proxypool"
)

// Config controls the launcher.
type Config struct {
	// MaxParallel caps concurrently open sessions. Zero means unlimited.
	MaxParallel int
	Headless    bool
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
	// NavigationTimeout bounds a session when the caller supplies none. Zero means 45s.
	NavigationTimeout time.Duration
}

// Launcher implements fetch.Browser. Every session gets its own Chrome process so
// proxy and window flags never leak between sessions.
type Launcher struct {
	cfg     Config
	limiter chan struct{}
	logger  *zap.Logger
}

var _ moff.Browser = (*Launcher)(nil)

// New builds a Launcher.
func New(cfg Config, logger *zap.Logger) (*Launcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Launcher{cfg: cfg, limiter: limiter, logger: logger.Named("browser")}, nil
}

// Open implements fetch.Browser. The returned session must be closed.
func (l *Launcher) Open(ctx context.Context, opts moff.SessionOptions) (moff.Session, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	allocOpts, creds, err := l.allocatorOptions(opts)
	if err != nil {
		l.release()
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = l.cfg.NavigationTimeout
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	s := &session{
		tab:     tabCtx,
		timeout: timeout,
		meta:    newResponseMeta(),
		logger:  l.logger,
		cancel: func() {
			tabCancel()
			allocCancel()
			l.release()
		},
	}
	chromedp.ListenTarget(tabCtx, s.meta.captureEvent)
	if creds != nil {
		chromedp.ListenTarget(tabCtx, authHandler(tabCtx, creds))
	}
	// The first Run starts Chrome and must see the undecorated tab context; a
	// canceled parent there would kill the process.
	if err := chromedp.Run(tabCtx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	if err := s.run(ctx, l.setupAction(opts, creds != nil)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("configure browser: %w", err)
	}
	return s, nil
}

func (l *Launcher) allocatorOptions(opts moff.SessionOptions) ([]chromedp.ExecAllocatorOption, *url.Userinfo, error) {
	out := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	out = append(out,
		chromedp.Flag("headless", l.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
		out = append(out, chromedp.WindowSize(opts.Viewport.Width, opts.Viewport.Height))
	}
	if opts.UserAgent != "" {
		out = append(out, chromedp.UserAgent(opts.UserAgent))
	}
	if l.cfg.ExecPath != "" {
		out = append(out, chromedp.ExecPath(l.cfg.ExecPath))
	}
	var creds *url.Userinfo
	if opts.Proxy != "" {
		server, user, err := proxyServer(opts.Proxy)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, chromedp.ProxyServer(server))
		creds = user
	}
	return out, creds, nil
}

func (l *Launcher) setupAction(opts moff.SessionOptions, proxyAuth bool) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if proxyAuth {
			if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
				return fmt.Errorf("enable fetch domain: %w", err)
			}
		}
		if opts.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(opts.UserAgent).WithAcceptLanguage("en-US,en;q=0.9").Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx); err != nil {
			return fmt.Errorf("install stealth script: %w", err)
		}
		return nil
	})
}

// authHandler answers proxy credential challenges and releases paused requests.
func authHandler(tab context.Context, creds *url.Userinfo) func(ev any) {
	pass, _ := creds.Password()
	return func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				_ = chromedp.Run(tab, fetch.ContinueWithAuth(e.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: creds.Username(),
					Password: pass,
				}))
			}()
		case *fetch.EventRequestPaused:
			go func() {
				_ = chromedp.Run(tab, fetch.ContinueRequest(e.RequestID))
			}()
		}
	}
}

// proxyServer splits credentials off a proxy URL; Chrome only accepts scheme://host:port.
func proxyServer(address string) (string, *url.Userinfo, error) {
	u, err := proxypool.ParseAddress(address)
	if err != nil {
		return "", nil, err
	}
	user := u.User
	u.User = nil
	u.Path = ""
	if u.Scheme == "socks5h" {
		u.Scheme = "socks5"
	}
	return u.String(), user, nil
}

func (l *Launcher) acquire(ctx context.Context) error {
	if l.limiter == nil {
		return nil
	}
	select {
	case l.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (l *Launcher) release() {
	if l.limiter == nil {
		return
	}
	select {
	case <-l.limiter:
	default:
	}
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// snapshot returns the last document status, defaulting to 200 when none was seen.
func (m *responseMeta) snapshot() (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := m.status
	if status == 0 {
		status = http.StatusOK
	}
	return status, m.url
}
