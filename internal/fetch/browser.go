package fetch

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// BrowserStrategy renders the page in a headless browser with human-like pacing.
// It only runs for requests that opt in through Options.Heavy.
type BrowserStrategy struct {
	browser    Browser
	proxies    ProxySource
	challenges Challenges
	identities *Identities
	human      *Humanizer
	logger     *zap.Logger
}

// NewBrowserStrategy wires the browser tier. challenges may be nil to skip in-page solving.
func NewBrowserStrategy(
	browser Browser,
	proxies ProxySource,
	challenges Challenges,
	ids *Identities,
	human *Humanizer,
	logger *zap.Logger,
) *BrowserStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ids == nil {
		ids = NewIdentities(nil)
	}
	if human == nil {
		human = NewHumanizer(DefaultPacing(), nil)
	}
	return &BrowserStrategy{
		browser:    browser,
		proxies:    proxies,
		challenges: challenges,
		identities: ids,
		human:      human,
		logger:     logger.Named("browser"),
	}
}

// Name implements Strategy.
func (s *BrowserStrategy) Name() StrategyName { return StrategyBrowser }

// Attempt implements Strategy.
func (s *BrowserStrategy) Attempt(ctx context.Context, req Request) Outcome {
	if !req.Options.Heavy || s.browser == nil {
		return Outcome{Kind: OutcomeSkipped}
	}
	proxy := acquireProxy(ctx, s.proxies)
	vp := s.identities.Viewport()
	session, err := s.browser.Open(ctx, SessionOptions{
		Proxy:     proxy,
		Viewport:  vp,
		UserAgent: s.identities.UserAgent(),
		Timeout:   req.Options.Timeout,
	})
	if err != nil {
		if proxy != "" && s.proxies != nil {
			s.proxies.MarkFailed(proxy)
		}
		return Outcome{Kind: OutcomeSoftFailure, Err: fmt.Errorf("open browser session: %w", err), Tries: 1}
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			s.logger.Warn("browser session close failed", zap.String("url", req.URL), zap.Error(cerr))
		}
	}()

	html, err := s.render(ctx, session, req.URL, vp)
	if err != nil {
		return Outcome{Kind: OutcomeSoftFailure, Err: err, Tries: 1}
	}
	return Outcome{Kind: OutcomeSuccess, Body: []byte(html), Tries: 1}
}

func (s *BrowserStrategy) render(ctx context.Context, session Session, url string, vp Viewport) (string, error) {
	if err := session.Navigate(ctx, url); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	if err := s.human.Browse(ctx, session, vp); err != nil {
		return "", fmt.Errorf("browse: %w", err)
	}
	html, err := session.HTML(ctx)
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	if s.challenges == nil || !s.challenges.Detect([]byte(html)) {
		return html, nil
	}

	pageURL := url
	if loc, lerr := session.Location(ctx); lerr == nil && loc != "" {
		pageURL = loc
	}
	desc, ok := s.challenges.Describe([]byte(html), pageURL)
	if !ok {
		s.logger.Info("challenge detected but not recognized", zap.String("url", url))
		return html, nil
	}
	token, ok := s.challenges.Resolve(ctx, desc)
	if !ok {
		s.logger.Info("challenge left unresolved", zap.String("url", url), zap.String("kind", string(desc.Kind)))
		return html, nil
	}
	if err := session.SubmitToken(ctx, desc, token); err != nil {
		return "", fmt.Errorf("submit challenge token: %w", err)
	}
	if err := s.human.AfterSolve(ctx); err != nil {
		return "", fmt.Errorf("post-solve wait: %w", err)
	}
	html, err = session.HTML(ctx)
	if err != nil {
		return "", fmt.Errorf("read document after solve: %w", err)
	}
	return html, nil
}
