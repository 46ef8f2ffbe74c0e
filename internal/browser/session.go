package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/Avinier/moff-tarkin/internal/challenge"
)

type session struct {
	tab     context.Context
	timeout time.Duration
	meta    *responseMeta
	logger  *zap.Logger

	closeOnce sync.Once
	cancel    func()
}

// run executes actions on the tab, bounded by both ctx and the session timeout.
func (s *session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.tab, s.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("chromedp run: %w", ctx.Err())
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (s *session) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return err
	}
	status, final := s.meta.snapshot()
	s.logger.Debug("page loaded", zap.String("url", url), zap.String("final_url", final), zap.Int("status", status))
	return nil
}

func (s *session) Scroll(ctx context.Context, dy int) error {
	return s.run(ctx, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", dy), nil))
}

func (s *session) MovePointer(ctx context.Context, x, y float64) error {
	return s.run(ctx, chromedp.MouseEvent(input.MouseMoved, x, y))
}

func (s *session) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

func (s *session) Location(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

func (s *session) SubmitToken(ctx context.Context, d challenge.Descriptor, token string) error {
	script, err := submitScript(d, token)
	if err != nil {
		return err
	}
	var found bool
	if err := s.run(ctx, chromedp.Evaluate(script, &found)); err != nil {
		return err
	}
	if !found {
		s.logger.Debug("token field injected", zap.String("kind", string(d.Kind)))
	}
	return nil
}

// Close tears down the tab and its Chrome process. It is safe to call twice.
func (s *session) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}
