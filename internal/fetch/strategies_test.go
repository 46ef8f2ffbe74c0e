package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Avinier/moff-tarkin/internal/challenge"
)

func okReply(body string) doerReply {
	return doerReply{resp: RawResponse{StatusCode: http.StatusOK, Body: []byte(body)}}
}

func status(code int) doerReply {
	return doerReply{resp: RawResponse{StatusCode: code}}
}

func TestEvasiveForbiddenEndsTierAtOnce(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{replies: []doerReply{status(http.StatusForbidden)}}
	proxies := &fakeProxies{addr: "http://10.0.0.1:8080"}
	s := NewEvasiveStrategy(doer, proxies, nil, noWait(5), nil)

	out := s.Attempt(context.Background(), Request{URL: "https://shop.test/", Method: "GET"})
	require.Equal(t, OutcomeHardFailure, out.Kind)
	require.ErrorIs(t, out.Err, ErrChallengePresent)
	require.Equal(t, http.StatusForbidden, out.StatusCode)
	require.Equal(t, 1, doer.calls())
	require.Empty(t, proxies.failed, "a 403 is not the proxy's fault")
}

func TestEvasiveRetriesTransportErrorsAndBlamesProxy(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{replies: []doerReply{
		{err: errors.New("connection reset")},
		status(http.StatusBadGateway),
		okReply("<html/>"),
	}}
	proxies := &fakeProxies{addr: "http://10.0.0.1:8080"}
	s := NewEvasiveStrategy(doer, proxies, nil, noWait(5), nil)

	out := s.Attempt(context.Background(), Request{
		URL:    "https://shop.test/p",
		Method: "POST",
		Body:   []byte("a=1"),
		Header: http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
	})
	require.Equal(t, OutcomeSuccess, out.Kind)
	require.Equal(t, "<html/>", string(out.Body))
	require.Equal(t, 3, out.Tries)
	require.Equal(t, []string{"http://10.0.0.1:8080"}, proxies.failed)

	first := doer.seen[0]
	require.Equal(t, "POST", first.Method)
	require.Equal(t, "a=1", string(first.Body))
	require.Equal(t, "http://10.0.0.1:8080", first.Proxy)
	require.Equal(t, "application/x-www-form-urlencoded", first.Header.Get("Content-Type"))
	require.NotEmpty(t, first.Header.Get("User-Agent"))
	require.Len(t, first.HeaderOrder, len(first.Header)-1, "caller headers follow the shuffled browser set")
}

func TestEvasiveExhaustsBudget(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{replies: []doerReply{status(http.StatusServiceUnavailable)}}
	s := NewEvasiveStrategy(doer, nil, nil, noWait(3), nil)

	out := s.Attempt(context.Background(), Request{URL: "https://shop.test/", Method: "GET"})
	require.Equal(t, OutcomeSoftFailure, out.Kind)
	require.ErrorIs(t, out.Err, ErrUnexpectedStatus)
	require.Equal(t, http.StatusServiceUnavailable, out.StatusCode)
	require.Equal(t, 3, out.Tries)
	require.Equal(t, 3, doer.calls())
	require.Empty(t, doer.seen[0].Proxy)
}

func TestEvasiveStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	doer := &fakeDoer{replies: []doerReply{okReply("x")}}
	out := NewEvasiveStrategy(doer, nil, nil, noWait(3), nil).Attempt(ctx, Request{URL: "https://shop.test/"})
	require.Equal(t, OutcomeSoftFailure, out.Kind)
	require.ErrorIs(t, out.Err, context.Canceled)
	require.Zero(t, doer.calls())
}

func TestPlainRetriesEveryNonSuccess(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{replies: []doerReply{
		status(http.StatusForbidden),
		{err: errors.New("timeout")},
		okReply("plain body"),
	}}
	proxies := &fakeProxies{addr: "socks5://10.0.0.2:1080"}
	s := NewPlainStrategy(doer, proxies, nil, noWait(3), nil)

	out := s.Attempt(context.Background(), Request{URL: "https://shop.test/", Method: "GET"})
	require.Equal(t, OutcomeSuccess, out.Kind)
	require.Equal(t, 3, out.Tries)
	require.Equal(t, []string{"socks5://10.0.0.2:1080"}, proxies.failed)
	require.Equal(t, "1", doer.seen[0].Header.Get("DNT"))
	require.Nil(t, doer.seen[0].HeaderOrder)
}

func TestPlainExhaustsBudget(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{replies: []doerReply{status(http.StatusForbidden)}}
	out := NewPlainStrategy(doer, nil, nil, noWait(2), nil).Attempt(context.Background(), Request{URL: "https://shop.test/"})
	require.Equal(t, OutcomeSoftFailure, out.Kind)
	require.Equal(t, http.StatusForbidden, out.StatusCode)
	require.Equal(t, 2, doer.calls())
}

func TestNetworkTiersRetryEmptyBodies(t *testing.T) {
	t.Parallel()

	doer := &fakeDoer{replies: []doerReply{okReply(""), okReply("<html/>")}}
	proxies := &fakeProxies{addr: "http://10.0.0.1:8080"}
	out := NewEvasiveStrategy(doer, proxies, nil, noWait(3), nil).Attempt(context.Background(), Request{URL: "https://shop.test/"})
	require.Equal(t, OutcomeSuccess, out.Kind)
	require.Equal(t, 2, out.Tries)
	require.Empty(t, proxies.failed)

	empty := &fakeDoer{replies: []doerReply{okReply("")}}
	out = NewPlainStrategy(empty, nil, nil, noWait(2), nil).Attempt(context.Background(), Request{URL: "https://shop.test/"})
	require.Equal(t, OutcomeSoftFailure, out.Kind)
	require.ErrorIs(t, out.Err, ErrEmptyBody)
	require.Equal(t, http.StatusOK, out.StatusCode)
	require.Equal(t, 2, empty.calls())
}

func TestOversizedBodyEndsTierWithoutBlame(t *testing.T) {
	t.Parallel()

	tooLarge := fmt.Errorf("%w: over 10 bytes", ErrBodyTooLarge)
	doer := &fakeDoer{replies: []doerReply{{err: tooLarge}}}
	proxies := &fakeProxies{addr: "http://10.0.0.1:8080"}
	out := NewEvasiveStrategy(doer, proxies, nil, noWait(5), nil).Attempt(context.Background(), Request{URL: "https://shop.test/"})
	require.Equal(t, OutcomeHardFailure, out.Kind)
	require.ErrorIs(t, out.Err, ErrBodyTooLarge)
	require.Equal(t, 1, doer.calls())
	require.Empty(t, proxies.failed)
}

// expiringDoer ends the tier's context mid-request, like a budget running out.
type expiringDoer struct {
	cancel context.CancelFunc
	calls  int
}

func (d *expiringDoer) Do(ctx context.Context, _ RawRequest) (RawResponse, error) {
	d.calls++
	d.cancel()
	<-ctx.Done()
	return RawResponse{}, ctx.Err()
}

func TestExpiredTierDoesNotBlameProxy(t *testing.T) {
	t.Parallel()

	for _, build := range []func(Doer, ProxySource) Strategy{
		func(d Doer, p ProxySource) Strategy { return NewEvasiveStrategy(d, p, nil, noWait(5), nil) },
		func(d Doer, p ProxySource) Strategy { return NewPlainStrategy(d, p, nil, noWait(3), nil) },
	} {
		ctx, cancel := context.WithCancel(context.Background())
		doer := &expiringDoer{cancel: cancel}
		proxies := &fakeProxies{addr: "http://10.0.0.1:8080"}
		s := build(doer, proxies)

		out := s.Attempt(ctx, Request{URL: "https://shop.test/"})
		require.Equal(t, OutcomeSoftFailure, out.Kind, s.Name())
		require.ErrorIs(t, out.Err, context.Canceled)
		require.Equal(t, 1, doer.calls)
		require.Empty(t, proxies.failed, s.Name())
	}
}

func TestBypassStrategy(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		ch := &fakeChallenges{bypass: []byte("<html>solved</html>")}
		out := NewBypassStrategy(ch, &fakeProxies{addr: "http://p:1"}, nil).Attempt(context.Background(), Request{URL: "https://shop.test/"})
		require.Equal(t, OutcomeSuccess, out.Kind)
		require.Equal(t, "<html>solved</html>", string(out.Body))
		require.Equal(t, "http://p:1", ch.bypassProxy)
	})
	t.Run("no body", func(t *testing.T) {
		t.Parallel()
		out := NewBypassStrategy(&fakeChallenges{}, nil, nil).Attempt(context.Background(), Request{URL: "https://shop.test/"})
		require.Equal(t, OutcomeSoftFailure, out.Kind)
		require.ErrorIs(t, out.Err, ErrSolverUnavailable)
	})
	t.Run("unconfigured", func(t *testing.T) {
		t.Parallel()
		out := NewBypassStrategy(nil, nil, nil).Attempt(context.Background(), Request{URL: "https://shop.test/"})
		require.Equal(t, OutcomeSkipped, out.Kind)
	})
}

func TestBrowserSkippedWithoutHeavy(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{session: &fakeSession{pages: []string{"x"}}}
	out := NewBrowserStrategy(b, nil, nil, nil, instantHumanizer(), nil).Attempt(context.Background(), Request{URL: "https://shop.test/"})
	require.Equal(t, OutcomeSkipped, out.Kind)
	require.Empty(t, b.opened)
}

func TestBrowserRendersAndClosesSession(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{pages: []string{"<html>rendered</html>"}}
	b := &fakeBrowser{session: sess}
	s := NewBrowserStrategy(b, &fakeProxies{addr: "http://p:1"}, &fakeChallenges{}, nil, instantHumanizer(), nil)

	out := s.Attempt(context.Background(), Request{URL: "https://shop.test/", Options: Options{Heavy: true}})
	require.Equal(t, OutcomeSuccess, out.Kind)
	require.Equal(t, "<html>rendered</html>", string(out.Body))
	require.Equal(t, []string{"https://shop.test/"}, sess.navigated)
	require.GreaterOrEqual(t, sess.scrolls, 1)
	require.GreaterOrEqual(t, sess.moves, 2)
	require.Equal(t, 1, sess.closed)

	opts := b.opened[0]
	require.Equal(t, "http://p:1", opts.Proxy)
	require.NotEmpty(t, opts.UserAgent)
	require.GreaterOrEqual(t, opts.Viewport.Width, 1366)
	require.LessOrEqual(t, opts.Viewport.Height, 1080)
}

func TestBrowserSolvesChallengeInPage(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{
		pages:    []string{"<div class=g-recaptcha data-sitekey=k>", "<html>after</html>"},
		location: "https://shop.test/challenge",
	}
	ch := &fakeChallenges{
		detect:     true,
		descriptor: &challenge.Descriptor{Kind: challenge.KindRecaptchaV2, SiteKey: "k"},
		token:      "tok-123",
	}
	s := NewBrowserStrategy(&fakeBrowser{session: sess}, nil, ch, nil, instantHumanizer(), nil)

	out := s.Attempt(context.Background(), Request{URL: "https://shop.test/", Options: Options{Heavy: true}})
	require.Equal(t, OutcomeSuccess, out.Kind)
	require.Equal(t, "<html>after</html>", string(out.Body))
	require.Equal(t, []string{"tok-123"}, sess.submitted)
	require.Equal(t, 1, sess.closed)
}

func TestBrowserReturnsPageWhenChallengeUnresolved(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{pages: []string{"<challenge page>"}}
	ch := &fakeChallenges{detect: true, descriptor: &challenge.Descriptor{Kind: challenge.KindHCaptcha}}
	s := NewBrowserStrategy(&fakeBrowser{session: sess}, nil, ch, nil, instantHumanizer(), nil)

	out := s.Attempt(context.Background(), Request{URL: "https://shop.test/", Options: Options{Heavy: true}})
	require.Equal(t, OutcomeSuccess, out.Kind)
	require.Equal(t, "<challenge page>", string(out.Body))
	require.Equal(t, 1, ch.resolved)
	require.Empty(t, sess.submitted)
}

func TestBrowserClosesSessionOnFailure(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{navigateErr: errors.New("net::ERR_TIMED_OUT")}
	s := NewBrowserStrategy(&fakeBrowser{session: sess}, nil, nil, nil, instantHumanizer(), nil)

	out := s.Attempt(context.Background(), Request{URL: "https://shop.test/", Options: Options{Heavy: true}})
	require.Equal(t, OutcomeSoftFailure, out.Kind)
	require.ErrorContains(t, out.Err, "navigate")
	require.Equal(t, 1, sess.closed)
}

func TestBrowserOpenFailureBlamesProxy(t *testing.T) {
	t.Parallel()

	proxies := &fakeProxies{addr: "http://p:1"}
	b := &fakeBrowser{err: errors.New("chrome failed to start")}
	out := NewBrowserStrategy(b, proxies, nil, nil, instantHumanizer(), nil).
		Attempt(context.Background(), Request{URL: "https://shop.test/", Options: Options{Heavy: true}})
	require.Equal(t, OutcomeSoftFailure, out.Kind)
	require.Equal(t, []string{"http://p:1"}, proxies.failed)
}
