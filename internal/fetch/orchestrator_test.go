package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func tiers(log *callLog, outcomes map[StrategyName]Outcome) ([]Strategy, map[StrategyName]*scriptedStrategy) {
	byName := map[StrategyName]*scriptedStrategy{}
	var out []Strategy
	for _, name := range []StrategyName{StrategyEvasive, StrategyBypass, StrategyBrowser, StrategyPlain} {
		s := &scriptedStrategy{name: name, outcomes: []Outcome{outcomes[name]}}
		byName[name] = s
		out = append(out, loggingStrategy{scriptedStrategy: s, log: log})
	}
	return out, byName
}

func TestFetchCascadesInOrder(t *testing.T) {
	t.Parallel()

	log := &callLog{}
	strategies, _ := tiers(log, map[StrategyName]Outcome{
		StrategyEvasive: {Kind: OutcomeHardFailure, StatusCode: 403, Err: ErrChallengePresent, Tries: 1},
		StrategyBypass:  {Kind: OutcomeSoftFailure, Err: ErrSolverUnavailable, Tries: 1},
		StrategyBrowser: {Kind: OutcomeSkipped},
		StrategyPlain:   {Kind: OutcomeSuccess, Body: []byte("<html>ok</html>"), StatusCode: 200, Tries: 2},
	})
	o := New(Config{}, nil, strategies, nil, nil)

	res, err := o.Fetch(context.Background(), Request{URL: "https://shop.test/item"})
	require.NoError(t, err)
	require.Equal(t, StrategyPlain, res.Strategy)
	require.Equal(t, "<html>ok</html>", string(res.Body))
	require.False(t, res.FromCache)
	require.Equal(t, []StrategyName{StrategyEvasive, StrategyBypass, StrategyBrowser, StrategyPlain}, log.order)

	require.Len(t, res.Attempts, 3, "skipped tiers are not recorded")
	require.Equal(t, StrategyEvasive, res.Attempts[0].Strategy)
	require.Equal(t, 403, res.Attempts[0].StatusCode)
	require.ErrorIs(t, res.Attempts[0].Err, ErrChallengePresent)
	require.Equal(t, 2, res.Attempts[2].Tries)
}

func TestFetchStopsAtFirstSuccess(t *testing.T) {
	t.Parallel()

	log := &callLog{}
	strategies, byName := tiers(log, map[StrategyName]Outcome{
		StrategyEvasive: {Kind: OutcomeSuccess, Body: []byte("fast"), StatusCode: 200, Tries: 1},
	})
	o := New(Config{}, nil, strategies, nil, nil)

	res, err := o.Fetch(context.Background(), Request{URL: "https://shop.test/"})
	require.NoError(t, err)
	require.Equal(t, StrategyEvasive, res.Strategy)
	require.Zero(t, byName[StrategyBypass].count())
	require.Zero(t, byName[StrategyPlain].count())
}

func TestFetchServesFreshCacheWithoutStrategies(t *testing.T) {
	t.Parallel()

	cache := newMemCache()
	cache.entries[CacheKey{URL: "https://shop.test/a", Method: "GET"}] = []byte("cached")
	log := &callLog{}
	strategies, _ := tiers(log, nil)
	o := New(Config{}, cache, strategies, nil, nil)

	res, err := o.Fetch(context.Background(), Request{URL: "  https://shop.test/a "})
	require.NoError(t, err)
	require.True(t, res.FromCache)
	require.Equal(t, "cached", string(res.Body))
	require.Empty(t, log.order)
}

func TestFetchCacheIsPerMethod(t *testing.T) {
	t.Parallel()

	cache := newMemCache()
	cache.entries[CacheKey{URL: "https://shop.test/a", Method: "GET"}] = []byte("get body")
	log := &callLog{}
	strategies, _ := tiers(log, map[StrategyName]Outcome{
		StrategyEvasive: {Kind: OutcomeSuccess, Body: []byte("post body")},
	})
	o := New(Config{}, cache, strategies, nil, nil)

	res, err := o.Fetch(context.Background(), Request{URL: "https://shop.test/a", Method: "post", Body: []byte("q=1")})
	require.NoError(t, err)
	require.False(t, res.FromCache)
	require.Equal(t, "post body", string(res.Body))
	require.Equal(t, []byte("post body"), cache.entries[CacheKey{URL: "https://shop.test/a", Method: "POST"}])
	require.Equal(t, []byte("get body"), cache.entries[CacheKey{URL: "https://shop.test/a", Method: "GET"}])
}

func TestFetchStoresWithTTL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opt  time.Duration
		want time.Duration
	}{
		{name: "default", want: 6 * time.Hour},
		{name: "override", opt: time.Minute, want: time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cache := newMemCache()
			strategies, _ := tiers(&callLog{}, map[StrategyName]Outcome{
				StrategyEvasive: {Kind: OutcomeSuccess, Body: []byte("x")},
			})
			o := New(Config{CacheTTL: 6 * time.Hour}, cache, strategies, nil, nil)
			_, err := o.Fetch(context.Background(), Request{URL: "https://shop.test/", Options: Options{CacheTTL: tt.opt}})
			require.NoError(t, err)
			require.Equal(t, tt.want, cache.ttls[CacheKey{URL: "https://shop.test/", Method: "GET"}])
		})
	}
}

func TestFetchSkipCacheAndCacheErrors(t *testing.T) {
	t.Parallel()

	cache := newMemCache()
	key := CacheKey{URL: "https://shop.test/", Method: "GET"}
	cache.entries[key] = []byte("stale copy")
	strategies, _ := tiers(&callLog{}, map[StrategyName]Outcome{
		StrategyEvasive: {Kind: OutcomeSuccess, Body: []byte("live")},
	})
	o := New(Config{}, cache, strategies, nil, nil)

	res, err := o.Fetch(context.Background(), Request{URL: key.URL, Options: Options{SkipCache: true}})
	require.NoError(t, err)
	require.Equal(t, "live", string(res.Body))

	cache.getErr = errors.New("store offline")
	res, err = o.Fetch(context.Background(), Request{URL: key.URL})
	require.NoError(t, err, "a broken cache degrades to a miss")
	require.False(t, res.FromCache)
}

func TestFetchExhaustionTracksFailedURLs(t *testing.T) {
	t.Parallel()

	failing := &scriptedStrategy{name: StrategyEvasive, outcomes: []Outcome{{Kind: OutcomeSoftFailure, Err: errors.New("reset")}}}
	o := New(Config{}, nil, []Strategy{failing}, nil, nil)

	for _, u := range []string{"https://b.test/", "https://a.test/", "https://b.test/"} {
		res, err := o.Fetch(context.Background(), Request{URL: u})
		require.ErrorIs(t, err, ErrExhausted)
		require.Nil(t, res.Body)
		require.Len(t, res.Attempts, 1)
	}
	require.Equal(t, []string{"https://a.test/", "https://b.test/"}, o.FailedURLs())

	failing.mu.Lock()
	failing.outcomes = []Outcome{{Kind: OutcomeSuccess, Body: []byte("finally")}}
	failing.mu.Unlock()
	_, err := o.Fetch(context.Background(), Request{URL: "https://b.test/"})
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.test/"}, o.FailedURLs())
}

func TestFetchWithNoStrategiesIsExhausted(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil, nil, nil).Fetch(context.Background(), Request{URL: "https://a.test/"})
	require.ErrorIs(t, err, ErrExhausted)
}

func TestFetchRejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  Request
	}{
		{name: "empty url", req: Request{URL: "   "}},
		{name: "relative", req: Request{URL: "/just/a/path"}},
		{name: "ftp", req: Request{URL: "ftp://files.test/x"}},
		{name: "no host", req: Request{URL: "https:///x"}},
		{name: "bad method", req: Request{URL: "https://a.test/", Method: "DELETE"}},
		{name: "unparseable", req: Request{URL: "http://a b.test/%zz"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := &scriptedStrategy{name: StrategyEvasive}
			_, err := New(Config{}, nil, []Strategy{s}, nil, nil).Fetch(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
			require.Zero(t, s.count())
		})
	}
}

func TestFetchCanceledContextRunsNothing(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &scriptedStrategy{name: StrategyEvasive}
	o := New(Config{}, nil, []Strategy{s}, nil, nil)

	_, err := o.Fetch(ctx, Request{URL: "https://a.test/"})
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, s.count())
	require.Empty(t, o.FailedURLs())
}

func TestFetchCanceledMidCascadeIsNotRecordedFailed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	first := &cancelingStrategy{name: StrategyEvasive, cancel: cancel}
	second := &scriptedStrategy{name: StrategyPlain}
	o := New(Config{}, nil, []Strategy{first, second}, nil, nil)

	res, err := o.Fetch(ctx, Request{URL: "https://a.test/"})
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, res.Attempts, 1)
	require.Zero(t, second.count())
	require.Empty(t, o.FailedURLs())
}

// cancelingStrategy cancels the fetch context from inside its attempt.
type cancelingStrategy struct {
	name   StrategyName
	cancel context.CancelFunc
}

func (s *cancelingStrategy) Name() StrategyName { return s.name }

func (s *cancelingStrategy) Attempt(ctx context.Context, _ Request) Outcome {
	s.cancel()
	<-ctx.Done()
	return Outcome{Kind: OutcomeSoftFailure, Err: ctx.Err()}
}

func TestFetchLimiterSkipsBrowserTier(t *testing.T) {
	t.Parallel()

	limiter := &countingLimiter{}
	browser := &scriptedStrategy{name: StrategyBrowser, outcomes: []Outcome{{Kind: OutcomeSoftFailure}}}
	plain := &scriptedStrategy{name: StrategyPlain, outcomes: []Outcome{{Kind: OutcomeSuccess, Body: []byte("x")}}}
	o := New(Config{}, nil, []Strategy{browser, plain}, limiter, nil)

	_, err := o.Fetch(context.Background(), Request{URL: "https://a.test/", Options: Options{Heavy: true}})
	require.NoError(t, err)
	require.Equal(t, 1, limiter.calls)
}

func TestFetchLimiterErrorIsSoftFailure(t *testing.T) {
	t.Parallel()

	limiter := &countingLimiter{err: errors.New("rate limit wait: canceled")}
	s := &scriptedStrategy{name: StrategyEvasive}
	o := New(Config{}, nil, []Strategy{s}, limiter, nil)

	res, err := o.Fetch(context.Background(), Request{URL: "https://a.test/"})
	require.ErrorIs(t, err, ErrExhausted)
	require.Zero(t, s.count())
	require.Equal(t, OutcomeSoftFailure, res.Attempts[0].Kind)
}

func TestFetchAppliesDefaultAttemptTimeout(t *testing.T) {
	t.Parallel()

	s := &scriptedStrategy{name: StrategyEvasive, outcomes: []Outcome{{Kind: OutcomeSuccess, Body: []byte("x")}}}
	o := New(Config{AttemptTimeout: 7 * time.Second}, nil, []Strategy{s}, nil, nil)

	_, err := o.Fetch(context.Background(), Request{URL: "https://a.test/"})
	require.NoError(t, err)
	require.Equal(t, 7*time.Second, s.requests[0].Options.Timeout)
	require.Equal(t, "GET", s.requests[0].Method)

	_, err = o.Fetch(context.Background(), Request{URL: "https://b.test/", Options: Options{Timeout: time.Second}})
	require.NoError(t, err)
	require.Equal(t, time.Second, s.requests[1].Options.Timeout)
}

func TestTierBudget(t *testing.T) {
	t.Parallel()

	require.Equal(t, 40*time.Second, tierBudget(StrategyEvasive, 10*time.Second))
	require.Equal(t, 40*time.Second, tierBudget(StrategyPlain, 10*time.Second))
	require.Equal(t, 30*time.Second, tierBudget(StrategyBrowser, 10*time.Second))
	require.Equal(t, 20*time.Second, tierBudget(StrategyBypass, 10*time.Second))
}

func TestRetryingTiersBudgetForEveryAttempt(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(5, time.Second, 4*time.Second)
	// 5 timeouts plus backoff caps 1s, 2s, 4s, 4s.
	want := 50*time.Second + 11*time.Second
	require.Equal(t, want, retryBudget(policy, 10*time.Second))
	require.Equal(t, want, NewEvasiveStrategy(nil, nil, nil, policy, nil).Budget(10*time.Second))
	require.Equal(t, want, NewPlainStrategy(nil, nil, nil, policy, nil).Budget(10*time.Second))
	require.Greater(t, want, tierBudget(StrategyEvasive, 10*time.Second))
}
