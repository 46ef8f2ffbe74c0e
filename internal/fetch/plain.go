package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Avinier/moff-tarkin/internal/metrics"
)

// PlainStrategy is the last-resort tier: a conventional HTTP client with a realistic header set.
type PlainStrategy struct {
	client     Doer
	proxies    ProxySource
	identities *Identities
	retry      RetryPolicy
	logger     *zap.Logger
}

// NewPlainStrategy wires the fallback tier.
func NewPlainStrategy(client Doer, proxies ProxySource, ids *Identities, retry RetryPolicy, logger *zap.Logger) *PlainStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ids == nil {
		ids = NewIdentities(nil)
	}
	if retry == nil {
		retry = NewExponentialRetryPolicy(3, 0, 0)
	}
	return &PlainStrategy{
		client:     client,
		proxies:    proxies,
		identities: ids,
		retry:      retry,
		logger:     logger.Named("plain"),
	}
}

// Budget covers every attempt timing out plus backoff between them.
func (s *PlainStrategy) Budget(timeout time.Duration) time.Duration {
	return retryBudget(s.retry, timeout)
}

// Name implements Strategy.
func (s *PlainStrategy) Name() StrategyName { return StrategyPlain }

// Attempt implements Strategy. Every non-2xx status is retried.
func (s *PlainStrategy) Attempt(ctx context.Context, req Request) Outcome {
	var lastErr error
	lastStatus := 0
	maxAttempts := s.retry.MaxAttempts()
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return Outcome{Kind: OutcomeSoftFailure, Err: ctx.Err(), Tries: attempt, StatusCode: lastStatus}
		}
		header := s.identities.PlainHeaders()
		mergeHeader(header, req.Header)
		proxy := acquireProxy(ctx, s.proxies)

		resp, err := s.client.Do(ctx, RawRequest{
			Method:  req.Method,
			URL:     req.URL,
			Header:  header,
			Body:    req.Body,
			Proxy:   proxy,
			Timeout: req.Options.Timeout,
		})
		switch {
		case errors.Is(err, ErrBodyTooLarge):
			return Outcome{Kind: OutcomeHardFailure, Err: err, Tries: attempt + 1}
		case err != nil && ctx.Err() != nil:
			// The tier ran out of time; the proxy is not to blame.
			return Outcome{Kind: OutcomeSoftFailure, Err: err, Tries: attempt + 1, StatusCode: lastStatus}
		case err != nil:
			lastErr = err
			if proxy != "" && s.proxies != nil {
				s.proxies.MarkFailed(proxy)
				metrics.ObserveProxyFailure()
			}
		case isSuccess(resp.StatusCode) && len(resp.Body) == 0:
			lastStatus = resp.StatusCode
			lastErr = fmt.Errorf("%w: status %d", ErrEmptyBody, resp.StatusCode)
		case isSuccess(resp.StatusCode):
			return Outcome{Kind: OutcomeSuccess, Body: resp.Body, StatusCode: resp.StatusCode, Tries: attempt + 1}
		default:
			lastStatus = resp.StatusCode
			lastErr = fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
		}
		s.logger.Debug("plain attempt failed",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
		if attempt+1 < maxAttempts {
			if err := sleep(ctx, s.retry.Backoff(attempt)); err != nil {
				return Outcome{Kind: OutcomeSoftFailure, Err: err, Tries: attempt + 1, StatusCode: lastStatus}
			}
		}
	}
	return Outcome{Kind: OutcomeSoftFailure, Err: lastErr, Tries: maxAttempts, StatusCode: lastStatus}
}
