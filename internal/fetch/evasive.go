package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Avinier/moff-tarkin/internal/metrics"
)

// EvasiveStrategy fetches through a fingerprint-evading client with rotating proxies and identities.
type EvasiveStrategy struct {
	client     Doer
	proxies    ProxySource
	identities *Identities
	retry      RetryPolicy
	logger     *zap.Logger
}

// NewEvasiveStrategy wires the evasive tier. proxies may be nil for direct connections.
func NewEvasiveStrategy(client Doer, proxies ProxySource, ids *Identities, retry RetryPolicy, logger *zap.Logger) *EvasiveStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ids == nil {
		ids = NewIdentities(nil)
	}
	if retry == nil {
		retry = NewExponentialRetryPolicy(5, 0, 0)
	}
	return &EvasiveStrategy{
		client:     client,
		proxies:    proxies,
		identities: ids,
		retry:      retry,
		logger:     logger.Named("evasive"),
	}
}

// Budget covers every attempt timing out plus backoff between them.
func (s *EvasiveStrategy) Budget(timeout time.Duration) time.Duration {
	return retryBudget(s.retry, timeout)
}

// Name implements Strategy.
func (s *EvasiveStrategy) Name() StrategyName { return StrategyEvasive }

// Attempt implements Strategy. A 403 ends the tier immediately without spending backoff.
func (s *EvasiveStrategy) Attempt(ctx context.Context, req Request) Outcome {
	var lastErr error
	lastStatus := 0
	maxAttempts := s.retry.MaxAttempts()
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return Outcome{Kind: OutcomeSoftFailure, Err: ctx.Err(), Tries: attempt, StatusCode: lastStatus}
		}
		proxy := acquireProxy(ctx, s.proxies)
		header, order := s.identities.EvasiveHeaders(req.URL)
		mergeHeader(header, req.Header)

		resp, err := s.client.Do(ctx, RawRequest{
			Method:      req.Method,
			URL:         req.URL,
			Header:      header,
			HeaderOrder: order,
			Body:        req.Body,
			Proxy:       proxy,
			Timeout:     req.Options.Timeout,
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
			s.logger.Debug("transport error",
				zap.String("url", req.URL),
				zap.String("proxy", proxy),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		case resp.StatusCode == http.StatusForbidden:
			return Outcome{
				Kind:       OutcomeHardFailure,
				StatusCode: resp.StatusCode,
				Err:        ErrChallengePresent,
				Tries:      attempt + 1,
			}
		case isSuccess(resp.StatusCode) && len(resp.Body) == 0:
			lastStatus = resp.StatusCode
			lastErr = fmt.Errorf("%w: status %d", ErrEmptyBody, resp.StatusCode)
		case isSuccess(resp.StatusCode):
			return Outcome{Kind: OutcomeSuccess, Body: resp.Body, StatusCode: resp.StatusCode, Tries: attempt + 1}
		default:
			lastStatus = resp.StatusCode
			lastErr = fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
			s.logger.Debug("unexpected status",
				zap.String("url", req.URL),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
		}
		if attempt+1 < maxAttempts {
			if err := sleep(ctx, s.retry.Backoff(attempt)); err != nil {
				return Outcome{Kind: OutcomeSoftFailure, Err: err, Tries: attempt + 1, StatusCode: lastStatus}
			}
		}
	}
	return Outcome{Kind: OutcomeSoftFailure, Err: lastErr, Tries: maxAttempts, StatusCode: lastStatus}
}

func acquireProxy(ctx context.Context, src ProxySource) string {
	if src == nil {
		return ""
	}
	proxy, ok := src.Get(ctx)
	if !ok {
		return ""
	}
	return proxy
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
