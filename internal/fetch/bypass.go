package fetch

import (
	"context"

	"go.uber.org/zap"
)

// BypassStrategy hands the URL to an external challenge-bypass service.
type BypassStrategy struct {
	challenges Challenges
	proxies    ProxySource
	logger     *zap.Logger
}

// NewBypassStrategy wires the bypass tier.
func NewBypassStrategy(challenges Challenges, proxies ProxySource, logger *zap.Logger) *BypassStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BypassStrategy{challenges: challenges, proxies: proxies, logger: logger.Named("bypass")}
}

// Name implements Strategy.
func (s *BypassStrategy) Name() StrategyName { return StrategyBypass }

// Attempt implements Strategy.
func (s *BypassStrategy) Attempt(ctx context.Context, req Request) Outcome {
	if s.challenges == nil {
		return Outcome{Kind: OutcomeSkipped}
	}
	proxy := acquireProxy(ctx, s.proxies)
	body, ok := s.challenges.Bypass(ctx, req.URL, proxy)
	if !ok || len(body) == 0 {
		s.logger.Debug("bypass produced no body", zap.String("url", req.URL), zap.String("proxy", proxy))
		return Outcome{Kind: OutcomeSoftFailure, Err: ErrSolverUnavailable, Tries: 1}
	}
	return Outcome{Kind: OutcomeSuccess, Body: body, Tries: 1}
}
