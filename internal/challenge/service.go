package challenge

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Avinier/moff-tarkin/internal/metrics"
)

// DefaultPreference lists solver names per kind, most preferred first.
var DefaultPreference = map[Kind][]string{
	KindRecaptchaV2: {"2captcha", "anticaptcha"},
	KindRecaptchaV3: {"2captcha", "anticaptcha"},
	KindHCaptcha:    {"anticaptcha", "2captcha"},
	KindTurnstile:   {"2captcha", "anticaptcha"},
	KindImage:       {"2captcha", "anticaptcha", "llm"},
}

// ServiceConfig tunes the Service.
type ServiceConfig struct {
	// SolveTimeout bounds each solver call. Zero means 120s.
	SolveTimeout time.Duration
	// Preference overrides DefaultPreference for the kinds it names.
	Preference map[Kind][]string
}

// Service detects challenges and resolves them through the configured solvers and bypassers.
type Service struct {
	solvers    []Solver
	bypassers  []Bypasser
	preference map[Kind][]string
	timeout    time.Duration
	logger     *zap.Logger
}

// NewService builds a Service. Both solver and bypasser lists may be empty.
func NewService(cfg ServiceConfig, solvers []Solver, bypassers []Bypasser, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SolveTimeout <= 0 {
		cfg.SolveTimeout = 120 * time.Second
	}
	pref := make(map[Kind][]string, len(DefaultPreference))
	for k, v := range DefaultPreference {
		pref[k] = v
	}
	for k, v := range cfg.Preference {
		pref[k] = v
	}
	return &Service{
		solvers:    append([]Solver(nil), solvers...),
		bypassers:  append([]Bypasser(nil), bypassers...),
		preference: pref,
		timeout:    cfg.SolveTimeout,
		logger:     logger.Named("challenge"),
	}
}

// Detect reports whether page looks like a challenge.
func (s *Service) Detect(page []byte) bool {
	return Detect(page)
}

// Describe extracts the challenge descriptor from page.
func (s *Service) Describe(page []byte, pageURL string) (Descriptor, bool) {
	return Describe(page, pageURL)
}

// Resolve tries each capable solver in preference order and returns the first token.
func (s *Service) Resolve(ctx context.Context, d Descriptor) (string, bool) {
	for _, solver := range s.ordered(d.Kind) {
		if ctx.Err() != nil {
			return "", false
		}
		token, err := s.solve(ctx, solver, d)
		if err == nil {
			metrics.ObserveChallenge(string(d.Kind), solver.Name(), "solved")
			s.logger.Info("challenge solved", zap.String("kind", string(d.Kind)), zap.String("solver", solver.Name()))
			return token, true
		}
		metrics.ObserveChallenge(string(d.Kind), solver.Name(), "failed")
		s.logger.Warn("solver failed",
			zap.String("kind", string(d.Kind)),
			zap.String("solver", solver.Name()),
			zap.String("page_url", d.PageURL),
			zap.Error(err),
		)
	}
	return "", false
}

// Bypass asks each bypasser in turn to fetch url and returns the first body.
func (s *Service) Bypass(ctx context.Context, url, proxy string) ([]byte, bool) {
	for _, b := range s.bypassers {
		if ctx.Err() != nil {
			return nil, false
		}
		body, err := b.Bypass(ctx, url, proxy)
		if err == nil && len(body) > 0 {
			return body, true
		}
		if err == nil {
			err = errors.New("empty body")
		}
		s.logger.Debug("bypass failed", zap.String("bypasser", b.Name()), zap.String("url", url), zap.Error(err))
	}
	return nil, false
}

func (s *Service) solve(ctx context.Context, solver Solver, d Descriptor) (string, error) {
	solveCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	token, err := solver.Solve(solveCtx, d)
	if err != nil {
		return "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

// ordered returns the solvers supporting kind: preferred names first, then the rest in registration order.
func (s *Service) ordered(kind Kind) []Solver {
	out := make([]Solver, 0, len(s.solvers))
	used := make([]bool, len(s.solvers))
	for _, name := range s.preference[kind] {
		for i, solver := range s.solvers {
			if !used[i] && solver.Name() == name && solver.Supports(kind) {
				out = append(out, solver)
				used[i] = true
			}
		}
	}
	for i, solver := range s.solvers {
		if !used[i] && solver.Supports(kind) {
			out = append(out, solver)
			used[i] = true
		}
	}
	return out
}
