// Package challenge detects anti-bot challenges and resolves them through external solvers.
package challenge

import (
	"context"
	"errors"
)

// Kind names a challenge family.
type Kind string

// Supported challenge kinds.
const (
	KindRecaptchaV2 Kind = "recaptcha-v2"
	KindRecaptchaV3 Kind = "recaptcha-v3"
	KindHCaptcha    Kind = "hcaptcha"
	KindTurnstile   Kind = "turnstile"
	KindImage       Kind = "image"
)

// Descriptor carries everything a solver needs to produce a token.
type Descriptor struct {
	Kind     Kind
	SiteKey  string
	PageURL  string
	Action   string
	MinScore float64
	// Image holds raw image bytes for image challenges; ImageURL is used when the bytes are not inline.
	Image    []byte
	ImageURL string
}

// Solver produces a token for a challenge.
type Solver interface {
	Name() string
	Supports(kind Kind) bool
	Solve(ctx context.Context, d Descriptor) (string, error)
}

// Bypasser retrieves a page on the caller's behalf, clearing any interstitial challenge.
type Bypasser interface {
	Name() string
	Bypass(ctx context.Context, url, proxy string) ([]byte, error)
}

var (
	// ErrUnsupportedKind is returned by solvers asked to handle a kind they do not cover.
	ErrUnsupportedKind = errors.New("unsupported challenge kind")
	// ErrNotReady means the remote solver has not finished yet.
	ErrNotReady = errors.New("solution not ready")
	// ErrEmptyToken means a solver reported success without a token.
	ErrEmptyToken = errors.New("solver returned empty token")
)

// Default v3 parameters.
const (
	DefaultV3Action   = "submit"
	DefaultV3MinScore = 0.7
)
