package fetch

import (
	"context"
	"math/rand/v2"
	"time"
)

// Pacing bounds the randomized human-like behavior of a browser session.
type Pacing struct {
	SettleMin, SettleMax   time.Duration
	ScrollsMin, ScrollsMax int
	ScrollMin, ScrollMax   int
	ScrollPauseMin         time.Duration
	ScrollPauseMax         time.Duration
	MovesMin, MovesMax     int
	MovePauseMin           time.Duration
	MovePauseMax           time.Duration
	PostSolveMin           time.Duration
	PostSolveMax           time.Duration
}

// DefaultPacing mirrors a casual reader: a few seconds of settling, some scrolling and pointer drift.
func DefaultPacing() Pacing {
	return Pacing{
		SettleMin:      2 * time.Second,
		SettleMax:      5 * time.Second,
		ScrollsMin:     1,
		ScrollsMax:     3,
		ScrollMin:      100,
		ScrollMax:      500,
		ScrollPauseMin: 500 * time.Millisecond,
		ScrollPauseMax: 1500 * time.Millisecond,
		MovesMin:       2,
		MovesMax:       5,
		MovePauseMin:   100 * time.Millisecond,
		MovePauseMax:   500 * time.Millisecond,
		PostSolveMin:   2 * time.Second,
		PostSolveMax:   4 * time.Second,
	}
}

// Humanizer drives a Session with randomized delays, scrolls and pointer movement.
type Humanizer struct {
	pacing Pacing
	sleep  func(context.Context, time.Duration) error
}

// NewHumanizer builds a Humanizer. A nil sleep uses a context-aware timer.
func NewHumanizer(p Pacing, sleepFn func(context.Context, time.Duration) error) *Humanizer {
	if sleepFn == nil {
		sleepFn = sleep
	}
	return &Humanizer{pacing: p, sleep: sleepFn}
}

// Browse performs the settle, scroll and pointer routine on an open page.
func (h *Humanizer) Browse(ctx context.Context, s Session, vp Viewport) error {
	if err := h.sleep(ctx, between(h.pacing.SettleMin, h.pacing.SettleMax)); err != nil {
		return err
	}
	for n := intBetween(h.pacing.ScrollsMin, h.pacing.ScrollsMax); n > 0; n-- {
		if err := s.Scroll(ctx, intBetween(h.pacing.ScrollMin, h.pacing.ScrollMax)); err != nil {
			return err
		}
		if err := h.sleep(ctx, between(h.pacing.ScrollPauseMin, h.pacing.ScrollPauseMax)); err != nil {
			return err
		}
	}
	w, ht := max(vp.Width, 1), max(vp.Height, 1)
	for n := intBetween(h.pacing.MovesMin, h.pacing.MovesMax); n > 0; n-- {
		x := float64(rand.IntN(w))
		y := float64(rand.IntN(ht))
		if err := s.MovePointer(ctx, x, y); err != nil {
			return err
		}
		if err := h.sleep(ctx, between(h.pacing.MovePauseMin, h.pacing.MovePauseMax)); err != nil {
			return err
		}
	}
	return nil
}

// AfterSolve waits for the page to react to a submitted token.
func (h *Humanizer) AfterSolve(ctx context.Context) error {
	return h.sleep(ctx, between(h.pacing.PostSolveMin, h.pacing.PostSolveMax))
}

func between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

func intBetween(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rand.IntN(hi-lo+1)
}
