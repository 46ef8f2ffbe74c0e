// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/Avinier/moff-tarkin/internal/fetch"
	"github.com/Avinier/moff-tarkin/internal/proxypool"
)

// Clock reports UTC wall time. Cache expiry and proxy recheck cooldowns read it.
type Clock struct{}

var (
	_ fetch.Clock     = Clock{}
	_ proxypool.Clock = Clock{}
)

// New returns a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
