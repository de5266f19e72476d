// Package finder walks a page inventory looking for bit flips, in one
// of two strategies: Contiguous slides a compiled hammer pattern
// across a run of physically contiguous pages; Sparse walks any owned
// set of pages, skipping row windows with a gap in their padded
// neighbourhood. Both hand a HammerAddrs off to a caller-supplied
// hammer function per window and report a WindowResult for every
// window attempted, whether or not it produced a flip.
package finder

import (
	"errors"

	"github.com/knapsack-labs/rowhammer/bitflip"
)

// ErrConfigInvalid is returned when a finder is misconfigured.
var ErrConfigInvalid = errors.New("finder: invalid configuration")

// ErrInsufficientOwnership is returned when the page inventory does
// not contain enough contiguous or per-bank pages to run the
// requested strategy.
var ErrInsufficientOwnership = errors.New("finder: insufficient owned pages")

// IterStrategy selects how a finder steps its window across rows.
type IterStrategy string

const (
	// IterDefault steps by one row, so most rows get hammered more
	// than once (closer to TRRespass-style coverage).
	IterDefault IterStrategy = "default"

	// IterFast steps so each pair of windows overlaps by exactly one
	// row, covering every row once with at most a doubled attempt.
	IterFast IterStrategy = "fast"

	// IterDebug is IterFast restricted to the first bank only.
	IterDebug IterStrategy = "debug"
)

// HammerFunc builds and runs one hammer pass over addrs. Callers
// typically construct a *bitflip.BitFlipper per call, since a
// finder produces different addresses for every window.
type HammerFunc func(addrs bitflip.HammerAddrs) (bitflip.HammerResult, error)

// WindowResult reports the outcome of one attempted window,
// regardless of whether it produced a flip.
type WindowResult struct {
	Bank       uint64
	FirstRow   uint64
	LastRow    uint64
	Skipped    bool
	SkipReason string
	Result     bitflip.HammerResult
	Err        error
}

// OnWindow is called once per window a finder attempts.
type OnWindow func(WindowResult)

// Canceller reports cooperative cancellation, checked at the top of
// every window. *atomic.Bool satisfies this trivially with a method
// value: cancel.Load.
type Canceller func() bool
