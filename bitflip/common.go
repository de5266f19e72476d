package bitflip

import (
	"errors"
	"log"
)

var (
	// DefaultExitFn is invoked by functions and methods ending in
	// the "OrExit" suffix when an error occurs.
	DefaultExitFn = func(err error) {
		log.Fatalln(err)
	}
)

// ErrConfigInvalid is returned when a BitFlipper is misconfigured -
// an unknown algorithm name or a mismatched init-pattern list length.
// A HammerAddrs that cannot be resolved to virtual addresses is
// reported with ErrPagesMissing instead.
var ErrConfigInvalid = errors.New("bitflip: invalid configuration")

// ErrTemperatureOutOfRange is returned when the temperature reported
// during a hammer call drifts outside the configured target window.
// The original tool treats this as fatal, since a temperature
// excursion invalidates the surrounding experiment's data.
var ErrTemperatureOutOfRange = errors.New("bitflip: temperature outside configured range")

// ErrPagesMissing is returned when a HammerAddrs address can't be
// resolved against the page inventory - the physical page it names
// was never made resident, or was evicted after allocation. A finder
// treats this as a reason to skip the current window, not to abort.
var ErrPagesMissing = errors.New("bitflip: required pages missing from inventory")
