//go:build linux && amd64

package bitflip

import "github.com/knapsack-labs/rowhammer/bitflip/hammerprog"

// hammerMachineCode builds the hand-emitted hammer loop for virtAggs
// and executes it from an anonymous executable mapping.
func hammerMachineCode(virtAggs []uintptr, hammerCount uint64, nopCount int) error {
	code := hammerprog.Build(virtAggs, hammerCount, nopCount)
	return hammerprog.Run(code)
}
