// Package bitflip drives the actual rowhammer process: given the
// physical addresses of a set of aggressor and victim rows, it
// resolves them to virtual addresses, initializes every row with a
// known pattern, executes one of several hammering algorithms to
// force repeated DRAM row activations, and diffs the victim rows
// against their initialization pattern to report any bit flips.
package bitflip
