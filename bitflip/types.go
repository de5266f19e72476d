package bitflip

import (
	"time"

	"github.com/knapsack-labs/rowhammer/persistence"
	"github.com/knapsack-labs/rowhammer/tempctrl"
)

// RowSizeBytes is the number of bytes covered by a single DRAM row's
// worth of victim/aggressor initialization, matching the tool's
// 8 KiB row buffer size.
const RowSizeBytes = 8 * 1024

// PageSizeBytes is the size of one physical page.
const PageSizeBytes = 4096

// Algorithm names one of the five hammering strategies.
type Algorithm string

const (
	AlgorithmDefault     Algorithm = "default"
	AlgorithmTRRespass   Algorithm = "trrespass"
	AlgorithmAssembly    Algorithm = "assembly"
	AlgorithmMachineCode Algorithm = "machinecode"
	AlgorithmBlacksmith  Algorithm = "blacksmith"
)

// Fencing controls when blacksmith fences between accesses. The
// original source ships this hard-coded with the alternative left
// commented out, so it is exposed here as an explicit choice.
type Fencing string

const (
	FencingEarliestPossible Fencing = "earliest_possible"
	FencingLatestPossible   Fencing = "latest_possible"
)

// Flushing controls whether blacksmith flushes an aggressor before or
// after accessing it.
type Flushing string

const (
	FlushEarliestPossible Flushing = "earliest_possible"
	FlushLatestPossible   Flushing = "latest_possible"
)

// BlacksmithConfig configures algorithm 5.
type BlacksmithConfig struct {
	// HammerOrder lists 1-based indices into the pattern's aggressor
	// addresses, in the order they should be accessed.
	HammerOrder []int

	// NumAggsForSync is the number of leading aggressors used for
	// the head/tail refresh-sync phases.
	NumAggsForSync int

	// TotalNumActivations bounds the main hammering loop.
	TotalNumActivations uint64

	Flushing Flushing
	Fencing  Fencing
}

// Config holds the parameters BitFlipper needs beyond the addresses
// it is handed at construction time. It carries no parsing logic;
// building one from a configuration file is the caller's job.
type Config struct {
	Algorithm    Algorithm
	HammerCount  uint64
	NopCount     int
	Threshold    uint64
	Blacksmith   BlacksmithConfig
	TargetTemps  []int
	TempInterval int

	// Store, when set, receives one InsertTest call per init pair and
	// one InsertBitflip call per observed flip, all inside a single
	// transaction bracketing the whole Hammer call.
	Store persistence.Store

	// TempController, when set alongside TargetTemps, is polled once
	// per init pair; a reading outside target +/- TempInterval is
	// fatal, matching the original's "preserve experiment validity"
	// policy for a drifting chamber.
	TempController tempctrl.Controller
}

// HammerAddrs is a pair of parallel ordered sequences of physical
// addresses produced by a flip finder: victims and aggs. Every
// address in a single HammerAddrs must belong to the same bank, and
// row order must respect the compiled hammer pattern's slot order.
type HammerAddrs struct {
	Aggs    []uint64
	Victims []uint64
}

// Flip records a single observed bit flip.
type Flip struct {
	// VictimPhysAddr is the physical address of the byte containing
	// the flipped bit.
	VictimPhysAddr uint64
	// BitInByte is which of the 8 bits in that byte flipped.
	BitInByte uint8
	// FlippedTo is the bit's new value: 1 for a 0->1 flip, 0 for a
	// 1->0 flip.
	FlippedTo uint8
}

// HammerResult summarizes one hammer() call.
type HammerResult struct {
	Flipped bool
	Flips   []Flip
	Elapsed time.Duration

	// ActivationsHead and ActivationsTail are populated only by the
	// blacksmith algorithm, counting activations observed during its
	// head and tail refresh-sync phases.
	ActivationsHead uint64
	ActivationsTail uint64
}

// InitPair is one (victim_init, aggressor_init) 64-bit fill pattern
// pair applied before a hammer pass. Building the list-level default
// for an entirely-unset aggressor_init (the bitwise complement of each
// victim_init) is the caller's job - see cmd/rowhammer's initPairs.
type InitPair struct {
	VictimInit    uint64
	AggressorInit uint64
}
