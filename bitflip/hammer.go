package bitflip

import (
	"fmt"
	"log"
	"time"
	"unsafe"
)

// PageResolver resolves a physical address to the virtual address it
// is currently mapped at. *pageinventory.Inventory satisfies this.
type PageResolver interface {
	FindPhysAddr(physAddr uint64) (uintptr, bool)
}

// BitFlipper hammers one HammerAddrs and reports observed bit flips.
type BitFlipper struct {
	addrs HammerAddrs
	cfg   Config

	virtAggs    []uintptr
	virtVictims []uintptr

	hammerFn func(*BitFlipper) (elapsed time.Duration, headActivations, tailActivations uint64)
}

// NewOrExit calls New and invokes DefaultExitFn on error.
func NewOrExit(addrs HammerAddrs, resolver PageResolver, cfg Config) *BitFlipper {
	bf, err := New(addrs, resolver, cfg)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to construct bit flipper - %w", err))
	}
	return bf
}

// New resolves addrs to virtual addresses via resolver and selects a
// hammering algorithm per cfg.Algorithm.
func New(addrs HammerAddrs, resolver PageResolver, cfg Config) (*BitFlipper, error) {
	virtAggs, err := resolveAll(addrs.Aggs, resolver)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve aggressor pages - %w", err)
	}
	virtVictims, err := resolveAll(addrs.Victims, resolver)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve victim pages - %w", err)
	}

	bf := &BitFlipper{
		addrs:       addrs,
		cfg:         cfg,
		virtAggs:    virtAggs,
		virtVictims: virtVictims,
	}

	switch cfg.Algorithm {
	case AlgorithmDefault, "":
		bf.hammerFn = hammerDefaultAlg
	case AlgorithmTRRespass:
		bf.hammerFn = hammerTRRespassAlg
	case AlgorithmAssembly:
		bf.hammerFn = hammerAssemblyAlg
	case AlgorithmMachineCode:
		bf.hammerFn = hammerMachineCodeAlg
	case AlgorithmBlacksmith:
		bf.hammerFn = hammerBlacksmithAlg
	default:
		return nil, fmt.Errorf("%w: unknown hammer algorithm %q", ErrConfigInvalid, cfg.Algorithm)
	}

	return bf, nil
}

func resolveAll(physAddrs []uint64, resolver PageResolver) ([]uintptr, error) {
	virt := make([]uintptr, len(physAddrs))
	for i, p := range physAddrs {
		v, ok := resolver.FindPhysAddr(p)
		if !ok {
			return nil, fmt.Errorf("%w: physical address 0x%x is not present in the page inventory",
				ErrPagesMissing, p)
		}
		virt[i] = v
	}
	return virt, nil
}

func hammerDefaultAlg(bf *BitFlipper) (time.Duration, uint64, uint64) {
	return hammerDefault(bf.virtAggs, bf.cfg.HammerCount), 0, 0
}

func hammerAssemblyAlg(bf *BitFlipper) (time.Duration, uint64, uint64) {
	return hammerAssembly(bf.virtAggs, bf.cfg.HammerCount), 0, 0
}

func hammerTRRespassAlg(bf *BitFlipper) (time.Duration, uint64, uint64) {
	return hammerTRRespass(bf.virtAggs, bf.cfg.HammerCount, bf.cfg.Threshold), 0, 0
}

func hammerMachineCodeAlg(bf *BitFlipper) (time.Duration, uint64, uint64) {
	start := time.Now()
	if err := hammerMachineCode(bf.virtAggs, bf.cfg.HammerCount, bf.cfg.NopCount); err != nil {
		DefaultExitFn(fmt.Errorf("machinecode hammer failed - %w", err))
	}
	return time.Since(start), 0, 0
}

func hammerBlacksmithAlg(bf *BitFlipper) (time.Duration, uint64, uint64) {
	bs := bf.cfg.Blacksmith

	syncN := bs.NumAggsForSync
	if syncN > len(bf.virtAggs) {
		syncN = len(bf.virtAggs)
	}
	syncAggs := bf.virtAggs[:syncN]

	ordered := make([]uintptr, len(bs.HammerOrder))
	for i, idx1based := range bs.HammerOrder {
		ordered[i] = bf.virtAggs[idx1based-1]
	}

	start := time.Now()
	headActivations := refreshSync(syncAggs)
	hammerBlacksmithBody(ordered, bs.TotalNumActivations,
		bs.Flushing == FlushLatestPossible, bs.Fencing == FencingLatestPossible)
	tailActivations := refreshSync(syncAggs)
	elapsed := time.Since(start)

	return elapsed, headActivations, tailActivations
}

// Hammer runs one full test: for each configured (victim_init,
// aggressor_init) pair, initialize rows, invoke the selected hammer
// algorithm, and diff every victim row against its expected pattern.
// All flips observed across every pair in this call are returned
// together, matching the single-transaction-per-hammer-call semantics
// the persistence layer expects.
func (bf *BitFlipper) Hammer(inits []InitPair) (HammerResult, error) {
	if len(inits) == 0 {
		return HammerResult{}, fmt.Errorf("%w: no init pairs configured", ErrConfigInvalid)
	}

	if bf.cfg.Store != nil {
		if err := bf.cfg.Store.BeginTransaction(); err != nil {
			return HammerResult{}, fmt.Errorf("failed to begin persistence transaction - %w", err)
		}
	}

	var result HammerResult
	for _, pair := range inits {
		if err := bf.checkTemperature(); err != nil {
			return HammerResult{}, err
		}

		flips, elapsed, headAct, tailAct := bf.hammerAndCheck(pair.VictimInit, pair.AggressorInit)
		result.Elapsed += elapsed
		result.ActivationsHead += headAct
		result.ActivationsTail += tailAct
		if len(flips) > 0 {
			result.Flipped = true
			result.Flips = append(result.Flips, flips...)
		}
		if len(flips) > PageSizeBytes*8 {
			log.Printf("hammer: %d flips on one victim init pass exceeds %d bits per page - "+
				"this looks like total corruption, not Rowhammer", len(flips), PageSizeBytes*8)
		}

		if bf.cfg.Store != nil {
			actualTemp := 0
			if bf.cfg.TempController != nil {
				actualTemp = int(bf.cfg.TempController.GetActualTemperature())
			}
			if _, err := bf.cfg.Store.InsertTest(bf.addrs.Aggs, elapsed, pair.VictimInit, pair.AggressorInit, actualTemp); err != nil {
				return HammerResult{}, fmt.Errorf("failed to insert test record - %w", err)
			}
			for _, f := range flips {
				if err := bf.cfg.Store.InsertBitflip(f.VictimPhysAddr, f.BitInByte, f.FlippedTo); err != nil {
					return HammerResult{}, fmt.Errorf("failed to insert bitflip record - %w", err)
				}
			}
		}
	}

	if bf.cfg.Store != nil {
		if err := bf.cfg.Store.Commit(); err != nil {
			return HammerResult{}, fmt.Errorf("failed to commit persistence transaction - %w", err)
		}
	}

	return result, nil
}

// checkTemperature enforces that a configured chamber's actual
// temperature has not drifted outside target +/- TempInterval, which
// would otherwise invalidate the experiment.
func (bf *BitFlipper) checkTemperature() error {
	if len(bf.cfg.TargetTemps) == 0 || bf.cfg.TempController == nil {
		return nil
	}

	target := bf.cfg.TempController.GetTargetTemperature()
	actual := bf.cfg.TempController.GetActualTemperature()
	interval := int64(bf.cfg.TempInterval)

	if actual <= target-interval || actual >= target+interval {
		return fmt.Errorf("%w: target %d C, interval +/-%d, got %d C",
			ErrTemperatureOutOfRange, target, interval, actual)
	}
	return nil
}

func (bf *BitFlipper) hammerAndCheck(victimInit, aggressorInit uint64) ([]Flip, time.Duration, uint64, uint64) {
	initRow(bf.virtVictims, victimInit)
	initRow(bf.virtAggs, aggressorInit)

	elapsed, headAct, tailAct := bf.hammerFn(bf)

	var flips []Flip
	for i, virt := range bf.virtVictims {
		flips = append(flips, diffRow(bf.addrs.Victims[i], virt, victimInit)...)
	}

	return flips, elapsed, headAct, tailAct
}

// initRow writes fill into every 8-byte word of each row and flushes
// the containing cache line so a later read is forced back to DRAM.
func initRow(rows []uintptr, fill uint64) {
	for _, row := range rows {
		for off := uintptr(0); off < RowSizeBytes; off += 8 {
			addr := row + off
			*(*uint64)(unsafe.Pointer(addr)) = fill
			flushLine(addr)
		}
	}
}

// diffRow compares one victim row against its expected fill pattern
// and reports every bit that differs.
func diffRow(physBase uint64, virt uintptr, expected uint64) []Flip {
	var flips []Flip
	for off := uintptr(0); off < RowSizeBytes; off += 8 {
		addr := virt + off
		val := *(*uint64)(unsafe.Pointer(addr))
		if val == expected {
			continue
		}

		for bit := uint8(0); bit < 64; bit++ {
			flippedTo := uint8((val >> bit) & 1)
			if uint8((expected>>bit)&1) == flippedTo {
				continue
			}

			byteIdx := bit / 8
			bitInByte := bit % 8
			flips = append(flips, Flip{
				VictimPhysAddr: physBase + uint64(off) + uint64(byteIdx),
				BitInByte:      bitInByte,
				FlippedTo:      flippedTo,
			})
		}
	}
	return flips
}
