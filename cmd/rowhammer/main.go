// Command rowhammer wires the library packages in this module into a
// runnable hammering pipeline: a DRAM address layout and page
// inventory feed a flip finder, which drives a bit flipper over each
// window it attempts, all under an experiment driver that owns
// repetitions, cancellation, and (optionally) temperature staging.
//
// It ships no configuration-file parser - populating a
// rowhammerconfig.Config from disk or flags is left to a caller, per
// this repository's config-format Non-goal. main
// below hard-codes a config as a stand-in for that caller, so the
// wiring runs end to end.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/knapsack-labs/rowhammer/bitflip"
	"github.com/knapsack-labs/rowhammer/dramaddr"
	"github.com/knapsack-labs/rowhammer/experiment"
	"github.com/knapsack-labs/rowhammer/finder"
	"github.com/knapsack-labs/rowhammer/hammerpattern"
	"github.com/knapsack-labs/rowhammer/pageinventory"
	"github.com/knapsack-labs/rowhammer/persistence"
	"github.com/knapsack-labs/rowhammer/rowhammerconfig"
)

const (
	helpArg = "h"
	dbArg   = "db"

	appName = "rowhammer"
	usage   = appName + `
DESCRIPTION
  Allocates memory, builds a page inventory, and runs a Rowhammer flip
  finder over it once. Configuration is not read from disk or flags -
  see rowhammerconfig for the shape a caller populates.

USAGE
  ` + appName + ` [-db path]

OPTIONS
`
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	help := flag.Bool(helpArg, false, "Display this information")
	dbPath := flag.String(dbArg, "", "Optional path to a binary results log; unset disables persistence")
	flag.Parse()

	if *help {
		os.Stderr.WriteString(usage)
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg := defaultConfig()

	var store persistence.Store
	if *dbPath != "" {
		fileStore, err := persistence.NewFileStore(*dbPath)
		if err != nil {
			return fmt.Errorf("failed to open results log - %w", err)
		}
		defer fileStore.Close()
		if _, err := fileStore.LoadOrInsertConfig(cfg.Hostname, cfg.Dimms, cfg.Bios, layoutDescription(cfg)); err != nil {
			return fmt.Errorf("failed to record config - %w", err)
		}
		store = fileStore
	}

	layout, err := dramaddr.NewLayout(cfg.DRAMLayout.Functions, cfg.DRAMLayout.RowMasks, cfg.DRAMLayout.ColMasks)
	if err != nil {
		return fmt.Errorf("failed to build DRAM layout - %w", err)
	}

	inv, err := pageinventory.Allocate(pageinventory.AllocConfig{
		PageSize:           allocPageSize(cfg.Memory.AllocPageSize),
		MemoryBytes:        cfg.Memory.MemorySizeBytes,
		AllocatePercentage: cfg.Memory.AllocatePercentage,
		HugepageCount:      uint32(cfg.Memory.HugepageCount),
		UseFreeMemory:      cfg.Memory.UseFreeMemory,
	})
	if err != nil {
		return fmt.Errorf("failed to allocate page inventory - %w", err)
	}
	defer inv.Close()

	pattern, err := hammerpattern.Compile(cfg.Hammer.HammerPattern, cfg.Hammer.AggressorRows, cfg.Hammer.RandomPatternArea, nil)
	if err != nil {
		return fmt.Errorf("failed to compile hammer pattern - %w", err)
	}

	pairs, err := initPairs(cfg)
	if err != nil {
		return fmt.Errorf("failed to build init-pattern pairs - %w", err)
	}

	hammer := func(addrs bitflip.HammerAddrs) (bitflip.HammerResult, error) {
		bf, err := bitflip.New(addrs, inv, bitflip.Config{
			Algorithm:   bitflip.Algorithm(cfg.Hammer.HammerAlgorithm),
			HammerCount: cfg.Hammer.HammerCount,
			NopCount:    cfg.Hammer.NopCount,
			Threshold:   uint64(cfg.Hammer.Threshold),
			Store:       store,
		})
		if err != nil {
			return bitflip.HammerResult{}, err
		}
		return bf.Hammer(pairs)
	}

	onWindow := func(w finder.WindowResult) {
		if w.Skipped {
			log.Printf("bank %d rows [%d,%d]: skipped (%s)", w.Bank, w.FirstRow, w.LastRow, w.SkipReason)
			return
		}
		if w.Err != nil {
			log.Printf("bank %d rows [%d,%d]: error: %v", w.Bank, w.FirstRow, w.LastRow, w.Err)
			return
		}
		if w.Result.Flipped {
			log.Printf("bank %d rows [%d,%d]: %d flip(s)", w.Bank, w.FirstRow, w.LastRow, len(w.Result.Flips))
		}
	}

	driver := experiment.NewDriver(store, nil, nil)

	iterStrategy := finder.IterStrategy(cfg.Hammer.IterAlgorithm)

	runIter := func(cancel finder.Canceller) error {
		switch cfg.Hammer.MemoryAllocator {
		case rowhammerconfig.AllocatorNoncontiguous:
			sparse, err := finder.NewSparse(finder.SparseConfig{
				Layout:       layout,
				Inventory:    inv,
				Pattern:      pattern,
				Banks:        cfg.Hammer.Banks,
				IterStrategy: iterStrategy,
				RowPadding:   cfg.Hammer.RowPadding,
				TestFirstRow: cfg.Hammer.TestFirstRow,
				TestLastRow:  cfg.Hammer.TestLastRow,
				Hammer:       hammer,
				OnWindow:     onWindow,
				Cancel:       cancel,
			})
			if err != nil {
				return err
			}
			return sparse.FindFlips()
		default:
			contig, err := finder.NewContiguous(finder.ContiguousConfig{
				Layout:       layout,
				Inventory:    inv,
				Pattern:      pattern,
				Banks:        cfg.Hammer.Banks,
				IterStrategy: iterStrategy,
				TestMinRows:  cfg.Hammer.TestMinRows,
				TestMaxRows:  cfg.Hammer.TestMaxRows,
				TestFirstRow: cfg.Hammer.TestFirstRow,
				TestLastRow:  cfg.Hammer.TestLastRow,
				Hammer:       hammer,
				OnWindow:     onWindow,
				Cancel:       cancel,
			})
			if err != nil {
				return err
			}
			return contig.FindFlips()
		}
	}

	return driver.Run(experiment.RunConfig{
		Repetitions:   cfg.Hammer.ExperimentReps,
		TestMaxTime:   time.Duration(cfg.Hammer.TestMaxTimeSeconds) * time.Second,
		TargetTemps:   cfg.TargetTemps,
		AggressorRows: cfg.Hammer.AggressorRows,
		HammerCount:   cfg.Hammer.HammerCount,
	}, runIter)
}

func layoutDescription(cfg rowhammerconfig.Config) string {
	return fmt.Sprintf("h_fns=%v row_masks=%v col_masks=%v",
		cfg.DRAMLayout.Functions, cfg.DRAMLayout.RowMasks, cfg.DRAMLayout.ColMasks)
}

func allocPageSize(p rowhammerconfig.PageSize) pageinventory.PageSize {
	switch p {
	case rowhammerconfig.PageSize2MiB:
		return pageinventory.PageSize2MiB
	case rowhammerconfig.PageSize1GiB:
		return pageinventory.PageSize1GiB
	default:
		return pageinventory.PageSize4KiB
	}
}

// initPairs turns the raw victim_init/aggressor_init lists in cfg into
// InitPair values. An empty victim_init list defaults to the single
// pair (0, ^0) - a fully-defaulted run still gets an explicit
// aggressor pattern, not an implicit zero one. A non-empty
// aggressor_init defaults as a whole list, not entry by entry: only
// when it is entirely empty does every entry default to the bitwise
// complement of its victim_init, since 0 is a legitimate explicit
// aggressor pattern indistinguishable from "unset" at the per-entry
// level.
func initPairs(cfg rowhammerconfig.Config) ([]bitflip.InitPair, error) {
	victims := cfg.Hammer.VictimInit
	if len(victims) == 0 {
		victims = []uint64{0x0000000000000000}
	}

	aggressors := cfg.Hammer.AggressorInit
	switch {
	case len(aggressors) == 0:
		aggressors = make([]uint64, len(victims))
		for i, v := range victims {
			aggressors[i] = ^v
		}
	case len(aggressors) != len(victims):
		return nil, fmt.Errorf("%w: victim_init has %d entries but aggressor_init has %d",
			bitflip.ErrConfigInvalid, len(victims), len(aggressors))
	}

	pairs := make([]bitflip.InitPair, len(victims))
	for i, v := range victims {
		pairs[i] = bitflip.InitPair{VictimInit: v, AggressorInit: aggressors[i]}
	}
	return pairs, nil
}

// defaultConfig stands in for the config-file/flag parser this
// repository does not implement (Non-goal), just enough to exercise
// the wiring above against a small real allocation.
func defaultConfig() rowhammerconfig.Config {
	return rowhammerconfig.Config{
		DRAMLayout: rowhammerconfig.DRAMLayoutConfig{
			Functions: []uint64{0x2040, 0x44000, 0x88000},
			RowMasks:  []uint64{0x3ffe0000},
			ColMasks:  []uint64{0x1ffc},
		},
		Memory: rowhammerconfig.MemoryConfig{
			AllocPageSize:      rowhammerconfig.PageSize4KiB,
			AllocatePercentage: 0.05,
		},
		Hammer: rowhammerconfig.HammerConfig{
			HammerCount:        1000000,
			AggressorRows:      2,
			MemoryAllocator:    rowhammerconfig.AllocatorContiguous,
			IterAlgorithm:      rowhammerconfig.IterAlgorithmDefault,
			Banks:              []uint64{0, 1, 2, 3, 4, 5, 6, 7},
			HammerPattern:      "av",
			HammerAlgorithm:    rowhammerconfig.HammerAlgorithmDefault,
			TestMinRows:        3,
			TestMaxTimeSeconds: 0,
			ExperimentReps:     1,
		},
	}
}
