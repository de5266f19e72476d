package main

import (
	"errors"
	"testing"

	"github.com/knapsack-labs/rowhammer/bitflip"
	"github.com/knapsack-labs/rowhammer/rowhammerconfig"
)

func TestInitPairsDefaultsWhenBothListsEmpty(t *testing.T) {
	pairs, err := initPairs(rowhammerconfig.Config{})
	if err != nil {
		t.Fatalf("initPairs: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
	if pairs[0].VictimInit != 0 || pairs[0].AggressorInit != ^uint64(0) {
		t.Fatalf("got %+v, want VictimInit=0 AggressorInit=0x%x", pairs[0], ^uint64(0))
	}
}

func TestInitPairsDefaultsAggressorListLevelOnly(t *testing.T) {
	cfg := rowhammerconfig.Config{}
	cfg.Hammer.VictimInit = []uint64{0, 0xFFFFFFFFFFFFFFFF}

	pairs, err := initPairs(cfg)
	if err != nil {
		t.Fatalf("initPairs: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("got %d pairs, want 2", len(pairs))
	}

	// VictimInit == 0 must still default AggressorInit to ^0, not 0 -
	// the bug this guards against defaulted per-entry on a zero victim.
	if pairs[0].AggressorInit != ^uint64(0) {
		t.Fatalf("pairs[0].AggressorInit = 0x%x, want 0x%x", pairs[0].AggressorInit, ^uint64(0))
	}
	if pairs[1].AggressorInit != ^uint64(0xFFFFFFFFFFFFFFFF) {
		t.Fatalf("pairs[1].AggressorInit = 0x%x, want 0x%x", pairs[1].AggressorInit, ^uint64(0xFFFFFFFFFFFFFFFF))
	}
}

func TestInitPairsRejectsMismatchedLengths(t *testing.T) {
	cfg := rowhammerconfig.Config{}
	cfg.Hammer.VictimInit = []uint64{0, 1, 2}
	cfg.Hammer.AggressorInit = []uint64{0xFF}

	_, err := initPairs(cfg)
	if !errors.Is(err, bitflip.ErrConfigInvalid) {
		t.Fatalf("initPairs err = %v, want wrapping bitflip.ErrConfigInvalid", err)
	}
}

func TestInitPairsKeepsExplicitZeroAggressor(t *testing.T) {
	cfg := rowhammerconfig.Config{}
	cfg.Hammer.VictimInit = []uint64{0xAAAAAAAAAAAAAAAA}
	cfg.Hammer.AggressorInit = []uint64{0}

	pairs, err := initPairs(cfg)
	if err != nil {
		t.Fatalf("initPairs: %v", err)
	}
	if pairs[0].AggressorInit != 0 {
		t.Fatalf("explicit zero aggressor_init got overridden: %+v", pairs[0])
	}
}
