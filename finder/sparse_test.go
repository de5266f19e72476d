package finder

import (
	"fmt"
	"testing"

	"github.com/knapsack-labs/rowhammer/bitflip"
	"github.com/knapsack-labs/rowhammer/hammerpattern"
	"github.com/knapsack-labs/rowhammer/pageinventory"
)

// avaPattern mirrors spec scenario 7's "ava" template: aggressor,
// victim, aggressor, with no random slots so RowOffset equals plain
// slot index.
func avaPattern() *hammerpattern.Pattern {
	return &hammerpattern.Pattern{
		Slots: []hammerpattern.Slot{
			{Aggressor: true, RowOffset: 0},
			{Aggressor: false, RowOffset: 1},
			{Aggressor: true, RowOffset: 2},
		},
	}
}

func TestNewSparseRejectsMissingCollaborators(t *testing.T) {
	if _, err := NewSparse(SparseConfig{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestNewSparseRejectsUnknownBank(t *testing.T) {
	l := toyLayout(t)
	inv := pageinventory.NewFromFrames(bitflip.PageSizeBytes, []uint64{0, 1, 2})
	_, err := NewSparse(SparseConfig{
		Layout: l, Inventory: inv, Pattern: avaPattern(),
		Banks: []uint64{5}, Hammer: func(bitflip.HammerAddrs) (bitflip.HammerResult, error) { return bitflip.HammerResult{}, nil },
	})
	if err == nil {
		t.Fatal("expected error for bank out of range")
	}
}

func TestNewSparseRejectsFastStrategyWithOneRowPattern(t *testing.T) {
	l := toyLayout(t)
	inv := pageinventory.NewFromFrames(bitflip.PageSizeBytes, []uint64{0, 1, 2})
	onePattern := &hammerpattern.Pattern{Slots: []hammerpattern.Slot{{Aggressor: false, RowOffset: 0}}}

	for _, strat := range []IterStrategy{IterFast, IterDebug} {
		_, err := NewSparse(SparseConfig{
			Layout: l, Inventory: inv, Pattern: onePattern,
			Banks: []uint64{0}, IterStrategy: strat,
			Hammer: func(bitflip.HammerAddrs) (bitflip.HammerResult, error) { return bitflip.HammerResult{}, nil },
		})
		if err == nil {
			t.Fatalf("expected error for %q strategy with a one-row pattern", strat)
		}
	}
}

func TestNewSparseAllowsDefaultStrategyWithOneRowPattern(t *testing.T) {
	l := toyLayout(t)
	inv := pageinventory.NewFromFrames(bitflip.PageSizeBytes, []uint64{0, 1, 2})
	onePattern := &hammerpattern.Pattern{Slots: []hammerpattern.Slot{{Aggressor: false, RowOffset: 0}}}

	if _, err := NewSparse(SparseConfig{
		Layout: l, Inventory: inv, Pattern: onePattern,
		Banks:  []uint64{0},
		Hammer: func(bitflip.HammerAddrs) (bitflip.HammerResult, error) { return bitflip.HammerResult{}, nil },
	}); err != nil {
		t.Fatalf("unexpected error with unset IterStrategy and a one-row pattern: %v", err)
	}
}

// TestSparseSkipsWindowWithMissingRow grounds spec scenario 7: owned
// rows {0,1,2,3,5,6,7} on bank 0, pattern "ava", row_padding=0, a
// window starting at victim row 3 must be skipped because row 4 is
// missing.
func TestSparseSkipsWindowWithMissingRow(t *testing.T) {
	l := toyLayout(t)
	ownedRows := []uint64{0, 1, 2, 3, 5, 6, 7}
	frames := make([]uint64, len(ownedRows))
	for i, row := range ownedRows {
		frames[i] = row // row stride equals pageSize (RowSizeBytes), so frame == row here
	}
	inv := pageinventory.NewFromFrames(bitflip.RowSizeBytes, frames)

	var results []WindowResult
	hammerCalled := false
	s, err := NewSparse(SparseConfig{
		Layout: l, Inventory: inv, Pattern: avaPattern(),
		Banks:      []uint64{0},
		RowPadding: 0,
		Hammer: func(bitflip.HammerAddrs) (bitflip.HammerResult, error) {
			hammerCalled = true
			return bitflip.HammerResult{}, nil
		},
		OnWindow: func(wr WindowResult) { results = append(results, wr) },
	})
	if err != nil {
		t.Fatalf("NewSparse: %v", err)
	}

	if err := s.hammerWindow(0, 3); err != nil {
		t.Fatalf("hammerWindow: %v", err)
	}
	if hammerCalled {
		t.Fatal("hammer func was called for a window touching a missing row")
	}
	if len(results) != 1 || !results[0].Skipped {
		t.Fatalf("got %+v, want exactly one skipped WindowResult", results)
	}
}

func TestSparseHammersWindowWithoutMissingRow(t *testing.T) {
	l := toyLayout(t)
	// Rows 0-7 all owned: a window starting at row 0 (rows 0,1,2)
	// touches nothing missing.
	frames := []uint64{0, 1, 2, 3, 4, 5, 6, 7}
	inv := pageinventory.NewFromFrames(bitflip.RowSizeBytes, frames)

	var calls []bitflip.HammerAddrs
	s, err := NewSparse(SparseConfig{
		Layout: l, Inventory: inv, Pattern: avaPattern(),
		Banks: []uint64{0},
		Hammer: func(addrs bitflip.HammerAddrs) (bitflip.HammerResult, error) {
			calls = append(calls, addrs)
			return bitflip.HammerResult{}, nil
		},
	})
	if err != nil {
		t.Fatalf("NewSparse: %v", err)
	}

	if err := s.hammerWindow(0, 0); err != nil {
		t.Fatalf("hammerWindow: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("got %d hammer calls, want 1", len(calls))
	}
	want := bitflip.HammerAddrs{Aggs: []uint64{0x0000, 0x4000}, Victims: []uint64{0x2000}}
	got := calls[0]
	if len(got.Aggs) != 2 || got.Aggs[0] != want.Aggs[0] || got.Aggs[1] != want.Aggs[1] {
		t.Fatalf("aggs = %#x, want %#x", got.Aggs, want.Aggs)
	}
	if len(got.Victims) != 1 || got.Victims[0] != want.Victims[0] {
		t.Fatalf("victims = %#x, want %#x", got.Victims, want.Victims)
	}
}

func TestSparseRowPaddingWidensMissingCheck(t *testing.T) {
	l := toyLayout(t)
	// Rows 0-3 and 5-9 owned; row 4 missing. A window at victim=0
	// (rows 0,1,2) has no missing row itself, but padding=3 reaches
	// forward into row 4's gap via lastVictim(2)+3=5... use padding=2
	// so the reach is [0-2, 2+2] = [-2,4], which includes row 4.
	ownedRows := []uint64{0, 1, 2, 3, 5, 6, 7, 8, 9}
	frames := make([]uint64, len(ownedRows))
	copy(frames, ownedRows)
	inv := pageinventory.NewFromFrames(bitflip.RowSizeBytes, frames)

	hammerCalled := false
	s, err := NewSparse(SparseConfig{
		Layout: l, Inventory: inv, Pattern: avaPattern(),
		Banks:      []uint64{0},
		RowPadding: 2,
		Hammer: func(bitflip.HammerAddrs) (bitflip.HammerResult, error) {
			hammerCalled = true
			return bitflip.HammerResult{}, nil
		},
	})
	if err != nil {
		t.Fatalf("NewSparse: %v", err)
	}

	if err := s.hammerWindow(0, 0); err != nil {
		t.Fatalf("hammerWindow: %v", err)
	}
	if hammerCalled {
		t.Fatal("expected padding to widen the missing-row check and skip this window")
	}
}

func TestSparseDefaultTestStepsOneRowAtATime(t *testing.T) {
	l := toyLayout(t)
	frames := []uint64{0, 1, 2, 3, 4, 5, 6, 7}
	inv := pageinventory.NewFromFrames(bitflip.RowSizeBytes, frames)

	calls := 0
	s, err := NewSparse(SparseConfig{
		Layout: l, Inventory: inv, Pattern: avaPattern(),
		Banks: []uint64{0},
		Hammer: func(bitflip.HammerAddrs) (bitflip.HammerResult, error) {
			calls++
			return bitflip.HammerResult{}, nil
		},
	})
	if err != nil {
		t.Fatalf("NewSparse: %v", err)
	}
	if err := s.FindFlips(); err != nil {
		t.Fatalf("FindFlips: %v", err)
	}
	// Rows 0-7, hammerRows=3 (span of "ava"): windows start at rows
	// 0..5 inclusive under the default one-row stride, 6 total.
	if calls != 6 {
		t.Fatalf("got %d windows, want 6", calls)
	}
}

func TestSparseSkipsPagesMissingWindowsInsteadOfAborting(t *testing.T) {
	l := toyLayout(t)
	frames := []uint64{0, 1, 2, 3, 4, 5, 6, 7}
	inv := pageinventory.NewFromFrames(bitflip.RowSizeBytes, frames)

	calls := 0
	var results []WindowResult
	s, err := NewSparse(SparseConfig{
		Layout: l, Inventory: inv, Pattern: avaPattern(),
		Banks: []uint64{0},
		Hammer: func(bitflip.HammerAddrs) (bitflip.HammerResult, error) {
			calls++
			if calls == 1 {
				return bitflip.HammerResult{}, fmt.Errorf("%w: physical address 0x0 is not present", bitflip.ErrPagesMissing)
			}
			return bitflip.HammerResult{}, nil
		},
		OnWindow: func(wr WindowResult) { results = append(results, wr) },
	})
	if err != nil {
		t.Fatalf("NewSparse: %v", err)
	}
	if err := s.FindFlips(); err != nil {
		t.Fatalf("FindFlips: %v", err)
	}
	if len(results) != 6 {
		t.Fatalf("got %d windows reported, want 6 (all attempted despite the first erroring)", len(results))
	}
	if !results[0].Skipped {
		t.Fatal("first window Skipped = false, want true")
	}
	for i, w := range results[1:] {
		if w.Skipped {
			t.Fatalf("window %d unexpectedly reported Skipped", i+1)
		}
	}
}

func TestSparseCancellerStopsEarly(t *testing.T) {
	l := toyLayout(t)
	frames := []uint64{0, 1, 2, 3, 4, 5, 6, 7}
	inv := pageinventory.NewFromFrames(bitflip.PageSizeBytes, frames)

	calls := 0
	s, err := NewSparse(SparseConfig{
		Layout: l, Inventory: inv, Pattern: avaPattern(),
		Banks: []uint64{0},
		Hammer: func(bitflip.HammerAddrs) (bitflip.HammerResult, error) {
			calls++
			return bitflip.HammerResult{}, nil
		},
		Cancel: func() bool { return true },
	})
	if err != nil {
		t.Fatalf("NewSparse: %v", err)
	}
	if err := s.FindFlips(); err != nil {
		t.Fatalf("FindFlips: %v", err)
	}
	if calls != 0 {
		t.Fatalf("got %d calls, want 0 with cancel set from the start", calls)
	}
}
