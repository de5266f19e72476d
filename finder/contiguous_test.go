package finder

import (
	"errors"
	"fmt"
	"testing"

	"github.com/knapsack-labs/rowhammer/bitflip"
	"github.com/knapsack-labs/rowhammer/dramaddr"
	"github.com/knapsack-labs/rowhammer/hammerpattern"
	"github.com/knapsack-labs/rowhammer/pageinventory"
)

// toyLayout uses a row stride of 0x2000, equal to bitflip.RowSizeBytes:
// h_fns = [0x20000] (bit 17, 2 banks), row_masks = [0x1E000] (bits
// 13-16, 16 rows), col_masks = [0x1FFF] (bits 0-12). Tests that build
// their inventory with bitflip.RowSizeBytes as the page size get
// exactly one page per row, keeping the arithmetic easy to hand-check;
// with 4096-byte pages each row spans two pages.
func toyLayout(t *testing.T) *dramaddr.Layout {
	t.Helper()
	l, err := dramaddr.NewLayout([]uint64{0x20000}, []uint64{0x1E000}, []uint64{0x1FFF})
	if err != nil {
		t.Fatalf("failed to build toy layout: %v", err)
	}
	return l
}

// vavPattern is a 3-slot victim/aggressor/victim pattern with no
// random slots, so RowOffset equals plain slot index.
func vavPattern() *hammerpattern.Pattern {
	return &hammerpattern.Pattern{
		Slots: []hammerpattern.Slot{
			{Aggressor: false, RowOffset: 0},
			{Aggressor: true, RowOffset: 1},
			{Aggressor: false, RowOffset: 2},
		},
	}
}

func TestNewContiguousRejectsMissingCollaborators(t *testing.T) {
	if _, err := NewContiguous(ContiguousConfig{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestNewContiguousRejectsUnknownBank(t *testing.T) {
	l := toyLayout(t)
	inv := pageinventory.NewFromFrames(bitflip.PageSizeBytes, []uint64{0, 1, 2})
	_, err := NewContiguous(ContiguousConfig{
		Layout: l, Inventory: inv, Pattern: vavPattern(),
		Banks: []uint64{5}, Hammer: func(bitflip.HammerAddrs) (bitflip.HammerResult, error) { return bitflip.HammerResult{}, nil },
	})
	if err == nil {
		t.Fatal("expected error for bank out of range")
	}
}

func TestNewContiguousRejectsFastStrategyWithOneRowPattern(t *testing.T) {
	l := toyLayout(t)
	inv := pageinventory.NewFromFrames(bitflip.PageSizeBytes, []uint64{0, 1, 2})
	onePattern := &hammerpattern.Pattern{Slots: []hammerpattern.Slot{{Aggressor: false, RowOffset: 0}}}

	for _, strat := range []IterStrategy{IterFast, IterDebug} {
		_, err := NewContiguous(ContiguousConfig{
			Layout: l, Inventory: inv, Pattern: onePattern,
			Banks: []uint64{0}, IterStrategy: strat,
			Hammer: func(bitflip.HammerAddrs) (bitflip.HammerResult, error) { return bitflip.HammerResult{}, nil },
		})
		if err == nil {
			t.Fatalf("expected error for %q strategy with a one-row pattern", strat)
		}
	}
}

func TestNewContiguousAllowsDefaultStrategyWithOneRowPattern(t *testing.T) {
	l := toyLayout(t)
	inv := pageinventory.NewFromFrames(bitflip.PageSizeBytes, []uint64{0, 1, 2})
	onePattern := &hammerpattern.Pattern{Slots: []hammerpattern.Slot{{Aggressor: false, RowOffset: 0}}}

	if _, err := NewContiguous(ContiguousConfig{
		Layout: l, Inventory: inv, Pattern: onePattern,
		Banks: []uint64{0},
		Hammer: func(bitflip.HammerAddrs) (bitflip.HammerResult, error) { return bitflip.HammerResult{}, nil },
	}); err != nil {
		t.Fatalf("unexpected error with unset IterStrategy and a one-row pattern: %v", err)
	}
}

func TestContiguousDefaultTestWindowAddresses(t *testing.T) {
	l := toyLayout(t)
	frames := []uint64{0, 1, 2, 3, 4, 5, 6, 7}
	inv := pageinventory.NewFromFrames(bitflip.RowSizeBytes, frames)

	var calls []bitflip.HammerAddrs
	hammer := func(addrs bitflip.HammerAddrs) (bitflip.HammerResult, error) {
		calls = append(calls, addrs)
		return bitflip.HammerResult{}, nil
	}

	c, err := NewContiguous(ContiguousConfig{
		Layout: l, Inventory: inv, Pattern: vavPattern(),
		Banks: []uint64{0}, TestMinRows: 1, Hammer: hammer,
	})
	if err != nil {
		t.Fatalf("NewContiguous: %v", err)
	}
	if err := c.FindFlips(); err != nil {
		t.Fatalf("FindFlips: %v", err)
	}

	if len(calls) != 5 {
		t.Fatalf("got %d windows, want 5", len(calls))
	}

	// determineFrameRange skips row 0 for overlap safety, so the walk
	// starts at frame 1 (phys 0x2000). First window: victim=0x2000,
	// agg=0x4000, victim=0x6000.
	want := bitflip.HammerAddrs{Victims: []uint64{0x2000, 0x6000}, Aggs: []uint64{0x4000}}
	got := calls[0]
	if len(got.Victims) != 2 || got.Victims[0] != want.Victims[0] || got.Victims[1] != want.Victims[1] {
		t.Fatalf("first window victims = %#x, want %#x", got.Victims, want.Victims)
	}
	if len(got.Aggs) != 1 || got.Aggs[0] != want.Aggs[0] {
		t.Fatalf("first window aggs = %#x, want %#x", got.Aggs, want.Aggs)
	}
}

func TestContiguousInsufficientOwnershipErrors(t *testing.T) {
	l := toyLayout(t)
	inv := pageinventory.NewFromFrames(bitflip.PageSizeBytes, []uint64{0})

	c, err := NewContiguous(ContiguousConfig{
		Layout: l, Inventory: inv, Pattern: vavPattern(),
		Banks: []uint64{0}, TestMinRows: 3,
		Hammer: func(bitflip.HammerAddrs) (bitflip.HammerResult, error) { return bitflip.HammerResult{}, nil },
	})
	if err != nil {
		t.Fatalf("NewContiguous: %v", err)
	}
	if err := c.FindFlips(); err == nil {
		t.Fatal("expected insufficient-ownership error")
	}
}

func TestContiguousCancellerStopsEarly(t *testing.T) {
	l := toyLayout(t)
	frames := []uint64{0, 1, 2, 3, 4, 5, 6, 7}
	inv := pageinventory.NewFromFrames(bitflip.PageSizeBytes, frames)

	calls := 0
	hammer := func(bitflip.HammerAddrs) (bitflip.HammerResult, error) {
		calls++
		return bitflip.HammerResult{}, nil
	}

	c, err := NewContiguous(ContiguousConfig{
		Layout: l, Inventory: inv, Pattern: vavPattern(),
		Banks: []uint64{0}, TestMinRows: 1, Hammer: hammer,
		Cancel: func() bool { return true },
	})
	if err != nil {
		t.Fatalf("NewContiguous: %v", err)
	}
	if err := c.FindFlips(); err != nil {
		t.Fatalf("FindFlips: %v", err)
	}
	if calls != 0 {
		t.Fatalf("got %d calls, want 0 with cancel set from the start", calls)
	}
}

func TestContiguousHammerWindowRejectsNonAdjacentPages(t *testing.T) {
	l := toyLayout(t)
	// pageSize 4096 against this layout's 8192-byte row stride gives
	// pagesPerRow == 2, so each row's own two pages must be adjacent.
	inv := pageinventory.NewFromFrames(4096, []uint64{0, 1, 2, 3, 4, 5})

	c, err := NewContiguous(ContiguousConfig{
		Layout: l, Inventory: inv, Pattern: vavPattern(),
		Banks: []uint64{0}, TestMinRows: 1,
		Hammer: func(bitflip.HammerAddrs) (bitflip.HammerResult, error) { return bitflip.HammerResult{}, nil },
	})
	if err != nil {
		t.Fatalf("NewContiguous: %v", err)
	}
	if c.pagesPerRow != 2 {
		t.Fatalf("pagesPerRow = %d, want 2", c.pagesPerRow)
	}

	// Last row's second page has a gap: 0x9000-0x4000 != pageSize.
	pages := []uint64{0x0000, 0x1000, 0x2000, 0x3000, 0x4000, 0x9000}
	if err := c.hammerWindow(0, pages); err == nil {
		t.Fatal("expected error for non-adjacent pages")
	}
}

// TestContiguousHammerWindowRejectsVirtuallyDiscontiguousPages grounds
// contiguous_flip_finder.cpp's second, virtual-address assertion: two
// pages can be physically adjacent (their frame numbers differ by
// exactly one page) while being mapped to unrelated virtual addresses,
// if the inventory's scan order doesn't follow physical frame order.
// Row 0 here is frames {0,1}, which are physically adjacent, but frame
// 1 is scanned third (virtual offset 2, not 1), so its virtual
// address isn't pageSize past frame 0's.
func TestContiguousHammerWindowRejectsVirtuallyDiscontiguousPages(t *testing.T) {
	l := toyLayout(t)
	inv := pageinventory.NewFromScanOrder(4096, []uint64{0, 2, 1, 3, 4, 5})

	c, err := NewContiguous(ContiguousConfig{
		Layout: l, Inventory: inv, Pattern: vavPattern(),
		Banks: []uint64{0}, TestMinRows: 1,
		Hammer: func(bitflip.HammerAddrs) (bitflip.HammerResult, error) { return bitflip.HammerResult{}, nil },
	})
	if err != nil {
		t.Fatalf("NewContiguous: %v", err)
	}
	if c.pagesPerRow != 2 {
		t.Fatalf("pagesPerRow = %d, want 2", c.pagesPerRow)
	}

	pages := []uint64{0x0000, 0x1000, 0x2000, 0x3000, 0x4000, 0x5000}
	err = c.hammerWindow(0, pages)
	if err == nil {
		t.Fatal("expected error for physically adjacent but virtually discontiguous pages")
	}
	if !errors.Is(err, ErrInsufficientOwnership) {
		t.Fatalf("err = %v, want wrapping ErrInsufficientOwnership", err)
	}
}

func TestContiguousSkipsPagesMissingWindowsInsteadOfAborting(t *testing.T) {
	l := toyLayout(t)
	frames := []uint64{0, 1, 2, 3, 4, 5, 6, 7}
	inv := pageinventory.NewFromFrames(bitflip.RowSizeBytes, frames)

	var calls int
	var results []WindowResult
	hammer := func(addrs bitflip.HammerAddrs) (bitflip.HammerResult, error) {
		calls++
		if calls == 1 {
			return bitflip.HammerResult{}, fmt.Errorf("%w: physical address 0x0 is not present", bitflip.ErrPagesMissing)
		}
		return bitflip.HammerResult{}, nil
	}

	c, err := NewContiguous(ContiguousConfig{
		Layout: l, Inventory: inv, Pattern: vavPattern(),
		Banks: []uint64{0}, TestMinRows: 1, Hammer: hammer,
		OnWindow: func(w WindowResult) { results = append(results, w) },
	})
	if err != nil {
		t.Fatalf("NewContiguous: %v", err)
	}
	if err := c.FindFlips(); err != nil {
		t.Fatalf("FindFlips: %v", err)
	}

	if len(results) != 5 {
		t.Fatalf("got %d windows reported, want 5 (all attempted despite the first being skipped)", len(results))
	}
	if !results[0].Skipped {
		t.Fatalf("first window Skipped = false, want true")
	}
	if results[0].SkipReason == "" {
		t.Fatal("expected a non-empty SkipReason on the skipped window")
	}
	for i, w := range results[1:] {
		if w.Skipped {
			t.Fatalf("window %d unexpectedly reported Skipped", i+1)
		}
	}
}
