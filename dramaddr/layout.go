package dramaddr

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrConfigInvalid is returned when a Layout is constructed from
// inconsistent masks.
var ErrConfigInvalid = errors.New("dramaddr: invalid layout configuration")

// ErrLayoutReverseCheckFailed is wrapped into the error returned by
// Layout.Encode when its own round-trip self-check fails. The address
// returned alongside it is still usable - see spec §4.1 and §7.
var ErrLayoutReverseCheckFailed = errors.New("dramaddr: encode round-trip self-check failed")

// Layout is an immutable, process-wide description of a DRAM
// addressing scheme. Construct one with NewLayout and share it by
// reference; it has no mutable state after construction.
type Layout struct {
	hFns     []uint64
	rowMasks []uint64
	colMasks []uint64
}

// NewLayoutOrExit calls NewLayout and invokes DefaultExitFn on error.
func NewLayoutOrExit(hFns, rowMasks, colMasks []uint64) *Layout {
	l, err := NewLayout(hFns, rowMasks, colMasks)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to create dram layout - %w", err))
	}
	return l
}

// NewLayout validates and constructs a Layout.
//
// Validation requires:
//   - every mask in rowMasks and colMasks has a contiguous run of set
//     bits (spec §3);
//   - the entries within rowMasks are pairwise disjoint, as are the
//     entries within colMasks;
//   - the row field (union of rowMasks) and column field (union of
//     colMasks) are disjoint from each other.
//
// hFns are deliberately not required to be disjoint from the row/col
// fields: real DRAM h-functions commonly XOR in row address bits, and
// Layout.Encode's bank-reconciliation step depends on that being
// possible.
func NewLayout(hFns, rowMasks, colMasks []uint64) (*Layout, error) {
	if len(hFns) == 0 {
		return nil, fmt.Errorf("%w: at least one h_fn is required", ErrConfigInvalid)
	}
	if len(rowMasks) == 0 {
		return nil, fmt.Errorf("%w: at least one row mask is required", ErrConfigInvalid)
	}
	if len(colMasks) == 0 {
		return nil, fmt.Errorf("%w: at least one col mask is required", ErrConfigInvalid)
	}

	for i, m := range rowMasks {
		if !isContiguous(m) {
			return nil, fmt.Errorf("%w: row mask %d (0x%x) is not contiguous", ErrConfigInvalid, i, m)
		}
	}
	for i, m := range colMasks {
		if !isContiguous(m) {
			return nil, fmt.Errorf("%w: col mask %d (0x%x) is not contiguous", ErrConfigInvalid, i, m)
		}
	}

	if err := disjoint("row", rowMasks); err != nil {
		return nil, err
	}
	if err := disjoint("col", colMasks); err != nil {
		return nil, err
	}

	rowField := orAll(rowMasks)
	colField := orAll(colMasks)
	if rowField&colField != 0 {
		return nil, fmt.Errorf("%w: row field (0x%x) and col field (0x%x) overlap",
			ErrConfigInvalid, rowField, colField)
	}

	return &Layout{
		hFns:     append([]uint64(nil), hFns...),
		rowMasks: append([]uint64(nil), rowMasks...),
		colMasks: append([]uint64(nil), colMasks...),
	}, nil
}

// BanksCount returns 2^len(h_fns), the number of independently
// addressable banks this layout describes.
func (l *Layout) BanksCount() int {
	return 1 << len(l.hFns)
}

// RowField returns the union of all row masks.
func (l *Layout) RowField() uint64 {
	return orAll(l.rowMasks)
}

// ColField returns the union of all col masks.
func (l *Layout) ColField() uint64 {
	return orAll(l.colMasks)
}

func isContiguous(mask uint64) bool {
	if mask == 0 {
		return false
	}
	shifted := mask >> bits.TrailingZeros64(mask)
	return shifted&(shifted+1) == 0
}

func disjoint(label string, masks []uint64) error {
	var seen uint64
	for i, m := range masks {
		if seen&m != 0 {
			return fmt.Errorf("%w: %s mask %d (0x%x) overlaps a preceding %s mask",
				ErrConfigInvalid, label, i, m, label)
		}
		seen |= m
	}
	return nil
}

func orAll(masks []uint64) uint64 {
	var out uint64
	for _, m := range masks {
		out |= m
	}
	return out
}
