package finder

import (
	"errors"
	"fmt"

	"github.com/knapsack-labs/rowhammer/bitflip"
	"github.com/knapsack-labs/rowhammer/dramaddr"
	"github.com/knapsack-labs/rowhammer/hammerpattern"
	"github.com/knapsack-labs/rowhammer/pageinventory"
)

// ContiguousConfig configures a Contiguous finder.
type ContiguousConfig struct {
	Layout    *dramaddr.Layout
	Inventory *pageinventory.Inventory
	Pattern   *hammerpattern.Pattern
	Banks     []uint64

	IterStrategy IterStrategy

	// TestMinRows is the minimum run length, in rows, a contiguous
	// candidate must satisfy.
	TestMinRows int
	// TestMaxRows, if nonzero, clips the run to this many rows.
	TestMaxRows int
	// TestFirstRow, if nonzero, pins the run to start at this row
	// instead of the first sufficiently long run in the inventory.
	TestFirstRow uint64
	// TestLastRow, if nonzero, clips the run to end at this row.
	TestLastRow uint64

	Hammer   HammerFunc
	OnWindow OnWindow
	Cancel   Canceller
}

// Contiguous is the C5 flip finder: it slides a compiled hammer
// pattern across a run of physically contiguous owned pages.
type Contiguous struct {
	cfg         ContiguousConfig
	pageSize    uint64
	pagesPerRow uint64
	hammerPages uint64
	victimRows  int
}

// NewContiguous validates cfg and computes the fixed per-bank window
// geometry the pattern implies.
func NewContiguous(cfg ContiguousConfig) (*Contiguous, error) {
	if cfg.Layout == nil || cfg.Inventory == nil || cfg.Pattern == nil || cfg.Hammer == nil {
		return nil, fmt.Errorf("%w: layout, inventory, pattern, and hammer func are required", ErrConfigInvalid)
	}
	if len(cfg.Banks) == 0 {
		return nil, fmt.Errorf("%w: at least one bank must be requested", ErrConfigInvalid)
	}
	for _, b := range cfg.Banks {
		if int(b) >= cfg.Layout.BanksCount() {
			return nil, fmt.Errorf("%w: bank %d >= banks_cnt %d", ErrConfigInvalid, b, cfg.Layout.BanksCount())
		}
	}
	if cfg.Pattern.Len() == 0 {
		return nil, fmt.Errorf("%w: pattern has no victim/aggressor slots", ErrConfigInvalid)
	}

	pageSize := cfg.Inventory.PageSize()
	pagesPerRow := uint64(bitflip.RowSizeBytes) / pageSize
	if pagesPerRow == 0 {
		pagesPerRow = 1
	}

	hammerPages := uint64(cfg.Pattern.Len()) * pagesPerRow
	isFastOrDebug := cfg.IterStrategy == IterFast || cfg.IterStrategy == IterDebug
	if isFastOrDebug && hammerPages <= pagesPerRow {
		return nil, fmt.Errorf("%w: pattern spans only one row (%d pages), fast/debug stride (hammer_pages - pages_per_row) would be zero or underflow", ErrConfigInvalid, hammerPages)
	}

	return &Contiguous{
		cfg:         cfg,
		pageSize:    pageSize,
		pagesPerRow: pagesPerRow,
		hammerPages: hammerPages,
		victimRows:  cfg.Pattern.Len() - cfg.Pattern.AggressorCount(),
	}, nil
}

// FindFlips walks every configured bank in a run of contiguous owned
// pages, sliding the compiled pattern per the configured iteration
// strategy.
func (c *Contiguous) FindFlips() error {
	firstFrame, lastFrame, err := c.determineFrameRange()
	if err != nil {
		return err
	}

	banks := make(map[uint64][]uint64, len(c.cfg.Banks))
	for frame := firstFrame; frame <= lastFrame; frame++ {
		phys := frame * c.pageSize
		addr := c.cfg.Layout.Decode(phys)
		if !containsBank(c.cfg.Banks, addr.Bank) {
			continue
		}
		banks[addr.Bank] = append(banks[addr.Bank], phys)
	}
	for _, bank := range c.cfg.Banks {
		if uint64(len(banks[bank])) < c.hammerPages {
			return fmt.Errorf("%w: bank %d has %d pages in the run, need at least %d",
				ErrInsufficientOwnership, bank, len(banks[bank]), c.hammerPages)
		}
	}

	switch c.cfg.IterStrategy {
	case IterFast:
		return c.fastTest(banks)
	case IterDebug:
		return c.debugTest(banks)
	case IterDefault, "":
		return c.defaultTest(banks)
	default:
		return fmt.Errorf("%w: unknown iteration strategy %q", ErrConfigInvalid, c.cfg.IterStrategy)
	}
}

// defaultTest advances one row per iteration, so most rows get
// hammered more than once.
func (c *Contiguous) defaultTest(banks map[uint64][]uint64) error {
	for bank, pages := range banks {
		if uint64(len(pages)) < c.hammerPages {
			continue
		}
		for offset := uint64(0); offset+c.hammerPages <= uint64(len(pages)); offset += c.pagesPerRow {
			if c.cancelled() {
				return nil
			}
			if err := c.hammerWindow(bank, pages[offset:offset+c.hammerPages]); err != nil {
				return err
			}
		}
	}
	return nil
}

// fastTest hammers every row in a single pass: at each offset it
// hammers the window, then a one-row-shifted window, before advancing
// by a full window's worth minus one row, so consecutive windows
// overlap by exactly one row and every row is covered once.
func (c *Contiguous) fastTest(banks map[uint64][]uint64) error {
	stride := c.hammerPages - c.pagesPerRow
	for bank, pages := range banks {
		if uint64(len(pages)) < c.hammerPages {
			continue
		}
		for offset := uint64(0); offset+c.hammerPages <= uint64(len(pages)); offset += stride {
			if c.cancelled() {
				return nil
			}
			if err := c.hammerWindow(bank, pages[offset:offset+c.hammerPages]); err != nil {
				return err
			}

			shifted := offset + c.pagesPerRow
			if shifted+c.hammerPages > uint64(len(pages)) {
				continue
			}
			if c.cancelled() {
				return nil
			}
			if err := c.hammerWindow(bank, pages[shifted:shifted+c.hammerPages]); err != nil {
				return err
			}
		}
	}
	return nil
}

// debugTest is fastTest's single-window step restricted to the first
// configured bank, for quick manual verification runs.
func (c *Contiguous) debugTest(banks map[uint64][]uint64) error {
	bank := c.cfg.Banks[0]
	pages := banks[bank]
	stride := c.hammerPages - c.pagesPerRow

	for offset := uint64(0); offset+c.hammerPages <= uint64(len(pages)); offset += stride {
		if c.cancelled() {
			return nil
		}
		if err := c.hammerWindow(bank, pages[offset:offset+c.hammerPages]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Contiguous) cancelled() bool {
	return c.cfg.Cancel != nil && c.cfg.Cancel()
}

// hammerWindow builds a HammerAddrs from one contiguous window of
// pages, walking the pattern's slots by plain sequential index (the
// pattern's 'x' wildcards have no meaning here - they only widen
// row-offset spacing for the sparse finder).
func (c *Contiguous) hammerWindow(bank uint64, pages []uint64) error {
	var addrs bitflip.HammerAddrs
	firstRow := c.cfg.Layout.Decode(pages[0]).Row
	lastRow := c.cfg.Layout.Decode(pages[len(pages)-1]).Row

	for i, slot := range c.cfg.Pattern.Slots {
		offset := uint64(i) * c.pagesPerRow
		p0 := pages[offset]
		for j := uint64(0); j+1 < c.pagesPerRow; j++ {
			if pages[offset+j+1]-pages[offset+j] != c.pageSize {
				return fmt.Errorf("%w: pages within row offset %d are not physically adjacent", ErrInsufficientOwnership, i)
			}

			v0, ok := c.cfg.Inventory.FindPhysAddr(pages[offset+j])
			if !ok {
				return fmt.Errorf("%w: page within row offset %d has no virtual mapping", ErrInsufficientOwnership, i)
			}
			v1, ok := c.cfg.Inventory.FindPhysAddr(pages[offset+j+1])
			if !ok {
				return fmt.Errorf("%w: page within row offset %d has no virtual mapping", ErrInsufficientOwnership, i)
			}
			if v1-v0 != uintptr(c.pageSize) {
				return fmt.Errorf("%w: pages within row offset %d are physically adjacent but not virtually contiguous", ErrInsufficientOwnership, i)
			}
		}

		if slot.Aggressor {
			addrs.Aggs = append(addrs.Aggs, p0)
		} else {
			addrs.Victims = append(addrs.Victims, p0)
		}
	}

	result, err := c.cfg.Hammer(addrs)

	if errors.Is(err, bitflip.ErrPagesMissing) {
		if c.cfg.OnWindow != nil {
			c.cfg.OnWindow(WindowResult{
				Bank: bank, FirstRow: firstRow, LastRow: lastRow,
				Skipped: true, SkipReason: err.Error(),
			})
		}
		return nil
	}

	if c.cfg.OnWindow != nil {
		c.cfg.OnWindow(WindowResult{Bank: bank, FirstRow: firstRow, LastRow: lastRow, Result: result, Err: err})
	}
	return err
}

// determineFrameRange finds a run of physically contiguous frames
// long enough for the requested bank count and minimum row count,
// then clips it per TestLastRow/TestMaxRows.
func (c *Contiguous) determineFrameRange() (first, last uint64, err error) {
	minLen := uint64(len(c.cfg.Banks)) * uint64(c.cfg.TestMinRows) * c.pagesPerRow

	if c.cfg.TestFirstRow == 0 {
		first, last, err = c.findRun(minLen)
		if err != nil {
			return 0, 0, err
		}
		// Skip a row so we can be sure we allocated all pages in the
		// first row, and to reduce the chance of flipping a bit in
		// memory another process owns.
		firstRow := c.cfg.Layout.Decode(first*c.pageSize).Row + 1
		first, err = c.firstFrameInRow(firstRow)
		if err != nil {
			return 0, 0, err
		}
	} else {
		first, err = c.firstFrameInRow(c.cfg.TestFirstRow)
		if err != nil {
			return 0, 0, err
		}
	}

	last = first
	for frame := first; c.cfg.Inventory.Contains(frame); frame++ {
		last = frame
	}
	if last-first+1 < minLen {
		return 0, 0, fmt.Errorf("%w: found only %d contiguous pages starting at frame %d, need %d",
			ErrInsufficientOwnership, last-first+1, first, minLen)
	}

	if c.cfg.TestLastRow > 0 {
		boundary, err := c.firstFrameInRow(c.cfg.TestLastRow + 1)
		if err == nil && boundary > 0 && boundary-1 < last {
			last = boundary - 1
		}
	}
	if c.cfg.TestMaxRows > 0 {
		startRow := c.cfg.Layout.Decode(first * c.pageSize).Row
		boundary, err := c.firstFrameInRow(startRow + uint64(c.cfg.TestMaxRows))
		if err == nil && boundary > 0 && boundary-1 < last {
			last = boundary - 1
		}
	}

	return first, last, nil
}

// findRun walks the inventory's contiguous frame ranges looking for
// the first one at least minLen frames long.
func (c *Contiguous) findRun(minLen uint64) (first, last uint64, err error) {
	for _, r := range c.cfg.Inventory.Ranges() {
		if r.PageCount >= minLen {
			return r.StartFrame, r.StartFrame + r.PageCount - 1, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: no contiguous run of at least %d pages", ErrInsufficientOwnership, minLen)
}

// firstFrameInRow returns the frame holding the lowest physical
// address among every bank's (row, col=0) address, mirroring the
// original's search for a row's first page across all banks.
func (c *Contiguous) firstFrameInRow(row uint64) (uint64, error) {
	var minPhys uint64 = ^uint64(0)
	for bank := 0; bank < c.cfg.Layout.BanksCount(); bank++ {
		// Encode's reverse-check error is non-fatal by design (see
		// dramaddr.Layout.Encode); the returned address is still the
		// best candidate for this bank/row.
		phys, _ := c.cfg.Layout.Encode(dramaddr.Addr{Bank: uint64(bank), Row: row, Col: 0})
		if phys < minPhys {
			minPhys = phys
		}
	}
	if minPhys == ^uint64(0) {
		return 0, fmt.Errorf("%w: could not encode any bank address for row %d", ErrInsufficientOwnership, row)
	}
	return minPhys / c.pageSize, nil
}

func containsBank(banks []uint64, bank uint64) bool {
	for _, b := range banks {
		if b == bank {
			return true
		}
	}
	return false
}
