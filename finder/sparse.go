package finder

import (
	"errors"
	"fmt"
	"sort"

	"github.com/knapsack-labs/rowhammer/bitflip"
	"github.com/knapsack-labs/rowhammer/dramaddr"
	"github.com/knapsack-labs/rowhammer/hammerpattern"
	"github.com/knapsack-labs/rowhammer/pageinventory"
)

// SparseConfig configures a Sparse finder.
type SparseConfig struct {
	Layout    *dramaddr.Layout
	Inventory *pageinventory.Inventory
	Pattern   *hammerpattern.Pattern
	Banks     []uint64

	IterStrategy IterStrategy

	// RowPadding widens the missing-row ownership check on both
	// sides of a window, so a window is refused whenever any row in
	// [firstVictim-RowPadding, lastVictim+RowPadding] belongs to a
	// bank's missing-row set.
	RowPadding int

	TestFirstRow uint64
	TestLastRow  uint64

	Hammer   HammerFunc
	OnWindow OnWindow
	Cancel   Canceller
}

// Sparse is the C6 flip finder: it walks any owned set of pages (no
// contiguity requirement), skipping row windows whose padded
// neighbourhood has a gap, to avoid corrupting pages another process
// owns.
type Sparse struct {
	cfg         SparseConfig
	pageSize    uint64
	hammerRows  uint64
	missingRows map[uint64][]uint64 // bank -> sorted missing rows
}

// NewSparse validates cfg and precomputes each bank's missing-row set
// from the inventory's ownership bounds.
func NewSparse(cfg SparseConfig) (*Sparse, error) {
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

	hammerRows := uint64(lastRowSpan(cfg.Pattern))
	isFastOrDebug := cfg.IterStrategy == IterFast || cfg.IterStrategy == IterDebug
	if isFastOrDebug && hammerRows <= 1 {
		return nil, fmt.Errorf("%w: pattern spans only one row, fast/debug stride (hammer_rows - 1) would be zero", ErrConfigInvalid)
	}

	s := &Sparse{
		cfg:         cfg,
		pageSize:    cfg.Inventory.PageSize(),
		hammerRows:  hammerRows,
		missingRows: map[uint64][]uint64{},
	}
	s.findMissingRows()
	return s, nil
}

// lastRowSpan is the number of row positions the compiled template
// spans, including 'x' gaps - the row-index analogue of hammer_rows.
func lastRowSpan(p *hammerpattern.Pattern) int {
	span := len(p.Slots) + len(p.Random)
	if span == 0 {
		return 0
	}
	return span
}

// findMissingRows records, per bank, every row with at least one page
// outside the inventory within the inventory's own frame bounds.
func (s *Sparse) findMissingRows() {
	firstFrame, _, ok1 := s.cfg.Inventory.Front()
	lastFrame, _, ok2 := s.cfg.Inventory.Back()
	if !ok1 || !ok2 {
		return
	}

	seen := map[uint64]map[uint64]bool{}
	for frame := firstFrame; frame <= lastFrame; frame++ {
		if s.cfg.Inventory.Contains(frame) {
			continue
		}
		addr := s.cfg.Layout.Decode(frame * s.pageSize)
		if seen[addr.Bank] == nil {
			seen[addr.Bank] = map[uint64]bool{}
		}
		if !seen[addr.Bank][addr.Row] {
			seen[addr.Bank][addr.Row] = true
			s.missingRows[addr.Bank] = append(s.missingRows[addr.Bank], addr.Row)
		}
	}
	for bank := range s.missingRows {
		sort.Slice(s.missingRows[bank], func(i, j int) bool { return s.missingRows[bank][i] < s.missingRows[bank][j] })
	}
}

// isAnyRowMissing reports whether any row in
// [firstVictim-RowPadding, lastVictim+RowPadding] is in bank's
// missing-row set.
func (s *Sparse) isAnyRowMissing(bank, firstVictim, lastVictim uint64) bool {
	padding := uint64(s.cfg.RowPadding)
	lo := int64(firstVictim) - int64(padding)
	hi := lastVictim + padding

	for _, row := range s.missingRows[bank] {
		if int64(row) >= lo && row <= hi {
			return true
		}
	}
	return false
}

// rowBounds finds the lowest and highest owned row for bank within
// the inventory, tightened by TestFirstRow/TestLastRow.
func (s *Sparse) rowBounds(bank uint64) (first, last uint64, ok bool) {
	firstFrame, _, ok1 := s.cfg.Inventory.Front()
	lastFrame, _, ok2 := s.cfg.Inventory.Back()
	if !ok1 || !ok2 {
		return 0, 0, false
	}

	first = ^uint64(0)
	for frame := firstFrame; frame <= lastFrame; frame++ {
		if !s.cfg.Inventory.Contains(frame) {
			continue
		}
		addr := s.cfg.Layout.Decode(frame * s.pageSize)
		if addr.Bank != bank {
			continue
		}
		if addr.Row < first {
			first = addr.Row
		}
		if addr.Row > last {
			last = addr.Row
		}
	}
	if first == ^uint64(0) {
		return 0, 0, false
	}

	if s.cfg.TestFirstRow != 0 && s.cfg.TestFirstRow > first {
		first = s.cfg.TestFirstRow
	}
	if s.cfg.TestLastRow != 0 && s.cfg.TestLastRow < last {
		last = s.cfg.TestLastRow
	}
	return first, last, last >= first
}

// FindFlips walks every configured bank's owned row range per the
// configured iteration strategy.
func (s *Sparse) FindFlips() error {
	switch s.cfg.IterStrategy {
	case IterFast:
		return s.forEachBank(s.fastTest)
	case IterDebug:
		if len(s.cfg.Banks) == 0 {
			return nil
		}
		return s.runBank(s.cfg.Banks[0], s.fastTest)
	case IterDefault, "":
		return s.forEachBank(s.defaultTest)
	default:
		return fmt.Errorf("%w: unknown iteration strategy %q", ErrConfigInvalid, s.cfg.IterStrategy)
	}
}

func (s *Sparse) forEachBank(test func(bank, first, last uint64) error) error {
	for _, bank := range s.cfg.Banks {
		if err := s.runBank(bank, test); err != nil {
			return err
		}
		if s.cancelled() {
			return nil
		}
	}
	return nil
}

func (s *Sparse) runBank(bank uint64, test func(bank, first, last uint64) error) error {
	first, last, ok := s.rowBounds(bank)
	if !ok {
		return nil
	}
	return test(bank, first, last)
}

// defaultTest advances one row per iteration.
func (s *Sparse) defaultTest(bank, first, last uint64) error {
	if s.hammerRows == 0 || last-first+1 < s.hammerRows {
		return nil
	}
	for row := first; row+s.hammerRows-1 <= last; row++ {
		if s.cancelled() {
			return nil
		}
		if err := s.hammerWindow(bank, row); err != nil {
			return err
		}
	}
	return nil
}

// fastTest steps by hammerRows-1 so windows overlap by one row.
func (s *Sparse) fastTest(bank, first, last uint64) error {
	if s.hammerRows == 0 || last-first+1 < s.hammerRows {
		return nil
	}
	stride := s.hammerRows - 1
	if stride == 0 {
		stride = 1
	}
	for row := first; row+s.hammerRows-1 <= last; row += stride {
		if s.cancelled() {
			return nil
		}
		if err := s.hammerWindow(bank, row); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sparse) cancelled() bool {
	return s.cfg.Cancel != nil && s.cfg.Cancel()
}

// hammerWindow builds a HammerAddrs for the window starting at
// victim row firstVictim, refusing the attempt (without error) if the
// padded row range touches a missing row.
func (s *Sparse) hammerWindow(bank, firstVictim uint64) error {
	var addrs bitflip.HammerAddrs
	lastVictim := firstVictim

	for _, slot := range s.cfg.Pattern.Slots {
		row := firstVictim + uint64(slot.RowOffset)
		if row > lastVictim {
			lastVictim = row
		}
	}

	if s.isAnyRowMissing(bank, firstVictim, lastVictim) {
		if s.cfg.OnWindow != nil {
			s.cfg.OnWindow(WindowResult{
				Bank: bank, FirstRow: firstVictim, LastRow: lastVictim,
				Skipped: true, SkipReason: "row missing in padded neighbourhood",
			})
		}
		return nil
	}

	for _, slot := range s.cfg.Pattern.Slots {
		row := firstVictim + uint64(slot.RowOffset)
		phys, _ := s.cfg.Layout.Encode(dramaddr.Addr{Bank: bank, Row: row, Col: 0})
		if slot.Aggressor {
			addrs.Aggs = append(addrs.Aggs, phys)
		} else {
			addrs.Victims = append(addrs.Victims, phys)
		}
	}

	result, err := s.cfg.Hammer(addrs)

	if errors.Is(err, bitflip.ErrPagesMissing) {
		if s.cfg.OnWindow != nil {
			s.cfg.OnWindow(WindowResult{
				Bank: bank, FirstRow: firstVictim, LastRow: lastVictim,
				Skipped: true, SkipReason: err.Error(),
			})
		}
		return nil
	}

	if s.cfg.OnWindow != nil {
		s.cfg.OnWindow(WindowResult{Bank: bank, FirstRow: firstVictim, LastRow: lastVictim, Result: result, Err: err})
	}
	return err
}
