package hammerpattern

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	mrand "math/rand"
	"strings"
	"sync"
)

// ErrConfigInvalid is returned when a template or its parameters
// cannot produce a valid pattern.
var ErrConfigInvalid = errors.New("hammerpattern: invalid configuration")

// Slot is one victim or aggressor position in a compiled pattern.
type Slot struct {
	// Aggressor is true if this slot is an aggressor row, false if
	// it is a victim row.
	Aggressor bool

	// RowOffset is this slot's row offset relative to the pattern's
	// base row - i.e. its index within the full, uncollapsed
	// template sequence (including any 'x' symbols, which is why an
	// 'x' shifts the row offsets of subsequent slots even though it
	// does not itself appear in Slots).
	RowOffset int
}

// RandomSlot records where an 'x' symbol landed in the compiled
// sequence and which row offset was drawn for it. RandomSlot entries
// are not part of Pattern.Slots: an 'x' is neither a victim nor an
// aggressor.
type RandomSlot struct {
	// Position is this random slot's index in the full,
	// uncollapsed template sequence.
	Position int

	// RowOffset is the row offset drawn for this slot, uniformly
	// from [0, RandomArea).
	RowOffset int
}

// Pattern is the compiled output of Compile.
type Pattern struct {
	// Slots is the ordered sequence of victim/aggressor slots,
	// excluding any 'x' positions.
	Slots []Slot

	// Random holds metadata for every 'x' occurrence in the
	// template, in the order they were encountered.
	Random []RandomSlot

	// AggressorRows is the (possibly rounded-up) aggressor row
	// count this pattern was compiled to satisfy.
	AggressorRows int
}

// Len returns the number of victim/aggressor slots (excluding random
// slots).
func (p *Pattern) Len() int {
	return len(p.Slots)
}

// AggressorCount returns the number of slots marked as aggressors.
func (p *Pattern) AggressorCount() int {
	n := 0
	for _, s := range p.Slots {
		if s.Aggressor {
			n++
		}
	}
	return n
}

// aggressorsPerRepeat counts the 'a'/'1' symbols in a single copy of
// the (alias-normalized) template.
func aggressorsPerRepeat(normalized string) int {
	return strings.Count(normalized, "a")
}

// CompileOrExit calls Compile and invokes DefaultExitFn on error.
func CompileOrExit(template string, aggressorRows, randomArea int, rng *mrand.Rand) *Pattern {
	p, err := Compile(template, aggressorRows, randomArea, rng)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to compile hammer pattern %q - %w", template, err))
	}
	return p
}

// Compile expands template into a Pattern:
//
//  1. template must use only the alphabet {v, a, x, 0, 1}; 0 aliases
//     v, 1 aliases a.
//  2. the template is repeated the minimum whole number of times so
//     its aggressor count is >= aggressorRows; aggressorRows is
//     rounded up to an exact multiple of the per-repeat aggressor
//     count.
//  3. after repetition, a trailing 'v' is appended if the last
//     non-'x' symbol is not 'v'.
//  4. every 'x' expands to a row offset drawn uniformly from
//     [0, randomArea), distinct from offsets already chosen in this
//     pattern.
//
// rng may be nil, in which case a process-lifetime default source
// seeded from crypto/rand is used.
func Compile(template string, aggressorRows, randomArea int, rng *mrand.Rand) (*Pattern, error) {
	if template == "" {
		return nil, fmt.Errorf("%w: template cannot be empty", ErrConfigInvalid)
	}
	if aggressorRows < 0 {
		return nil, fmt.Errorf("%w: aggressorRows cannot be negative", ErrConfigInvalid)
	}

	normalized, err := normalizeAndValidate(template)
	if err != nil {
		return nil, err
	}

	aps := aggressorsPerRepeat(normalized)
	if aps == 0 {
		if aggressorRows > 0 {
			return nil, fmt.Errorf("%w: template %q has no aggressor slots but aggressorRows=%d",
				ErrConfigInvalid, template, aggressorRows)
		}
		aps = 1 // repeat exactly once; nothing to round.
	}

	k := (aggressorRows + aps - 1) / aps
	if k == 0 {
		k = 1
	}
	actualAggressorRows := k * aps

	full := strings.Repeat(normalized, k)
	if lastNonX := lastNonXSymbol(full); lastNonX != 'v' {
		full += "v"
	}

	if strings.Contains(full, "x") {
		if randomArea <= 0 {
			return nil, fmt.Errorf("%w: template %q contains 'x' but randomArea is %d",
				ErrConfigInvalid, template, randomArea)
		}
	}

	if rng == nil {
		rng = defaultRand()
	}

	pattern := &Pattern{AggressorRows: actualAggressorRows}
	used := make(map[int]bool)

	for i := 0; i < len(full); i++ {
		switch full[i] {
		case 'v':
			pattern.Slots = append(pattern.Slots, Slot{Aggressor: false, RowOffset: i})
		case 'a':
			pattern.Slots = append(pattern.Slots, Slot{Aggressor: true, RowOffset: i})
		case 'x':
			offset, err := pickUnused(rng, randomArea, used)
			if err != nil {
				return nil, err
			}
			used[offset] = true
			pattern.Random = append(pattern.Random, RandomSlot{Position: i, RowOffset: offset})
		}
	}

	return pattern, nil
}

// pickUnused rejection-samples a value in [0, n) not already present
// in used, capping retries at 4*n per original_source's
// generate_random_fill_up, which gives up rather than looping forever
// when the random area is too small for the number of 'x' slots
// requested.
func pickUnused(rng *mrand.Rand, n int, used map[int]bool) (int, error) {
	maxTries := 4 * n
	if maxTries < 4 {
		maxTries = 4
	}
	for try := 0; try < maxTries; try++ {
		v := rng.Intn(n)
		if !used[v] {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: random area of size %d is too small for the number of distinct 'x' slots requested",
		ErrConfigInvalid, n)
}

// lastNonXSymbol returns the last 'v' or 'a' symbol in s, skipping any
// trailing 'x' symbols, or 0 if s consists entirely of 'x'.
func lastNonXSymbol(s string) byte {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != 'x' {
			return s[i]
		}
	}
	return 0
}

func normalizeAndValidate(template string) (string, error) {
	var b strings.Builder
	b.Grow(len(template))
	for i := 0; i < len(template); i++ {
		switch template[i] {
		case 'v', '0':
			b.WriteByte('v')
		case 'a', '1':
			b.WriteByte('a')
		case 'x':
			b.WriteByte('x')
		default:
			return "", fmt.Errorf("%w: unsupported character %q in template %q at index %d",
				ErrConfigInvalid, string(template[i]), template, i)
		}
	}
	return b.String(), nil
}

var (
	defaultRandOnce sync.Once
	defaultRandInst *mrand.Rand
)

func defaultRand() *mrand.Rand {
	defaultRandOnce.Do(func() {
		var seedBytes [8]byte
		if _, err := rand.Read(seedBytes[:]); err != nil {
			defaultRandInst = mrand.New(mrand.NewSource(1))
			return
		}
		seed := int64(binary.LittleEndian.Uint64(seedBytes[:]))
		defaultRandInst = mrand.New(mrand.NewSource(seed))
	})
	return defaultRandInst
}

// popcountByte is a small helper retained for symmetry with dramaddr's
// bit-counting helpers; its only caller is TestPopcountByteSanity.
func popcountByte(b byte) int {
	return bits.OnesCount8(b)
}
