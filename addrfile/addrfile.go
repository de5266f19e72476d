// Package addrfile parses the addresses-file format: one candidate
// per line, comma-separated hex fields. The first field is ignored,
// the last field is a victim byte address truncated down to the
// start of its 8 KiB row, and the interior fields are aggressor
// physical addresses.
package addrfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/knapsack-labs/rowhammer/bitflip"
)

// ErrMalformedLine is returned for a line that does not have enough
// fields or whose fields do not parse as hex addresses.
var ErrMalformedLine = errors.New("addrfile: malformed line")

// Candidate is one parsed HammerAddrs candidate, plus the line it
// came from for error reporting.
type Candidate struct {
	Line   int
	Aggs   []uint64
	Victim uint64
}

// Parse reads every non-blank line from r, returning one Candidate
// per line in order. It stops at the first malformed line.
func Parse(r io.Reader) ([]Candidate, error) {
	var out []Candidate

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		c, err := parseLine(line, lineNo)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read addresses file - %w", err)
	}

	return out, nil
}

func parseLine(line string, lineNo int) (Candidate, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 3 {
		return Candidate{}, fmt.Errorf("%w: line %d has %d fields, need at least 3 (label, aggressor, victim)",
			ErrMalformedLine, lineNo, len(fields))
	}

	// fields[0] is a label, ignored.
	aggFields := fields[1 : len(fields)-1]
	victimField := fields[len(fields)-1]

	aggs := make([]uint64, 0, len(aggFields))
	for i, f := range aggFields {
		addr, err := parseHex(f)
		if err != nil {
			return Candidate{}, fmt.Errorf("%w: line %d aggressor field %d - %v", ErrMalformedLine, lineNo, i, err)
		}
		aggs = append(aggs, addr)
	}

	victim, err := parseHex(victimField)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: line %d victim field - %v", ErrMalformedLine, lineNo, err)
	}
	victim -= victim % bitflip.RowSizeBytes

	return Candidate{Line: lineNo, Aggs: aggs, Victim: victim}, nil
}

func parseHex(field string) (uint64, error) {
	field = strings.TrimSpace(field)
	field = strings.TrimPrefix(field, "0x")
	field = strings.TrimPrefix(field, "0X")
	return strconv.ParseUint(field, 16, 64)
}
