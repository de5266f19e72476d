// Package dramaddr implements a reversible translation between a
// physical byte address and a (bank, row, col) triple, driven by a
// user-supplied set of XOR hash functions and row/column bitmasks.
//
// A Layout is built once from configuration and is immutable and safe
// for concurrent use for the remaining lifetime of the process. Decode
// never fails. Encode can fail its own round-trip self-check; when
// that happens it still returns its best-effort address alongside a
// wrapped ErrLayoutReverseCheckFailed, matching the historical
// behaviour this package was ported from (see spec §4.1).
package dramaddr
