// Package rowhammer is the root of a Rowhammer bit-flip discovery
// toolkit for DRAM.
//
// Subpackages are separated by concern and documented accordingly:
//
//   - dramaddr translates between physical byte addresses and
//     (bank, row, col) triples.
//   - hammerpattern compiles textual aggressor/victim templates into
//     concrete hammer patterns.
//   - pageinventory allocates a large memory reservation and indexes
//     the physical frames the process actually owns.
//   - bitflip drives the hammering primitive itself.
//   - finder walks a page inventory looking for candidate hammer
//     windows, either over a contiguous run or a sparse owned set.
//   - experiment orchestrates repeated finder runs across
//     repetitions, timeouts, and temperatures.
//
// For scripting convenience, several "OrExit" functions and methods
// are provided across these packages. Any errors encountered by these
// functions are treated as fatal, invoking an exit handler function.
package rowhammer
