// Package hammerpattern compiles a textual aggressor/victim template
// such as "va", "vavavvav", or "avax" into an ordered Pattern of fixed
// length: the template is repeated until it covers a target number of
// aggressor rows, normalized to end on a victim slot, and any 'x'
// wildcards are resolved to distinct random row offsets.
package hammerpattern
