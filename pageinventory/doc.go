// Package pageinventory reserves a large block of anonymous memory and
// walks the kernel's pagemap to learn which physical frames back it.
// The result is an ordered Inventory mapping physical frame numbers to
// offsets within the reservation, used by the finder packages to
// locate physically adjacent or same-bank pages without ever trusting
// virtual-address contiguity.
package pageinventory
