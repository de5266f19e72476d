// Package asmkit wraps golang.org/x/arch/x86/x86asm to decode raw
// machine code, used to sanity-check hand-emitted hammer loops before
// they run in an executable mapping.
package asmkit

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Syntax selects how a decoded instruction is rendered to text.
type Syntax string

const (
	SkipSyntax  Syntax = ""
	ATTSyntax   Syntax = "att"
	GoSyntax    Syntax = "go"
	IntelSyntax Syntax = "intel"
)

// DisassemblerConfig configures a Disassembler.
type DisassemblerConfig struct {
	Syntax Syntax
	// Bits is the processor mode: 16, 32, or 64.
	Bits int
}

// NewDisassembler builds a Disassembler for x86/x86-64 machine code.
func NewDisassembler(config DisassemblerConfig) (*Disassembler, error) {
	var disassemblyFn func(inst x86asm.Inst) string
	switch config.Syntax {
	case SkipSyntax:
		// Do nothing.
	case ATTSyntax:
		disassemblyFn = func(inst x86asm.Inst) string { return x86asm.GNUSyntax(inst, 0, nil) }
	case GoSyntax:
		disassemblyFn = func(inst x86asm.Inst) string { return x86asm.GoSyntax(inst, 0, nil) }
	case IntelSyntax:
		disassemblyFn = func(inst x86asm.Inst) string { return x86asm.IntelSyntax(inst, 0, nil) }
	default:
		return nil, fmt.Errorf("unsupported syntax type for x86: %q", config.Syntax)
	}

	if config.Bits != 16 && config.Bits != 32 && config.Bits != 64 {
		return nil, fmt.Errorf("unsupported processor mode: %d bits", config.Bits)
	}

	return &Disassembler{
		bits: config.Bits,
		disassemblyFn: func(inst x86asm.Inst) string {
			if disassemblyFn == nil {
				return ""
			}
			return disassemblyFn(inst)
		},
	}, nil
}

// Disassembler decodes a stream of x86/x86-64 instructions.
type Disassembler struct {
	bits          int
	disassemblyFn func(x86asm.Inst) string
}

// All decodes every instruction in rawInstructions in order, calling
// onDecodeFn for each. Decoding stops at the first error, including
// running out of bytes mid-instruction.
func (d *Disassembler) All(rawInstructions []byte, onDecodeFn func(Inst) error) error {
	index := 0

	for index < len(rawInstructions) {
		inst, err := d.Next(rawInstructions[index:])
		if err != nil {
			return fmt.Errorf("failed to decode instruction %d - %w - remaining data: 0x%x",
				index, err, rawInstructions[index:])
		}

		inst.Index = index

		if err := onDecodeFn(inst); err != nil {
			return fmt.Errorf("on decode function failed for instruction %d (%q) - %w",
				index, inst.Dis, err)
		}

		index += inst.Len
	}

	return nil
}

// Next decodes a single instruction from the start of rawInstructions.
func (d *Disassembler) Next(rawInstructions []byte) (Inst, error) {
	x86Inst, err := x86asm.Decode(rawInstructions, d.bits)
	if err != nil {
		return Inst{}, err
	}

	return Inst{
		Bin:  copySlice(rawInstructions, x86Inst.Len),
		Len:  x86Inst.Len,
		Dis:  d.disassemblyFn(x86Inst),
		Inst: x86Inst,
	}, nil
}

func copySlice(src []byte, numBytes int) []byte {
	cp := make([]byte, numBytes)
	copy(cp, src[0:numBytes])
	return cp
}

// Inst is one decoded instruction.
type Inst struct {
	Bin   []byte
	Len   int
	Index int
	Dis   string
	Inst  x86asm.Inst
}
