package asmkit_test

import (
	"fmt"
	"log"
	"testing"

	"github.com/knapsack-labs/rowhammer/asmkit"
)

func ExampleDisassembler() {
	// exit(1) syscall shellcode by Charles Stevenson:
	// http://shell-storm.org/shellcode/files/shellcode-55.php
	code := []byte{0x31, 0xc0, 0x40, 0x89, 0xc3, 0xcd, 0x80}

	disass, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{
		Syntax: asmkit.IntelSyntax,
		Bits:   32,
	})
	if err != nil {
		log.Fatalln(err)
	}

	err = disass.All(code, func(inst asmkit.Inst) error {
		fmt.Println(inst.Dis)
		return nil
	})
	if err != nil {
		log.Fatalln(err)
	}

	// Output:
	// xor eax, eax
	// inc eax
	// mov ebx, eax
	// int 0x80
}

func TestDisassemblerRejectsUnsupportedSyntax(t *testing.T) {
	_, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{Syntax: "bogus", Bits: 64})
	if err == nil {
		t.Fatal("expected an error for an unsupported syntax")
	}
}

func TestDisassemblerRejectsUnsupportedBits(t *testing.T) {
	_, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{Syntax: asmkit.IntelSyntax, Bits: 8})
	if err == nil {
		t.Fatal("expected an error for an unsupported processor mode")
	}
}
