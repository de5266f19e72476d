//go:build linux && amd64

// Package hammerprog hand-emits the raw x86-64 machine code the
// "machinecode" bitflip algorithm runs and executes it from an
// anonymous executable mapping, keeping the codegen and its mapping
// lifecycle isolated from the cgo-backed algorithms in bitflip
// itself.
package hammerprog

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	"github.com/tebeka/atexit"
	"golang.org/x/sys/unix"

	"github.com/knapsack-labs/rowhammer/asmkit"
)

// Debug, when true, disassembles a built program and logs each
// instruction before Run executes it.
var Debug = false

// liveMem tracks the executable mapping a Run call currently has open,
// so the atexit hook below can reclaim it if the process is killed
// mid-hammer instead of leaking an RWX mapping past process exit.
var (
	liveMu     sync.Mutex
	liveMem    []byte
	atexitOnce sync.Once
)

func registerExitCleanup() {
	atexitOnce.Do(func() {
		atexit.Register(func() {
			liveMu.Lock()
			mem := liveMem
			liveMem = nil
			liveMu.Unlock()
			if mem != nil {
				unix.Munmap(mem)
			}
		})
	})
}

// Build hand-emits the exact instruction sequence the machinecode
// algorithm executes: a decrementing outer loop that, per aggressor,
// moves its address into a register, reads through it, pads with
// nopCount NOPs, flushes the line, then closes with an mfence, a
// decrement, and a conditional jump back to the loop head.
func Build(virtAggs []uintptr, hammerCount uint64, nopCount int) []byte {
	functionStart := []byte{
		0xf3, 0x0f, 0x1e, 0xfa, // endbr64
		0x55,             // push rbp
		0x48, 0x89, 0xe5, // mov rbp, rsp
		0x48, 0xc7, 0xc3, // mov rbx, <hammercount> (imm32 follows)
	}
	movAggAddr := []byte{0x48, 0xb8}     // movabs rax, <imm64>
	hammerAgg := []byte{0x48, 0x8b, 0x08} // mov rcx, [rax]
	flushAgg := []byte{0x0f, 0xae, 0x38}  // clflush [rax]
	funcEndStart := []byte{
		0x0f, 0xae, 0xf0, // mfence
		0x48, 0xff, 0xcb, // dec rbx
		0x0f, 0x85, // jnz rel32 (imm32 follows)
	}
	funcEndEnd := []byte{0x5d, 0xc3} // pop rbp; ret

	accessNopFlush := make([]byte, 0, len(hammerAgg)+nopCount+len(flushAgg))
	accessNopFlush = append(accessNopFlush, hammerAgg...)
	for i := 0; i < nopCount; i++ {
		accessNopFlush = append(accessNopFlush, 0x90)
	}
	accessNopFlush = append(accessNopFlush, flushAgg...)

	program := make([]byte, 0, 256)
	program = append(program, functionStart...)
	program = appendUint32LE(program, uint32(hammerCount))

	for _, agg := range virtAggs {
		program = append(program, movAggAddr...)
		program = appendUint64LE(program, uint64(agg))
		program = append(program, accessNopFlush...)
	}

	loopSize := len(movAggAddr) + 8 + len(accessNopFlush)
	funcEndTillOffsetParamSize := (len(funcEndStart) + 4) - 1
	jumpOffset := ^uint32(0) - uint32(loopSize*len(virtAggs)+funcEndTillOffsetParamSize)

	program = append(program, funcEndStart...)
	program = appendUint32LE(program, jumpOffset)
	program = append(program, funcEndEnd...)

	return program
}

// Run places code in an executable anonymous mapping, calls it as a
// function, then unmaps it. The mapping is tracked for the lifetime of
// the call so the package's atexit hook can reclaim it if the process
// exits before Run returns normally.
func Run(code []byte) error {
	registerExitCleanup()

	if Debug {
		logDisassembly(code)
	}

	mem, err := unix.Mmap(-1, 0, len(code),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("failed to mmap executable region for hand-emitted hammer loop - %w", err)
	}
	liveMu.Lock()
	liveMem = mem
	liveMu.Unlock()
	defer func() {
		liveMu.Lock()
		liveMem = nil
		liveMu.Unlock()
		unix.Munmap(mem)
	}()

	copy(mem, code)
	callJIT(mem)
	return nil
}

func logDisassembly(code []byte) {
	disass, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{
		Syntax: asmkit.IntelSyntax,
		Bits:   64,
	})
	if err != nil {
		log.Printf("hammerprog: failed to build disassembler - %v", err)
		return
	}

	err = disass.All(code, func(inst asmkit.Inst) error {
		log.Printf("hammerprog[%d]: % x  %s", inst.Index, inst.Bin, inst.Dis)
		return nil
	})
	if err != nil {
		log.Printf("hammerprog: disassembly stopped early - %v", err)
	}
}

func appendUint32LE(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func appendUint64LE(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}
