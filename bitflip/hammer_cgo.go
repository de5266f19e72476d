//go:build linux && amd64

package bitflip

/*
#cgo CFLAGS: -O2
#include <x86intrin.h>
#include <stdint.h>
#include <stdlib.h>
#include <sched.h>

static inline void bh_clflush(void *addr) {
#if defined(__CLFLUSHOPT__)
	_mm_clflushopt(addr);
#else
	_mm_clflush(addr);
#endif
}

static inline void bh_mfence(void) {
	_mm_mfence();
}

static inline uint64_t bh_rdtscp(void) {
	unsigned int aux;
	return (uint64_t)__rdtscp(&aux);
}

// bh_hammer_default performs count outer iterations: one volatile
// load of every aggressor followed by a cache-line flush of every
// aggressor.
static void bh_hammer_default(void **aggs, int n, uint64_t count) {
	for (uint64_t i = 0; i < count; i++) {
		for (int j = 0; j < n; j++) {
			volatile int v = *(volatile int *)aggs[j];
			(void)v;
		}
		for (int j = 0; j < n; j++) {
			bh_clflush(aggs[j]);
		}
	}
}

// bh_hammer_assembly mirrors hammer_aggs_assembly: with clflush,
// flush immediately follows each load; with clflushopt, all loads
// precede all flushes.
static void bh_hammer_assembly(void **aggs, int n, uint64_t count) {
	for (uint64_t i = 0; i < count; i++) {
#if defined(__CLFLUSHOPT__)
		for (int j = 0; j < n; j++) {
			__asm__ volatile("movq (%0), %%rax" : : "r"(aggs[j]) : "%rax", "memory");
		}
		for (int j = 0; j < n; j++) {
			bh_clflush(aggs[j]);
		}
#else
		for (int j = 0; j < n; j++) {
			__asm__ volatile(
				"movq (%0), %%rax\n\t"
				"clflush (%0)"
				: : "r"(aggs[j]) : "%rax", "memory");
		}
#endif
	}
}

// bh_hammer_trrespass yields the scheduler, optionally spins until a
// refresh-sized rdtscp delta is observed, then loops count times
// fencing, loading every aggressor, then flushing every aggressor.
static void bh_hammer_trrespass(void **aggs, int n, uint64_t count, uint64_t threshold) {
	sched_yield();

	if (threshold > 0 && n > 0) {
		int64_t t0 = 0, t1 = 0;
		int64_t delta = 0;
		do {
			t0 = (int64_t)bh_rdtscp();
			volatile char v = *(volatile char *)aggs[0];
			(void)v;
			bh_clflush(aggs[0]);
			t1 = (int64_t)bh_rdtscp();
			delta = t1 - t0;
			if (delta < 0) {
				delta = -delta;
			}
		} while (delta < (int64_t)threshold);
	}

	for (uint64_t i = 0; i < count; i++) {
		bh_mfence();
		for (int j = 0; j < n; j++) {
			volatile char v = *(volatile char *)aggs[j];
			(void)v;
		}
		for (int j = 0; j < n; j++) {
			bh_clflush(aggs[j]);
		}
	}
}

// bh_refresh_sync implements the blacksmith head/tail sync phase:
// flush the sync set, then loop accessing it until an observed
// rdtscp delta exceeds 1000 cycles (presumed refresh), counting the
// number of accesses performed.
static uint64_t bh_refresh_sync(void **syncAggs, int n) {
	for (int j = 0; j < n; j++) {
		bh_clflush(syncAggs[j]);
	}

	uint64_t activations = 0;
	uint64_t t0 = bh_rdtscp();
	uint64_t t1 = t0;
	while (t1 - t0 < 1000) {
		for (int j = 0; j < n; j++) {
			volatile char v = *(volatile char *)syncAggs[j];
			(void)v;
		}
		activations++;
		t1 = bh_rdtscp();
	}
	return activations;
}

// bh_hammer_blacksmith_body runs the fixed outer loop over the
// user-ordered aggressor set, flushing before or after each access per
// flushBeforeAccess, fencing immediately after that flush when
// fenceAfterFlush is set, and closing every full pass over the
// ordered set with a single mfence so aggressor order can't be
// reshuffled by the memory subsystem across passes.
static void bh_hammer_blacksmith_body(void **ordered, int n, uint64_t totalActivations, int flushBeforeAccess, int fenceAfterFlush) {
	while (totalActivations > 0) {
		for (int j = 0; j < n && totalActivations > 0; j++) {
			if (flushBeforeAccess) {
				bh_clflush(ordered[j]);
				if (fenceAfterFlush) {
					bh_mfence();
				}
			}
			volatile char v = *(volatile char *)ordered[j];
			(void)v;
			if (!flushBeforeAccess) {
				bh_clflush(ordered[j]);
				if (fenceAfterFlush) {
					bh_mfence();
				}
			}
			totalActivations--;
		}
		bh_mfence();
	}
}

*/
import "C"

import (
	"time"
	"unsafe"
)

func toCPtrs(addrs []uintptr) []unsafe.Pointer {
	ptrs := make([]unsafe.Pointer, len(addrs))
	for i, a := range addrs {
		ptrs[i] = unsafe.Pointer(a) //nolint:govet // addresses point outside the Go heap.
	}
	return ptrs
}

func cPtrsArg(ptrs []unsafe.Pointer) *unsafe.Pointer {
	if len(ptrs) == 0 {
		return nil
	}
	return &ptrs[0]
}

func flushLine(addr uintptr) {
	C.bh_clflush(unsafe.Pointer(addr)) //nolint:govet
}

func hammerDefault(virtAggs []uintptr, count uint64) time.Duration {
	ptrs := toCPtrs(virtAggs)
	start := time.Now()
	C.bh_hammer_default((*unsafe.Pointer)(cPtrsArg(ptrs)), C.int(len(ptrs)), C.uint64_t(count))
	return time.Since(start)
}

func hammerAssembly(virtAggs []uintptr, count uint64) time.Duration {
	ptrs := toCPtrs(virtAggs)
	start := time.Now()
	C.bh_hammer_assembly((*unsafe.Pointer)(cPtrsArg(ptrs)), C.int(len(ptrs)), C.uint64_t(count))
	return time.Since(start)
}

func hammerTRRespass(virtAggs []uintptr, count, threshold uint64) time.Duration {
	ptrs := toCPtrs(virtAggs)
	start := time.Now()
	C.bh_hammer_trrespass((*unsafe.Pointer)(cPtrsArg(ptrs)), C.int(len(ptrs)), C.uint64_t(count), C.uint64_t(threshold))
	return time.Since(start)
}

func refreshSync(syncAggs []uintptr) uint64 {
	ptrs := toCPtrs(syncAggs)
	return uint64(C.bh_refresh_sync((*unsafe.Pointer)(cPtrsArg(ptrs)), C.int(len(ptrs))))
}

func hammerBlacksmithBody(ordered []uintptr, total uint64, flushBeforeAccess, fenceAfterFlush bool) {
	ptrs := toCPtrs(ordered)
	flush := C.int(0)
	if flushBeforeAccess {
		flush = 1
	}
	fence := C.int(0)
	if fenceAfterFlush {
		fence = 1
	}
	C.bh_hammer_blacksmith_body((*unsafe.Pointer)(cPtrsArg(ptrs)), C.int(len(ptrs)), C.uint64_t(total), flush, fence)
}
