package pageinventory

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sys/unix"
)

// PageSize identifies the granularity of an allocation.
type PageSize int

const (
	// PageSize4KiB is a regular, non-huge anonymous mapping.
	PageSize4KiB PageSize = iota
	// PageSize2MiB requests 2 MiB huge pages.
	PageSize2MiB
	// PageSize1GiB requests 1 GiB huge pages.
	PageSize1GiB
)

// Bytes returns the byte size of one page of this size class.
func (p PageSize) Bytes() uint64 {
	switch p {
	case PageSize2MiB:
		return 2 << 20
	case PageSize1GiB:
		return 1 << 30
	default:
		return 4 << 10
	}
}

func (p PageSize) String() string {
	switch p {
	case PageSize2MiB:
		return "2mb"
	case PageSize1GiB:
		return "1gb"
	default:
		return "4kb"
	}
}

// mapHuge2MB and mapHuge1GB mirror the size-encoding scheme MAP_HUGETLB
// expects in the high bits of the mmap flags argument. golang.org/x/sys/unix
// does not always export these on every build, so they are computed the
// same way the kernel headers do: unix.MAP_HUGE_SHIFT is a stable ABI
// constant even when the size-specific macros are missing.
const (
	mapHuge2MB = 21 << unix.MAP_HUGE_SHIFT
	mapHuge1GB = 30 << unix.MAP_HUGE_SHIFT
)

// AllocConfig configures a single memory reservation.
type AllocConfig struct {
	// PageSize selects the mapping's page granularity.
	PageSize PageSize

	// MemoryBytes is the reservation size for PageSize4KiB. If zero,
	// it is computed as AllocatePercentage times the system's free
	// RAM.
	MemoryBytes uint64

	// AllocatePercentage is used to derive MemoryBytes when it is
	// zero and PageSize is PageSize4KiB. Expressed as a fraction,
	// e.g. 0.5 for 50%.
	AllocatePercentage float64

	// HugepageCount is the number of huge pages to reserve when
	// PageSize is PageSize2MiB or PageSize1GiB.
	HugepageCount uint32

	// UseFreeMemory, when set and PageSize is a huge-page size,
	// overrides HugepageCount with the system's current free
	// huge-page count.
	UseFreeMemory bool
}

// AllocateOrExit calls Allocate and invokes DefaultExitFn on error.
func AllocateOrExit(cfg AllocConfig) *Inventory {
	inv, err := Allocate(cfg)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to allocate page inventory - %w", err))
	}
	return inv
}

// Allocate reserves memory per cfg, populates it, and builds an
// Inventory by walking /proc/self/pagemap.
func Allocate(cfg AllocConfig) (*Inventory, error) {
	pageBytes := cfg.PageSize.Bytes()

	var memoryBytes uint64
	var raw []byte
	var err error

	switch cfg.PageSize {
	case PageSize4KiB:
		memoryBytes = cfg.MemoryBytes
		if memoryBytes == 0 {
			freeBytes, err := freeSystemMemory()
			if err != nil {
				return nil, err
			}
			memoryBytes = uint64(cfg.AllocatePercentage * float64(freeBytes))
		}
		raw, err = unix.Mmap(-1, 0, int(memoryBytes),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_POPULATE|unix.MAP_NORESERVE)
		if err != nil {
			return nil, fmt.Errorf("%w: mmap of %d bytes failed - %w", ErrAllocationFailed, memoryBytes, err)
		}
	case PageSize2MiB, PageSize1GiB:
		hugepageCount, err := resolveHugepageCount(cfg)
		if err != nil {
			return nil, err
		}
		if err := checkHugepageSize(cfg.PageSize); err != nil {
			return nil, err
		}

		memoryBytes = uint64(hugepageCount) * pageBytes
		hugeSizeFlag := mapHuge2MB
		if cfg.PageSize == PageSize1GiB {
			hugeSizeFlag = mapHuge1GB
		}
		raw, err = unix.Mmap(-1, 0, int(memoryBytes),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_POPULATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB|hugeSizeFlag)
		if err != nil {
			return nil, fmt.Errorf("%w: hugepage mmap of %d %s pages failed - %w",
				ErrAllocationFailed, hugepageCount, cfg.PageSize, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported page size %v", ErrConfigInvalid, cfg.PageSize)
	}

	inv, err := buildInventory(raw, pageBytes)
	if err != nil {
		unix.Munmap(raw)
		return nil, err
	}
	return inv, nil
}

func unmapInventory(raw []byte) error {
	return unix.Munmap(raw)
}

func resolveHugepageCount(cfg AllocConfig) (uint32, error) {
	freeHugepages, err := freeHugepageCount()
	if err != nil {
		// Matches original_source's behaviour: a failure to read
		// /proc/meminfo's hugepage counters is logged, not fatal.
		log.Printf("pageinventory: failed to read free hugepage count, treating it as zero - %v", err)
		freeHugepages = 0
	}

	if freeHugepages == 0 {
		return cfg.HugepageCount, nil
	}
	if cfg.UseFreeMemory {
		return freeHugepages, nil
	}
	if cfg.HugepageCount > freeHugepages {
		return 0, fmt.Errorf("%w: found %d free hugepages, configuration requested %d",
			ErrAllocationFailed, freeHugepages, cfg.HugepageCount)
	}
	return cfg.HugepageCount, nil
}

func freeSystemMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to query free system memory - %w", err)
	}
	return vm.Available, nil
}

func freeHugepageCount() (uint32, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to query free hugepage count - %w", err)
	}
	return uint32(vm.HugePagesFree), nil
}

// checkHugepageSize validates that the system's configured hugepage
// size matches the one requested, per /proc/meminfo's Hugepagesize
// field, which is reported in KiB.
func checkHugepageSize(want PageSize) error {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return fmt.Errorf("failed to open /proc/meminfo - %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "Hugepagesize:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kib, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		sizeBytes := kib * 1024
		if sizeBytes == want.Bytes() {
			return nil
		}
		return fmt.Errorf("%w: system hugepage size is %d KiB, configuration requested %v",
			ErrAllocationFailed, kib, want)
	}
	return fmt.Errorf("%w: could not find Hugepagesize in /proc/meminfo", ErrConfigInvalid)
}
