// Package memory manages HostMem, the anonymous host mapping backing
// guest physical RAM.
package memory

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MinSize is the smallest guest memory size this hypervisor accepts.
const MinSize = 16 * 1024 * 1024

// HostMem is a contiguous anonymous host mapping serving as guest
// physical memory. Guest physical address 0 always corresponds to the
// first byte of the mapping.
type HostMem struct {
	data []byte
}

// New allocates a private, read+write, no-reserve anonymous mapping of
// size bytes. huge and mergeable request transparent huge pages and
// kernel samepage merging respectively (both Linux-only hints; advice
// failures are ignored, not fatal, and not reported to the caller).
func New(size uint64, huge, mergeable bool) (*HostMem, error) {
	if size < MinSize {
		return nil, fmt.Errorf("guest memory size %d below minimum %d", size, MinSize)
	}

	data, err := syscall.Mmap(-1, 0, int(size),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_PRIVATE|syscall.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory (%d bytes): %w", size, err)
	}

	hm := &HostMem{data: data}

	if mergeable {
		if err := unix.Madvise(data, unix.MADV_MERGEABLE); err != nil {
			// advisory only; KSM may be disabled kernel-wide.
			_ = err
		}
	}
	if huge {
		if err := unix.Madvise(data, unix.MADV_HUGEPAGE); err != nil {
			_ = err
		}
	}

	return hm, nil
}

// Size returns the mapping's length in bytes.
func (m *HostMem) Size() uint64 {
	return uint64(len(m.data))
}

// BaseAddr returns the host virtual address of byte 0 of the mapping.
func (m *HostMem) BaseAddr() uintptr {
	if len(m.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(m.data)))
}

// AsSlice returns a mutable view of the whole region.
func (m *HostMem) AsSlice() []byte {
	return m.data
}

// HostAddress translates a guest physical address into this mapping's
// host virtual address space, accounting for the legacy MMIO hole: a
// gpa at or above 4 GiB is assumed to live in the second memory slot,
// which VmContext registers at host base + 4 GiB (see consts package).
func (m *HostMem) HostAddress(gpa uint64) uintptr {
	return m.BaseAddr() + uintptr(gpa)
}

// Close unmaps the region. Safe to call at most once.
func (m *HostMem) Close() error {
	if m.data == nil {
		return nil
	}
	err := syscall.Munmap(m.data)
	m.data = nil
	return err
}
