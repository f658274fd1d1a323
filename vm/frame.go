// Package vm implements demand-paged virtual memory: a frame table over a
// pool of user-memory frames, a per-process supplemental page table, a
// swap area, and the page-fault resolver that ties them together
// (spec.md §4.6-§4.9).
package vm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize is the unit of allocation for both frames and user pages.
const PageSize = 4096

// ProcessID identifies the owner of a frame or supplemental page table.
// The fault resolver treats it as an opaque key.
type ProcessID uint64

type frameEntry struct {
	used  bool
	owner ProcessID
	page  uintptr
}

// FrameTable is the array of entries, one per user-memory frame, addressed
// by physical index, described in spec.md §4.6. The backing pool is a
// single anonymous mmap region standing in for the kernel's user page
// pool; frames are carved out of it by arithmetic on the mapping's base
// address, mirroring how the original drains the pool at boot to learn its
// size and base.
type FrameTable struct {
	mem    []byte
	base   uintptr
	frames []frameEntry
}

// NewFrameTable mmaps a pool of numFrames page-sized frames and returns an
// empty table over it.
func NewFrameTable(numFrames int) (*FrameTable, error) {
	if numFrames <= 0 {
		return nil, fmt.Errorf("vm: frame table needs at least one frame")
	}
	mem, err := unix.Mmap(-1, 0, numFrames*PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("vm: mmap user pool: %w", err)
	}
	return &FrameTable{
		mem:    mem,
		base:   uintptr(unsafe.Pointer(&mem[0])),
		frames: make([]frameEntry, numFrames),
	}, nil
}

// Close releases the mmap'd pool. Callers must ensure no frame is in use.
func (ft *FrameTable) Close() error {
	return unix.Munmap(ft.mem)
}

// NumFrames returns the pool's frame capacity.
func (ft *FrameTable) NumFrames() int { return len(ft.frames) }

func (ft *FrameTable) index(frame uintptr) int {
	return int((frame - ft.base) / PageSize)
}

// FrameAddr returns the address of the i'th frame.
func (ft *FrameTable) FrameAddr(i int) uintptr {
	return ft.base + uintptr(i)*PageSize
}

// Bytes returns the page-sized slice backing frame.
func (ft *FrameTable) Bytes(frame uintptr) []byte {
	i := ft.index(frame)
	return ft.mem[i*PageSize : (i+1)*PageSize]
}

// Allocate records (owner, page) in the first free slot, zeroes it, and
// returns its address. Reports false if the pool is exhausted.
func (ft *FrameTable) Allocate(owner ProcessID, page uintptr) (uintptr, bool) {
	for i := range ft.frames {
		if !ft.frames[i].used {
			ft.frames[i] = frameEntry{used: true, owner: owner, page: page}
			addr := ft.FrameAddr(i)
			zeroBytes(ft.Bytes(addr))
			return addr, true
		}
	}
	return 0, false
}

// Deallocate clears frame's entry and zeroes its contents.
func (ft *FrameTable) Deallocate(frame uintptr) {
	i := ft.index(frame)
	ft.frames[i] = frameEntry{}
	zeroBytes(ft.Bytes(frame))
}

// Owner reports the (process, user page) occupying frame index i, and
// whether that slot is currently in use.
func (ft *FrameTable) Owner(i int) (ProcessID, uintptr, bool) {
	e := ft.frames[i]
	return e.owner, e.page, e.used
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
