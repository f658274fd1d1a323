package fs

import (
	"fmt"
	"sync"

	"kernelfs/util/bitmap"
)

// FreeMap is the persistent free-sector bitmap of spec.md §4.4: one bit per
// sector of the filesystem partition, stored as the data of the fixed inode
// at FreeMapSector and read into memory at boot, flushed back at shutdown.
type FreeMap struct {
	mu    sync.Mutex
	bm    *bitmap.Bitmap
	store *Store
}

func newFreeMap(store *Store, totalSectors uint32) *FreeMap {
	return &FreeMap{bm: bitmap.NewBits(int(totalSectors)), store: store}
}

// reserve marks sector as permanently allocated without consuming it through
// the normal allocate path — used for the handful of fixed sectors (boot,
// the free map's own inode sector, the root directory's inode sector).
func (f *FreeMap) reserve(sector uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.bm.Set(int(sector))
}

// Allocate reserves n contiguous sectors and returns the first one. Reports
// false, leaving the bitmap unchanged, if no such run exists.
func (f *FreeMap) Allocate(n int) (uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos := f.bm.AllocateRun(n, 0)
	if pos == -1 {
		return 0, false
	}
	return uint32(pos), true
}

// Release clears n contiguous sectors starting at sector.
func (f *FreeMap) Release(sector uint32, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.bm.ClearRange(int(sector), n)
}

// Count returns the number of currently-free sectors.
func (f *FreeMap) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bm.CountFree()
}

func (f *FreeMap) byteLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bm.ToBytes())
}

// load reads the bitmap's persisted bytes back from its backing inode.
func (f *FreeMap) load() error {
	ino, err := f.store.Open(FreeMapSector)
	if err != nil {
		return fmt.Errorf("freemap: open backing inode: %w", err)
	}
	defer f.store.Close(ino)

	buf := make([]byte, f.byteLen())
	n, err := f.store.ReadAt(ino, buf, 0)
	if err != nil {
		return fmt.Errorf("freemap: read: %w", err)
	}
	f.mu.Lock()
	f.bm.FromBytes(buf[:n])
	f.mu.Unlock()
	return nil
}

// flush persists the bitmap's bytes to its backing inode.
func (f *FreeMap) flush() error {
	ino, err := f.store.Open(FreeMapSector)
	if err != nil {
		return fmt.Errorf("freemap: open backing inode: %w", err)
	}
	defer f.store.Close(ino)

	f.mu.Lock()
	data := f.bm.ToBytes()
	f.mu.Unlock()

	if _, err := f.store.WriteAt(ino, data, 0); err != nil {
		return fmt.Errorf("freemap: flush: %w", err)
	}
	return nil
}

// checkCapacity reports whether the free map has room for numSectors data
// sectors plus whatever indirection sectors would be needed to index them,
// per spec.md §4.1's pre-check formula.
func checkCapacity(fm *FreeMap, numSectors int) bool {
	total := numSectors
	if numSectors > directCount {
		total++
	}
	if numSectors > sectorsBeforeIndirect {
		total++
		needed := numSectors - sectorsBeforeIndirect
		total += (needed + pointersPerSector - 1) / pointersPerSector
	}
	return total <= fm.Count()
}
