package vm

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"kernelfs/block"
	"kernelfs/util/bitmap"
)

// SlotSectors is the number of consecutive disk sectors a swap slot
// occupies: one page's worth (spec.md §4.8).
const SlotSectors = PageSize / block.SectorSize

// Swap is the bitmap-indexed swap area of spec.md §4.8: each bit tracks
// one page-sized slot over a dedicated block.Device with block.RoleSwap.
type Swap struct {
	mu   sync.Mutex
	dev  block.Device
	log  *logrus.Logger
	bm   *bitmap.Bitmap
	nSlt int
}

// NewSwap wraps dev, which must report block.RoleSwap.
func NewSwap(dev block.Device, log *logrus.Logger) (*Swap, error) {
	if dev.Role() != block.RoleSwap {
		return nil, fmt.Errorf("vm: swap device has role %s, want %s", dev.Role(), block.RoleSwap)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	slots := int(dev.Size()) / SlotSectors
	return &Swap{dev: dev, log: log, bm: bitmap.NewBits(slots), nSlt: slots}, nil
}

// Write finds the first free slot, writes frame's page-sized contents into
// it, and returns the slot index. Panics if swap is full: per spec.md
// §7, exhausting swap is a fatal teaching-kernel condition, not a
// recoverable one.
func (s *Swap) Write(frame []byte) int {
	if len(frame) != PageSize {
		s.log.WithField("len", len(frame)).Panic("vm: swap write of non-page-sized buffer")
	}
	s.mu.Lock()
	slot := s.bm.FirstFree(0)
	if slot == -1 {
		s.mu.Unlock()
		s.log.Panic("vm: swap area exhausted")
	}
	_ = s.bm.Set(slot)
	s.mu.Unlock()

	base := uint32(slot * SlotSectors)
	for i := 0; i < SlotSectors; i++ {
		if err := s.dev.WriteSector(base+uint32(i), frame[i*block.SectorSize:(i+1)*block.SectorSize]); err != nil {
			s.log.WithError(err).WithField("slot", slot).Panic("vm: swap write I/O failure")
		}
	}
	return slot
}

// Read copies slot's page-sized contents into dest, then frees the slot.
func (s *Swap) Read(slot int, dest []byte) error {
	if len(dest) != PageSize {
		return fmt.Errorf("vm: swap read into non-page-sized buffer")
	}
	base := uint32(slot * SlotSectors)
	for i := 0; i < SlotSectors; i++ {
		if err := s.dev.ReadSector(base+uint32(i), dest[i*block.SectorSize:(i+1)*block.SectorSize]); err != nil {
			return fmt.Errorf("vm: swap read slot %d: %w", slot, err)
		}
	}
	s.mu.Lock()
	_ = s.bm.Clear(slot)
	s.mu.Unlock()
	return nil
}

// SlotClear frees slot without reading it back, used when a process dies
// with pages still parked in swap.
func (s *Swap) SlotClear(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.bm.Clear(slot)
}
