package vm

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"kernelfs/fs"
)

// Stack-growth bounds (spec.md §4.9, §8 scenario 5): a fault below the
// current stack pointer is treated as legitimate growth only if it lands
// within PushBytes of esp (covering instructions like PUSHA that touch
// memory before decrementing esp) and within StackLimit of the top of the
// user address space.
const (
	// UserStackTop is the address immediately above the user stack, the
	// analog of Pintos's PHYS_BASE.
	UserStackTop uintptr = 0xC0000000
	// StackLimit bounds how far a stack is allowed to grow: 8 MiB.
	StackLimit uintptr = 1 << 23
	// PushBytes is the largest single instruction's reach below esp (PUSHA).
	PushBytes uintptr = 32
)

// Manager owns the frame table, swap area, and every process's
// supplemental page table, and resolves page faults under a single global
// VM lock (spec.md §4.9, §5's "Global VM lock").
type Manager struct {
	mu     sync.Mutex
	log    *logrus.Logger
	frames *FrameTable
	swap   *Swap
	fsLock *sync.Mutex

	directories map[ProcessID]PageDirectory
	tables      map[ProcessID]*SupplementalTable
	clock       int
}

// NewManager constructs a Manager. fsLock is the filesystem's global lock,
// shared with the caller so Resolve can avoid double-acquiring it when the
// caller already holds it while faulting in a page from the file system.
func NewManager(frames *FrameTable, swap *Swap, fsLock *sync.Mutex, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		frames:      frames,
		swap:        swap,
		fsLock:      fsLock,
		log:         log,
		directories: make(map[ProcessID]PageDirectory),
		tables:      make(map[ProcessID]*SupplementalTable),
	}
}

// RegisterProcess installs pid's page directory and returns a fresh
// supplemental page table for it.
func (m *Manager) RegisterProcess(pid ProcessID, dir PageDirectory) *SupplementalTable {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := NewSupplementalTable()
	m.directories[pid] = dir
	m.tables[pid] = table
	return table
}

// UnregisterProcess destroys pid's supplemental table, releasing its
// frames and swap slots, and forgets its page directory.
func (m *Manager) UnregisterProcess(pid ProcessID) {
	m.mu.Lock()
	dir := m.directories[pid]
	table := m.tables[pid]
	delete(m.directories, pid)
	delete(m.tables, pid)
	m.mu.Unlock()

	if table != nil && dir != nil {
		table.Destroy(dir, m.frames, m.swap)
	}
}

// Resolve handles a page fault at faultAddr for pid, whose stack pointer
// is currently esp, per the algorithm of spec.md §4.9. callerHoldsFSLock
// should be true if the faulting thread already holds the filesystem lock
// (e.g. a syscall handler faulting while copying a user buffer), so the
// file read below does not double-acquire it.
func (m *Manager) Resolve(pid ProcessID, faultAddr, esp uintptr, store *fs.Store, callerHoldsFSLock bool) error {
	page := faultAddr &^ (PageSize - 1)

	m.mu.Lock()
	defer m.mu.Unlock()

	table, ok := m.tables[pid]
	if !ok {
		return fmt.Errorf("vm: unknown process %d", pid)
	}
	dir := m.directories[pid]

	entry, found := table.Find(page)
	stackGrowth := false
	switch {
	case !found:
		if !isStackGrowth(faultAddr, esp) {
			return &Fatal{Addr: faultAddr, Pid: pid, err: ErrInvalidAccess}
		}
		stackGrowth = true
	case entry.Location == LocRAM:
		return &Fatal{Addr: page, Pid: pid, err: ErrSpuriousFault}
	}

	frame, ok := m.frames.Allocate(pid, page)
	if !ok {
		if err := m.evictOne(); err != nil {
			return err
		}
		frame, ok = m.frames.Allocate(pid, page)
		if !ok {
			return fmt.Errorf("vm: no frame available after eviction")
		}
	}

	writable := true
	switch {
	case stackGrowth:
		// frame is already zeroed by Allocate.
	case entry.Location == LocFilesys:
		writable = entry.Writable
		if err := m.readFromFile(store, entry, frame, callerHoldsFSLock); err != nil {
			m.frames.Deallocate(frame)
			return fmt.Errorf("vm: load page from file: %w", err)
		}
	case entry.Location == LocSwap:
		writable = entry.Writable
		if err := m.swap.Read(entry.SwapSlot, m.frames.Bytes(frame)); err != nil {
			m.frames.Deallocate(frame)
			return fmt.Errorf("vm: load page from swap: %w", err)
		}
	}

	if err := dir.Install(page, frame, writable); err != nil {
		m.frames.Deallocate(frame)
		return fmt.Errorf("vm: install page table entry: %w", err)
	}

	if stackGrowth {
		dir.SetDirty(page, true)
		e := table.Insert(page, frame, LocRAM)
		e.Writable = true
	} else {
		if entry.Location == LocSwap {
			// Restored from swap: mark dirty so a re-eviction writes it
			// back to swap rather than mistaking it for clean file content.
			dir.SetDirty(page, true)
		}
		table.Replace(entry, frame, LocRAM)
	}
	return nil
}

func (m *Manager) readFromFile(store *fs.Store, entry *Entry, frame uintptr, callerHoldsFSLock bool) error {
	if !callerHoldsFSLock && m.fsLock != nil {
		m.fsLock.Lock()
		defer m.fsLock.Unlock()
	}
	buf := m.frames.Bytes(frame)
	n, err := store.ReadAt(entry.FileRef, buf[:entry.ReadBytes], entry.FileOffset)
	if err != nil {
		return err
	}
	for i := n; i < entry.ReadBytes; i++ {
		buf[i] = 0
	}
	return nil
}

// evictOne runs one round of second-chance clock eviction: starting at the
// clock hand, skip frames whose owning page is marked accessed (clearing
// the bit as we go), advancing the hand modulo the frame count, until a
// victim is found and freed.
func (m *Manager) evictOne() error {
	n := m.frames.NumFrames()
	for i := 0; i < 2*n; i++ {
		idx := m.clock
		m.clock = (m.clock + 1) % n

		owner, page, used := m.frames.Owner(idx)
		if !used {
			continue
		}
		dir := m.directories[owner]
		if dir == nil {
			continue
		}
		if dir.Accessed(page) {
			dir.SetAccessed(page, false)
			continue
		}

		table := m.tables[owner]
		victim, ok := table.Find(page)
		if !ok {
			return fmt.Errorf("vm: frame %d has no matching supplemental entry", idx)
		}

		frame := m.frames.FrameAddr(idx)
		if dir.Dirty(page) {
			slot := m.swap.Write(m.frames.Bytes(frame))
			table.Replace(victim, 0, LocSwap)
			table.SetSwapSlot(victim, slot)
		} else {
			table.Replace(victim, 0, LocFilesys)
		}

		dir.ClearMapping(page)
		m.frames.Deallocate(frame)
		return nil
	}
	return fmt.Errorf("vm: eviction scan found no victim in %d frames", n)
}

func isStackGrowth(faultAddr, esp uintptr) bool {
	if faultAddr >= UserStackTop {
		return false
	}
	if faultAddr < UserStackTop-StackLimit {
		return false
	}
	return faultAddr+PushBytes >= esp
}
