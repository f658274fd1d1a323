package vm_test

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"kernelfs/block"
	"kernelfs/fs"
	"kernelfs/vm"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// fakeDirectory is a minimal in-memory stand-in for a hardware page table,
// used so the fault resolver's logic can be exercised without real page
// tables.
type fakeDirectory struct {
	mu       sync.Mutex
	accessed map[uintptr]bool
	dirty    map[uintptr]bool
	mapped   map[uintptr]uintptr
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		accessed: make(map[uintptr]bool),
		dirty:    make(map[uintptr]bool),
		mapped:   make(map[uintptr]uintptr),
	}
}

func (d *fakeDirectory) Accessed(page uintptr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accessed[page]
}

func (d *fakeDirectory) SetAccessed(page uintptr, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accessed[page] = v
}

func (d *fakeDirectory) Dirty(page uintptr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty[page]
}

func (d *fakeDirectory) SetDirty(page uintptr, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirty[page] = v
}

func (d *fakeDirectory) Install(page, frame uintptr, writable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mapped[page] = frame
	d.accessed[page] = true
	return nil
}

func (d *fakeDirectory) ClearMapping(page uintptr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.mapped, page)
}

func newSwap(t *testing.T, slots int) *vm.Swap {
	t.Helper()
	dev := block.NewMemoryDevice(uint32(slots*vm.SlotSectors), block.RoleSwap)
	sw, err := vm.NewSwap(dev, testLogger())
	require.NoError(t, err)
	return sw
}

func TestStackGrowthZeroFills(t *testing.T) {
	frames, err := vm.NewFrameTable(2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = frames.Close() })

	sw := newSwap(t, 4)
	var fsLock sync.Mutex
	mgr := vm.NewManager(frames, sw, &fsLock, testLogger())

	dir := newFakeDirectory()
	mgr.RegisterProcess(1, dir)

	esp := vm.UserStackTop - 4096
	fault := esp - 4 // within PushBytes of esp: legitimate growth
	err = mgr.Resolve(1, fault, esp, nil, false)
	require.NoError(t, err)
	require.Contains(t, dir.mapped, fault&^(vm.PageSize-1))
}

func TestStackGrowthTooFarBelowLimitFails(t *testing.T) {
	frames, err := vm.NewFrameTable(2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = frames.Close() })

	sw := newSwap(t, 4)
	var fsLock sync.Mutex
	mgr := vm.NewManager(frames, sw, &fsLock, testLogger())

	dir := newFakeDirectory()
	mgr.RegisterProcess(1, dir)

	esp := vm.UserStackTop - 4096
	fault := vm.UserStackTop - vm.StackLimit - 1
	err = mgr.Resolve(1, fault, esp, nil, false)
	require.Error(t, err)
}

func TestEvictionRoundTrip(t *testing.T) {
	frames, err := vm.NewFrameTable(2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = frames.Close() })

	sw := newSwap(t, 4)
	var fsLock sync.Mutex
	mgr := vm.NewManager(frames, sw, &fsLock, testLogger())

	dir := newFakeDirectory()
	mgr.RegisterProcess(1, dir)

	pageA := vm.UserStackTop - vm.PageSize
	pageB := pageA - vm.PageSize
	pageC := pageB - vm.PageSize

	// Each fault's esp sits exactly at the touched page, simulating a
	// thread whose stack pointer has already moved down that far.
	require.NoError(t, mgr.Resolve(1, pageA, pageA, nil, false))
	require.NoError(t, mgr.Resolve(1, pageB, pageB, nil, false))

	// Write distinct patterns into both resident pages.
	frameA := dir.mapped[pageA]
	frameB := dir.mapped[pageB]
	copy(frames.Bytes(frameA), []byte("pattern-A"))
	copy(frames.Bytes(frameB), []byte("pattern-B"))
	dir.SetDirty(pageA, true)
	dir.SetDirty(pageB, true)
	// Mark both unaccessed so the clock hand evicts the first used frame it
	// reaches, with no second-chance skipping.
	dir.SetAccessed(pageA, false)
	dir.SetAccessed(pageB, false)

	// A third distinct page forces eviction, since the pool only has 2 frames.
	require.NoError(t, mgr.Resolve(1, pageC, pageC, nil, false))

	// Exactly one of A/B was evicted to swap (dirty); re-fault it and
	// confirm its pattern survived the round trip.
	_, foundA := dir.mapped[pageA]
	_, foundB := dir.mapped[pageB]
	require.False(t, foundA && foundB, "eviction must have reclaimed one of the two original pages")

	if !foundA {
		require.NoError(t, mgr.Resolve(1, pageA, pageA, nil, false))
		require.Equal(t, []byte("pattern-A"), frames.Bytes(dir.mapped[pageA])[:len("pattern-A")])
	} else {
		require.NoError(t, mgr.Resolve(1, pageB, pageB, nil, false))
		require.Equal(t, []byte("pattern-B"), frames.Bytes(dir.mapped[pageB])[:len("pattern-B")])
	}
}

func TestFaultLoadsFromFilesystem(t *testing.T) {
	frames, err := vm.NewFrameTable(2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = frames.Close() })

	sw := newSwap(t, 4)
	var fsLock sync.Mutex
	mgr := vm.NewManager(frames, sw, &fsLock, testLogger())

	dev := block.NewMemoryDevice(4096, block.RoleFilesystem)
	sys, err := fs.Format(dev, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Shutdown() })

	root := sys.Root()
	defer sys.CloseInode(root.Inode())
	ok, err := sys.Create(root, "payload.bin", 0)
	require.NoError(t, err)
	require.True(t, ok)

	ino, err := sys.Open(root, "payload.bin")
	require.NoError(t, err)
	defer sys.CloseInode(ino)

	payload := []byte("page contents loaded straight off disk")
	store := sys.Store()
	_, err = store.WriteAt(ino, payload, 0)
	require.NoError(t, err)

	dir := newFakeDirectory()
	table := mgr.RegisterProcess(2, dir)

	page := vm.UserStackTop - vm.StackLimit - vm.PageSize // an ordinary mapped page, nowhere near the stack
	entry := table.Insert(page, 0, vm.LocFilesys)
	entry.FileRef = ino
	entry.FileOffset = 0
	entry.ReadBytes = len(payload)
	entry.Writable = true

	require.NoError(t, mgr.Resolve(2, page, vm.UserStackTop, store, false))

	frame := dir.mapped[page]
	require.Equal(t, payload, frames.Bytes(frame)[:len(payload)])
	require.Equal(t, byte(0), frames.Bytes(frame)[len(payload)], "bytes past ReadBytes must be zero-filled")
}

func TestSupplementalTableDestroyReleasesResources(t *testing.T) {
	frames, err := vm.NewFrameTable(2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = frames.Close() })

	sw := newSwap(t, 4)
	var fsLock sync.Mutex
	mgr := vm.NewManager(frames, sw, &fsLock, testLogger())

	dir := newFakeDirectory()
	mgr.RegisterProcess(7, dir)

	esp := vm.UserStackTop - 4096
	require.NoError(t, mgr.Resolve(7, esp, esp, nil, false))
	require.Len(t, dir.mapped, 1)

	mgr.UnregisterProcess(7)
	require.Empty(t, dir.mapped, "destroy must clear every hardware mapping it owned")
}

var _ vm.PageDirectory = (*fakeDirectory)(nil)
