package fs

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"kernelfs/block"
)

var zeroSector [SectorSize]byte

// Inode is the in-memory, reference-counted inode of spec.md §3: at most
// one instance per disk sector, shared by every opener.
type Inode struct {
	sector uint32
	store  *Store

	mu             sync.Mutex
	disk           diskInode
	openCount      int
	removed        bool
	denyWriteCount int

	// contentLock is held only while a write is extending the file, so
	// that the newly published length never races ahead of the sector
	// allocations backing it.
	contentLock sync.Mutex
	// dirLock serializes directory-content mutation and cursor reads; it
	// is non-nil iff this inode is a directory. Locked and unlocked only
	// through Directory; inode.go only creates it in Open.
	dirLock *sync.Mutex
}

// Sector returns the inode's on-disk location (its "inumber").
func (i *Inode) Sector() uint32 { return i.sector }

// IsDir reports whether the inode is a directory.
func (i *Inode) IsDir() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.disk.IsDirectory != 0
}

// Parent returns the sector of the inode's parent directory, or 0 for root.
func (i *Inode) Parent() uint32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.disk.Parent
}

// OpenCount returns the inode's current opener count.
func (i *Inode) OpenCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.openCount
}

// Store is the inode store: on-disk inode layout, in-memory inode cache,
// file growth and block-index walking (spec.md §4.1).
type Store struct {
	dev     block.Device
	log     *logrus.Logger
	freeMap *FreeMap

	mu   sync.Mutex
	open map[uint32]*Inode
}

// NewStore constructs an inode store over dev. The free-sector map is
// created separately and wired in by the caller (see NewSystem), mirroring
// spec.md §9's "module-level owned values initialized in a defined
// sequence at boot."
func NewStore(dev block.Device, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{dev: dev, log: log, open: make(map[uint32]*Inode)}
}

func (s *Store) bindFreeMap(fm *FreeMap) { s.freeMap = fm }

// Create allocates ceil(length/512) data sectors via extend, zeros them, and
// writes the inode header to sector. Fails atomically: a capacity shortfall
// leaves no partial state visible to callers (beyond the accepted leak of
// already-allocated sectors noted in spec.md §4.1's failure model).
func (s *Store) Create(sector uint32, length int64, parent uint32, isDirectory bool) (bool, error) {
	if length < 0 {
		return false, fmt.Errorf("fs: negative length %d", length)
	}
	if length > MaxFileSize {
		return false, nil
	}
	numSectors := bytesToSectors(length)
	if !checkCapacity(s.freeMap, numSectors) {
		return false, ErrNoSpace
	}

	disk := diskInode{Length: int32(length), Magic: inodeMagic, Parent: parent}
	if isDirectory {
		disk.IsDirectory = 1
	}
	if err := extend(s.dev, s.freeMap, &disk, numSectors, 0); err != nil {
		s.log.WithError(err).WithField("sector", sector).Warn("fs: extend failed during create")
		return false, ErrNoSpace
	}
	if err := s.dev.WriteSector(sector, disk.encode()); err != nil {
		return false, fmt.Errorf("fs: write inode header: %w", err)
	}
	return true, nil
}

// Open returns the shared in-memory inode for sector, loading it from disk
// on first open.
func (s *Store) Open(sector uint32) (*Inode, error) {
	s.mu.Lock()
	if ino, ok := s.open[sector]; ok {
		s.mu.Unlock()
		ino.mu.Lock()
		ino.openCount++
		ino.mu.Unlock()
		return ino, nil
	}
	s.mu.Unlock()

	buf := make([]byte, SectorSize)
	if err := s.dev.ReadSector(sector, buf); err != nil {
		return nil, fmt.Errorf("fs: read inode %d: %w", sector, err)
	}
	disk := decodeInode(buf)
	if disk.Magic != inodeMagic {
		s.log.WithField("sector", sector).Panic(ErrCorrupt)
	}

	ino := &Inode{sector: sector, store: s, disk: disk, openCount: 1}
	if disk.IsDirectory != 0 {
		ino.dirLock = &sync.Mutex{}
	}

	s.mu.Lock()
	// Another goroutine may have raced us to load the same sector; the
	// invariant of at most one in-memory inode per sector wins, so defer
	// to whichever entry landed first.
	if existing, ok := s.open[sector]; ok {
		s.mu.Unlock()
		existing.mu.Lock()
		existing.openCount++
		existing.mu.Unlock()
		return existing, nil
	}
	s.open[sector] = ino
	s.mu.Unlock()
	return ino, nil
}

// Reopen increments ino's opener count and returns it.
func (s *Store) Reopen(ino *Inode) *Inode {
	ino.mu.Lock()
	ino.openCount++
	ino.mu.Unlock()
	return ino
}

// Close decrements ino's opener count. At zero it is dropped from the open
// set; if it had been marked Remove-d, its data and inode sectors are
// released back to the free map.
func (s *Store) Close(ino *Inode) error {
	if ino == nil {
		return nil
	}
	ino.mu.Lock()
	ino.openCount--
	count := ino.openCount
	removed := ino.removed
	disk := ino.disk
	ino.mu.Unlock()

	if count > 0 {
		return nil
	}

	s.mu.Lock()
	delete(s.open, ino.sector)
	s.mu.Unlock()

	if !removed {
		return nil
	}
	if err := releaseData(s, &disk); err != nil {
		return fmt.Errorf("fs: release data for sector %d: %w", ino.sector, err)
	}
	s.freeMap.Release(ino.sector, 1)
	return nil
}

// Remove marks ino for deletion; its sectors are freed on last close, not
// immediately, so existing openers keep working (spec.md §8's invariant).
func (s *Store) Remove(ino *Inode) {
	ino.mu.Lock()
	ino.removed = true
	ino.mu.Unlock()
}

// DenyWrite increments ino's deny-write count, bounded by its opener count.
func (s *Store) DenyWrite(ino *Inode) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	ino.denyWriteCount++
	if ino.denyWriteCount > ino.openCount {
		s.log.WithField("sector", ino.sector).Panic("fs: deny_write_count exceeds open_count")
	}
}

// AllowWrite decrements ino's deny-write count.
func (s *Store) AllowWrite(ino *Inode) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if ino.denyWriteCount == 0 {
		s.log.WithField("sector", ino.sector).Panic("fs: allow_write with no matching deny_write")
	}
	ino.denyWriteCount--
}

// Length returns ino's current length in bytes.
func (s *Store) Length(ino *Inode) int64 {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return int64(ino.disk.Length)
}

// ReadAt reads up to len(buf) bytes from ino starting at offset, clipped to
// the inode's length, and returns the number of bytes read.
func (s *Store) ReadAt(ino *Inode, buf []byte, offset int64) (int, error) {
	ino.mu.Lock()
	disk := ino.disk
	ino.mu.Unlock()
	length := int64(disk.Length)

	var read int
	bounce := make([]byte, SectorSize)
	for len(buf) > read {
		pos := offset + int64(read)
		sector, ok, err := byteToSector(s.dev, &disk, pos, length)
		if err != nil {
			return read, err
		}
		if !ok {
			break
		}
		sectorOfs := int(pos % SectorSize)
		inodeLeft := length - pos
		sectorLeft := SectorSize - sectorOfs
		minLeft := inodeLeft
		if int64(sectorLeft) < minLeft {
			minLeft = int64(sectorLeft)
		}
		remaining := int64(len(buf) - read)
		chunk := remaining
		if minLeft < chunk {
			chunk = minLeft
		}
		if chunk <= 0 {
			break
		}

		if sectorOfs == 0 && chunk == SectorSize {
			if err := s.dev.ReadSector(sector, buf[read:read+int(chunk)]); err != nil {
				return read, err
			}
		} else {
			if err := s.dev.ReadSector(sector, bounce); err != nil {
				return read, err
			}
			copy(buf[read:read+int(chunk)], bounce[sectorOfs:int64(sectorOfs)+chunk])
		}
		read += int(chunk)
	}
	return read, nil
}

// WriteAt writes buf to ino starting at offset, growing the file first if
// necessary. The new length is published only after every new sector has
// been allocated and zeroed and all data has been written, so concurrent
// readers never observe an index into not-yet-finalized indirection
// metadata (spec.md §4.1/§5).
func (s *Store) WriteAt(ino *Inode, buf []byte, offset int64) (int, error) {
	ino.mu.Lock()
	denyWrite := ino.denyWriteCount > 0
	ino.mu.Unlock()
	if denyWrite {
		return 0, ErrDenyWrite
	}

	ino.mu.Lock()
	currentLength := int64(ino.disk.Length)
	ino.mu.Unlock()

	newSize := offset + int64(len(buf))
	fileSize := currentLength
	if newSize > fileSize {
		fileSize = newSize
	}
	if fileSize > MaxFileSize {
		return 0, fmt.Errorf("fs: write would exceed maximum file size")
	}

	currentSectors := bytesToSectors(currentLength)
	finalSectors := bytesToSectors(newSize)
	extending := finalSectors > currentSectors

	if extending {
		if !checkCapacity(s.freeMap, finalSectors-currentSectors) {
			return 0, ErrNoSpace
		}
		ino.mu.Lock()
		disk := ino.disk
		ino.mu.Unlock()
		if err := extend(s.dev, s.freeMap, &disk, finalSectors, currentSectors); err != nil {
			s.log.WithError(err).WithField("sector", ino.sector).Warn("fs: extend failed during write")
			return 0, ErrNoSpace
		}
		ino.contentLock.Lock()
		defer ino.contentLock.Unlock()
		ino.mu.Lock()
		ino.disk.Blocks = disk.Blocks
		ino.mu.Unlock()
	}

	var written int
	bounce := make([]byte, SectorSize)
	ino.mu.Lock()
	diskSnapshot := ino.disk
	ino.mu.Unlock()

	for len(buf) > written {
		pos := offset + int64(written)
		sector, ok, err := byteToSector(s.dev, &diskSnapshot, pos, fileSize)
		if err != nil {
			return written, err
		}
		if !ok {
			break
		}
		sectorOfs := int(pos % SectorSize)
		inodeLeft := fileSize - pos
		sectorLeft := SectorSize - sectorOfs
		minLeft := inodeLeft
		if int64(sectorLeft) < minLeft {
			minLeft = int64(sectorLeft)
		}
		remaining := int64(len(buf) - written)
		chunk := remaining
		if minLeft < chunk {
			chunk = minLeft
		}
		if chunk <= 0 {
			break
		}

		if sectorOfs == 0 && chunk == SectorSize {
			if err := s.dev.WriteSector(sector, buf[written:written+int(chunk)]); err != nil {
				return written, err
			}
		} else {
			if sectorOfs > 0 || chunk < int64(sectorLeft) {
				if err := s.dev.ReadSector(sector, bounce); err != nil {
					return written, err
				}
			} else {
				copy(bounce, zeroSector[:])
			}
			copy(bounce[sectorOfs:int64(sectorOfs)+chunk], buf[written:written+int(chunk)])
			if err := s.dev.WriteSector(sector, bounce); err != nil {
				return written, err
			}
		}
		written += int(chunk)
	}

	if newSize > currentLength {
		ino.mu.Lock()
		ino.disk.Length = int32(newSize)
		persisted := ino.disk
		ino.mu.Unlock()
		if err := s.dev.WriteSector(ino.sector, persisted.encode()); err != nil {
			return written, fmt.Errorf("fs: persist grown inode: %w", err)
		}
	}
	return written, nil
}

// byteToSector returns the data sector holding byte offset, or ok=false if
// offset is past length (spec.md §4.1).
func byteToSector(dev block.Device, disk *diskInode, offset, length int64) (uint32, bool, error) {
	if offset > length {
		return 0, false, nil
	}
	sectorIndex := int(offset / SectorSize)
	if sectorIndex < directCount {
		return disk.Blocks[sectorIndex], true, nil
	}
	if sectorIndex < sectorsBeforeIndirect {
		indirect, err := readIndirect(dev, disk.Blocks[indexSingleIndirect])
		if err != nil {
			return 0, false, err
		}
		return indirect[sectorIndex-directCount], true, nil
	}
	sectorIndex -= sectorsBeforeIndirect
	doubleIndirect, err := readIndirect(dev, disk.Blocks[indexDoubleIndirect])
	if err != nil {
		return 0, false, err
	}
	flIndex := sectorIndex / pointersPerSector
	firstLevel, err := readIndirect(dev, doubleIndirect[flIndex])
	if err != nil {
		return 0, false, err
	}
	return firstLevel[sectorIndex%pointersPerSector], true, nil
}

func readIndirect(dev block.Device, sector uint32) ([]uint32, error) {
	buf := make([]byte, SectorSize)
	if err := dev.ReadSector(sector, buf); err != nil {
		return nil, err
	}
	out := make([]uint32, pointersPerSector)
	for i := range out {
		out[i] = leUint32(buf[i*4:])
	}
	return out, nil
}

func writeIndirect(dev block.Device, sector uint32, entries []uint32) error {
	buf := make([]byte, SectorSize)
	for i, v := range entries {
		putLeUint32(buf[i*4:], v)
	}
	return dev.WriteSector(sector, buf)
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLeUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
