package fs

import (
	"encoding/binary"

	"kernelfs/block"
)

// On-disk layout constants, matching spec.md §6 exactly.
const (
	SectorSize = block.SectorSize

	// FreeMapSector and RootDirSector are fixed well-known sectors; sector 0
	// is reserved for boot.
	FreeMapSector = 1
	RootDirSector = 2

	inodeMagic = 0x494e4f44

	directCount           = 10
	pointersPerSector     = SectorSize / 4 // 128 uint32 entries
	sectorsBeforeIndirect = directCount + pointersPerSector
	indexSingleIndirect   = 10
	indexDoubleIndirect   = 11
	numBlockIndexes       = 12

	// MaxDataSectors is the largest file size this layout can address:
	// 10 direct + 128 single-indirect + 128*128 double-indirect.
	MaxDataSectors = directCount + pointersPerSector + pointersPerSector*pointersPerSector
	// MaxFileSize is MaxDataSectors worth of bytes, ≈ 8 MiB.
	MaxFileSize = MaxDataSectors * SectorSize

	// NameMax is the longest name a directory entry can hold.
	NameMax = 14

	// RootDirEntries is the root directory's fixed initial capacity, per
	// spec.md §9's Open Question: the source fixes it at 16 even though
	// the mechanism would support growth like any other directory.
	RootDirEntries = 16
)

// diskInode is the exactly-one-sector on-disk inode record.
type diskInode struct {
	Blocks      [numBlockIndexes]uint32
	Length      int32
	Magic       uint32
	Parent      uint32
	IsDirectory uint32
}

func (d *diskInode) encode() []byte {
	buf := make([]byte, SectorSize)
	off := 0
	for _, b := range d.Blocks {
		binary.LittleEndian.PutUint32(buf[off:], b)
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(d.Length))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.Magic)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.Parent)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.IsDirectory)
	// remainder stays zero: reserved.
	return buf
}

func decodeInode(buf []byte) diskInode {
	var d diskInode
	off := 0
	for i := range d.Blocks {
		d.Blocks[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	d.Length = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	d.Magic = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.Parent = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.IsDirectory = binary.LittleEndian.Uint32(buf[off:])
	return d
}

func bytesToSectors(size int64) int {
	return int((size + SectorSize - 1) / SectorSize)
}

// dirEntrySize is the on-disk size of a directory entry: a uint32 sector
// number, a 15-byte NUL-terminated name, and an in-use byte.
const dirEntrySize = 4 + (NameMax + 1) + 1

type dirEntry struct {
	InodeSector uint32
	Name        [NameMax + 1]byte
	InUse       bool
}

func (e *dirEntry) encode() []byte {
	buf := make([]byte, dirEntrySize)
	binary.LittleEndian.PutUint32(buf, e.InodeSector)
	copy(buf[4:4+len(e.Name)], e.Name[:])
	if e.InUse {
		buf[dirEntrySize-1] = 1
	}
	return buf
}

func decodeDirEntry(buf []byte) dirEntry {
	var e dirEntry
	e.InodeSector = binary.LittleEndian.Uint32(buf)
	copy(e.Name[:], buf[4:4+len(e.Name)])
	e.InUse = buf[dirEntrySize-1] != 0
	return e
}

func (e *dirEntry) name() string {
	n := 0
	for n < len(e.Name) && e.Name[n] != 0 {
		n++
	}
	return string(e.Name[:n])
}

func setName(e *dirEntry, name string) {
	var b [NameMax + 1]byte
	copy(b[:], name)
	e.Name = b
}
