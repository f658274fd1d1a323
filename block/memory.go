package block

// MemoryDevice is an in-memory Device backed by a plain byte slice, used by
// tests so they never touch the filesystem. Adapted from the teacher's
// testhelper.FileImpl pattern of stubbing file I/O behind closures, here
// specialized to whole-sector reads/writes.
type MemoryDevice struct {
	data []byte
	role Role
}

// NewMemoryDevice allocates a zero-filled in-memory device of sizeSectors sectors.
func NewMemoryDevice(sizeSectors uint32, role Role) *MemoryDevice {
	return &MemoryDevice{data: make([]byte, int(sizeSectors)*SectorSize), role: role}
}

func (m *MemoryDevice) ReadSector(sector uint32, buf []byte) error {
	if err := checkBounds(m, sector, buf); err != nil {
		return err
	}
	copy(buf, m.data[int(sector)*SectorSize:(int(sector)+1)*SectorSize])
	return nil
}

func (m *MemoryDevice) WriteSector(sector uint32, buf []byte) error {
	if err := checkBounds(m, sector, buf); err != nil {
		return err
	}
	copy(m.data[int(sector)*SectorSize:(int(sector)+1)*SectorSize], buf)
	return nil
}

func (m *MemoryDevice) Size() uint32 { return uint32(len(m.data) / SectorSize) }
func (m *MemoryDevice) Role() Role   { return m.role }
func (m *MemoryDevice) Close() error { return nil }
