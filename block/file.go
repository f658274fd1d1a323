package block

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// FileDevice is a Device backed by a regular OS file (a disk image) or an
// actual block special file. One partition, one opener: Open takes an
// advisory exclusive lock on the backing file for the lifetime of the
// Device, standing in for the driver-level guarantee that a filesystem or
// swap partition has exactly one claimant.
type FileDevice struct {
	f       *os.File
	size    uint32 // sectors
	role    Role
	locked  bool
	path    string
	closeFn func() error
}

// CreateFile creates a new zero-filled disk image of sizeSectors sectors at
// path and returns a Device for it. If role is RoleFilesystem, sector 0 is
// stamped with a randomly generated UUID for descriptive purposes only
// (kernelfsctl mkfs prints it); nothing in the core interprets it.
func CreateFile(path string, sizeSectors uint32, role Role) (*FileDevice, error) {
	if sizeSectors == 0 {
		return nil, fmt.Errorf("block: refusing to create a zero-sector device")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, fmt.Errorf("block: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(sizeSectors) * SectorSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("block: size %s: %w", path, err)
	}
	dev, err := lockAndWrap(f, sizeSectors, role, path)
	if err != nil {
		return nil, err
	}
	if role == RoleFilesystem {
		if err := stampUUID(dev); err != nil {
			dev.Close()
			return nil, err
		}
	}
	return dev, nil
}

// OpenFile opens an existing disk image at path and returns a Device for
// it, sized from the file's current length.
func OpenFile(path string, role Role) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("block: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("block: stat %s: %w", path, err)
	}
	sizeSectors := uint32(info.Size() / SectorSize)
	return lockAndWrap(f, sizeSectors, role, path)
}

func lockAndWrap(f *os.File, sizeSectors uint32, role Role, path string) (*FileDevice, error) {
	unlock, err := flockExclusive(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("block: lock %s: %w", path, err)
	}
	return &FileDevice{f: f, size: sizeSectors, role: role, locked: true, path: path, closeFn: unlock}, nil
}

func stampUUID(dev *FileDevice) error {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("block: generate uuid: %w", err)
	}
	buf := make([]byte, SectorSize)
	copy(buf, id[:])
	return dev.WriteSector(0, buf)
}

// UUID reads the filesystem UUID stamped in sector 0 by CreateFile. It is
// purely descriptive; callers that don't care can ignore it.
func (d *FileDevice) UUID() (uuid.UUID, error) {
	buf := make([]byte, SectorSize)
	if err := d.ReadSector(0, buf); err != nil {
		return uuid.UUID{}, err
	}
	var id uuid.UUID
	copy(id[:], buf[:16])
	return id, nil
}

func (d *FileDevice) ReadSector(sector uint32, buf []byte) error {
	if err := checkBounds(d, sector, buf); err != nil {
		return err
	}
	_, err := d.f.ReadAt(buf, int64(sector)*SectorSize)
	return err
}

func (d *FileDevice) WriteSector(sector uint32, buf []byte) error {
	if err := checkBounds(d, sector, buf); err != nil {
		return err
	}
	_, err := d.f.WriteAt(buf, int64(sector)*SectorSize)
	return err
}

func (d *FileDevice) Size() uint32 { return d.size }
func (d *FileDevice) Role() Role   { return d.role }

func (d *FileDevice) Close() error {
	var unlockErr error
	if d.locked && d.closeFn != nil {
		unlockErr = d.closeFn()
		d.locked = false
	}
	closeErr := d.f.Close()
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
