package fs

import (
	"fmt"
)

// Directory is a handle onto a directory: a backing inode plus an
// exclusively-owned position cursor (spec.md §4.2). Multiple Directory
// handles may share the same underlying Inode; the cursor is not shared.
type Directory struct {
	inode *Inode
	store *Store
	pos   int64
}

// CreateDirectory creates a directory inode of entryCount entries at
// sector, parented at parent.
func (s *Store) CreateDirectory(sector uint32, entryCount int, parent uint32) (bool, error) {
	return s.Create(sector, int64(entryCount)*dirEntrySize, parent, true)
}

// OpenDirectory wraps an already-open inode in a Directory handle. It takes
// ownership of ino: closing the Directory closes ino.
func OpenDirectory(s *Store, ino *Inode) (*Directory, error) {
	if ino == nil {
		return nil, fmt.Errorf("fs: open directory on nil inode")
	}
	if !ino.IsDir() {
		s.Close(ino)
		return nil, ErrNotDir
	}
	return &Directory{inode: ino, store: s}, nil
}

// OpenRoot opens the root directory.
func (s *Store) OpenRoot() (*Directory, error) {
	ino, err := s.Open(RootDirSector)
	if err != nil {
		return nil, err
	}
	return OpenDirectory(s, ino)
}

// OpenParent opens d's parent directory.
func (s *Store) OpenParent(d *Directory) (*Directory, error) {
	parent := d.inode.Parent()
	if parent == 0 {
		return s.OpenRoot()
	}
	ino, err := s.Open(parent)
	if err != nil {
		return nil, err
	}
	return OpenDirectory(s, ino)
}

// ReopenDir duplicates d onto the same inode with a fresh cursor at 0.
func (s *Store) ReopenDir(d *Directory) *Directory {
	return &Directory{inode: s.Reopen(d.inode), store: s}
}

// CloseDir releases d's backing inode reference.
func (s *Store) CloseDir(d *Directory) error {
	if d == nil {
		return nil
	}
	return s.Close(d.inode)
}

// Inode returns the inode backing d.
func (d *Directory) Inode() *Inode { return d.inode }

func (d *Directory) lock() {
	if d.inode.dirLock != nil {
		d.inode.dirLock.Lock()
	}
}

func (d *Directory) unlock() {
	if d.inode.dirLock != nil {
		d.inode.dirLock.Unlock()
	}
}

func (d *Directory) readEntry(ofs int64) (dirEntry, bool, error) {
	buf := make([]byte, dirEntrySize)
	n, err := d.store.ReadAt(d.inode, buf, ofs)
	if err != nil {
		return dirEntry{}, false, err
	}
	if n != dirEntrySize {
		return dirEntry{}, false, nil
	}
	return decodeDirEntry(buf), true, nil
}

// lookupLocked scans for name, assuming the caller already holds dirLock.
func (d *Directory) lookupLocked(name string) (dirEntry, int64, bool, error) {
	var ofs int64
	for {
		e, ok, err := d.readEntry(ofs)
		if err != nil {
			return dirEntry{}, 0, false, err
		}
		if !ok {
			return dirEntry{}, 0, false, nil
		}
		if e.InUse && e.name() == name {
			return e, ofs, true, nil
		}
		ofs += dirEntrySize
	}
}

// lookupBySectorLocked scans for an entry pointing at sector, assuming the
// caller already holds dirLock. Grounded on the original's lookup_sector,
// used by Remove's "." special case to find a directory's own entry in its
// parent.
func (d *Directory) lookupBySectorLocked(sector uint32) (dirEntry, int64, bool, error) {
	var ofs int64
	for {
		e, ok, err := d.readEntry(ofs)
		if err != nil {
			return dirEntry{}, 0, false, err
		}
		if !ok {
			return dirEntry{}, 0, false, nil
		}
		if e.InUse && e.InodeSector == sector {
			return e, ofs, true, nil
		}
		ofs += dirEntrySize
	}
}

// Lookup searches d for name and opens its inode if found.
func (d *Directory) Lookup(name string) (*Inode, error) {
	d.lock()
	e, _, found, err := d.lookupLocked(name)
	d.unlock()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return d.store.Open(e.InodeSector)
}

// Add adds name -> inodeSector to d. Rejects empty names, names longer than
// NameMax, and duplicates. At most one writer per directory at a time
// (spec.md §5). Per spec.md §9's Open Question, the name is validated
// before the lock is taken, so the invalid-name returns the original leaked
// the lock on never hold it; every later return path releases it.
func (d *Directory) Add(name string, inodeSector uint32) (bool, error) {
	if name == "" || len(name) > NameMax {
		return false, ErrNameInvalid
	}

	d.lock()
	defer d.unlock()

	_, _, found, err := d.lookupLocked(name)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}

	var ofs int64
	for {
		e, ok, err := d.readEntry(ofs)
		if err != nil {
			return false, err
		}
		if !ok || !e.InUse {
			break
		}
		ofs += dirEntrySize
	}

	var entry dirEntry
	entry.InUse = true
	entry.InodeSector = inodeSector
	setName(&entry, name)

	n, err := d.store.WriteAt(d.inode, entry.encode(), ofs)
	if err != nil {
		return false, err
	}
	return n == dirEntrySize, nil
}

// canRemove reports whether the directory backed by ino may be removed: not
// root, empty of in-use entries, and not open elsewhere. holders is the
// number of references to ino held by the caller itself; those and
// canRemove's own reference are not counted as "elsewhere". Grounded on the
// original's dir_can_remove; per spec.md §9's Open Question, the open-count
// read happens under the directory's own lock rather than unsynchronized.
func (s *Store) canRemove(ino *Inode, holders int) (bool, error) {
	if ino.Sector() == RootDirSector {
		return false, nil
	}
	d, err := OpenDirectory(s, s.Reopen(ino))
	if err != nil {
		return false, err
	}
	defer s.CloseDir(d)

	d.lock()
	defer d.unlock()

	_, _, hasEntry, err := d.firstInUseLocked()
	if err != nil {
		return false, err
	}
	if hasEntry {
		return false, nil
	}
	return ino.OpenCount() <= holders+1, nil
}

func (d *Directory) firstInUseLocked() (dirEntry, int64, bool, error) {
	var ofs int64
	for {
		e, ok, err := d.readEntry(ofs)
		if err != nil {
			return dirEntry{}, 0, false, err
		}
		if !ok {
			return dirEntry{}, 0, false, nil
		}
		if e.InUse {
			return e, ofs, true, nil
		}
		ofs += dirEntrySize
	}
}

// Remove removes name from d. The special name "." removes d itself, found
// in d's parent by inode sector rather than by name (the original's
// behavior, preserved per SPEC_FULL.md §10). A directory may be removed
// only if it is not root, empty, and not open elsewhere; for ".", the
// handle d itself does not count as open elsewhere.
func (d *Directory) Remove(name string) (bool, error) {
	target := d
	var closeTarget bool
	if name == "." {
		parent, err := d.store.OpenParent(d)
		if err != nil {
			return false, err
		}
		target = parent
		closeTarget = true
	}
	if closeTarget {
		defer d.store.CloseDir(target)
	}

	target.lock()

	var (
		entry dirEntry
		ofs   int64
		found bool
		err   error
	)
	if name == "." {
		entry, ofs, found, err = target.lookupBySectorLocked(d.inode.Sector())
	} else {
		entry, ofs, found, err = target.lookupLocked(name)
	}
	if err != nil {
		target.unlock()
		return false, err
	}
	if !found {
		target.unlock()
		return false, nil
	}

	ino, err := d.store.Open(entry.InodeSector)
	if err != nil {
		target.unlock()
		return false, err
	}

	if ino.IsDir() {
		// The Open above holds one reference; for ".", d holds another.
		holders := 1
		if name == "." {
			holders = 2
		}
		ok, err := d.store.canRemove(ino, holders)
		if err != nil {
			target.unlock()
			d.store.Close(ino)
			return false, err
		}
		if !ok {
			target.unlock()
			d.store.Close(ino)
			return false, ErrBusy
		}
	}

	entry.InUse = false
	n, err := target.store.WriteAt(target.inode, entry.encode(), ofs)
	target.unlock()
	if err != nil {
		d.store.Close(ino)
		return false, err
	}
	if n != dirEntrySize {
		d.store.Close(ino)
		return false, nil
	}

	d.store.Remove(ino)
	d.store.Close(ino)
	return true, nil
}

// Readdir advances d's cursor past free entries and copies the first
// in-use name it finds into name. Returns false at EOF.
func (d *Directory) Readdir() (string, bool, error) {
	d.lock()
	defer d.unlock()

	for {
		e, ok, err := d.readEntry(d.pos)
		if err != nil {
			return "", false, err
		}
		if !ok {
			return "", false, nil
		}
		d.pos += dirEntrySize
		if e.InUse {
			return e.name(), true, nil
		}
	}
}

// Seek sets d's cursor.
func (d *Directory) Seek(pos int64) {
	d.lock()
	d.pos = pos
	d.unlock()
}

// Tell returns d's cursor.
func (d *Directory) Tell() int64 {
	d.lock()
	defer d.unlock()
	return d.pos
}
