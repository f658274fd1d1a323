package fs

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"kernelfs/block"
)

// System is the top-level filesystem facade: it wires a block device, an
// inode store, and the free-sector map together and exposes the
// path-resolving operations a process actually calls (spec.md §4).
// Grounded on filesys_init/filesys_done/filesys_create/filesys_open/
// filesys_remove/do_format in the original filesys/filesys.c.
type System struct {
	dev     block.Device
	log     *logrus.Logger
	store   *Store
	freeMap *FreeMap
	root    *Directory
}

// NewSystem loads an already-formatted filesystem from dev.
func NewSystem(dev block.Device, log *logrus.Logger) (*System, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	store := NewStore(dev, log)
	fm := newFreeMap(store, dev.Size())
	store.bindFreeMap(fm)

	if err := fm.load(); err != nil {
		return nil, fmt.Errorf("fs: load free map: %w", err)
	}

	root, err := store.OpenRoot()
	if err != nil {
		return nil, fmt.Errorf("fs: open root: %w", err)
	}

	return &System{dev: dev, log: log, store: store, freeMap: fm, root: root}, nil
}

// Format lays down a fresh filesystem on dev: reserves the boot, free-map,
// and root-directory sectors, then creates the free map's and root
// directory's backing inodes. Mirrors do_format.
func Format(dev block.Device, log *logrus.Logger) (*System, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.Info("fs: formatting filesystem")

	store := NewStore(dev, log)
	fm := newFreeMap(store, dev.Size())
	store.bindFreeMap(fm)

	fm.reserve(0)
	fm.reserve(FreeMapSector)
	fm.reserve(RootDirSector)

	freeMapInode := diskInode{Magic: inodeMagic, Parent: RootDirSector}
	if err := dev.WriteSector(FreeMapSector, freeMapInode.encode()); err != nil {
		return nil, fmt.Errorf("fs: write free map inode header: %w", err)
	}
	if ok, err := store.CreateDirectory(RootDirSector, RootDirEntries, 0); !ok || err != nil {
		if err != nil {
			return nil, fmt.Errorf("fs: create root directory: %w", err)
		}
		return nil, fmt.Errorf("fs: create root directory: no space")
	}

	if err := fm.flush(); err != nil {
		return nil, fmt.Errorf("fs: flush free map: %w", err)
	}

	root, err := store.OpenRoot()
	if err != nil {
		return nil, fmt.Errorf("fs: open root after format: %w", err)
	}
	log.WithField("sectors", dev.Size()).Info("fs: format complete")
	return &System{dev: dev, log: log, store: store, freeMap: fm, root: root}, nil
}

// Shutdown flushes the free map back to disk and releases the root
// directory's reference. Mirrors filesys_done.
func (sys *System) Shutdown() error {
	if err := sys.freeMap.flush(); err != nil {
		return err
	}
	return sys.store.CloseDir(sys.root)
}

// Root returns a fresh handle onto the root directory; the caller owns it
// and must close it.
func (sys *System) Root() *Directory {
	return sys.store.ReopenDir(sys.root)
}

// Create creates a new, empty file of the given initial length at path,
// resolved relative to cwd. Mirrors filesys_create.
func (sys *System) Create(cwd *Directory, path string, initialSize int64) (bool, error) {
	dir, name, err := Resolve(sys.store, cwd, path)
	if err != nil {
		return false, err
	}
	defer sys.store.CloseDir(dir)

	if !ValidCreateName(name) {
		return false, ErrNameInvalid
	}

	sector, ok := sys.freeMap.Allocate(1)
	if !ok {
		return false, ErrNoSpace
	}
	created, err := sys.store.Create(sector, initialSize, dir.Inode().Sector(), false)
	if err != nil {
		sys.freeMap.Release(sector, 1)
		return false, err
	}
	if !created {
		sys.freeMap.Release(sector, 1)
		return false, nil
	}

	added, err := dir.Add(name, sector)
	if err != nil || !added {
		ino, openErr := sys.store.Open(sector)
		if openErr == nil {
			sys.store.Remove(ino)
			sys.store.Close(ino)
		} else {
			sys.freeMap.Release(sector, 1)
		}
		return false, err
	}
	return true, nil
}

// Mkdir creates a new, empty subdirectory at path, following the same
// sector-allocate-then-link sequence as Create (filesys_create).
func (sys *System) Mkdir(cwd *Directory, path string) (bool, error) {
	dir, name, err := Resolve(sys.store, cwd, path)
	if err != nil {
		return false, err
	}
	defer sys.store.CloseDir(dir)

	if !ValidCreateName(name) {
		return false, ErrNameInvalid
	}

	sector, ok := sys.freeMap.Allocate(1)
	if !ok {
		return false, ErrNoSpace
	}
	created, err := sys.store.CreateDirectory(sector, RootDirEntries, dir.Inode().Sector())
	if err != nil {
		sys.freeMap.Release(sector, 1)
		return false, err
	}
	if !created {
		sys.freeMap.Release(sector, 1)
		return false, nil
	}

	added, err := dir.Add(name, sector)
	if err != nil || !added {
		ino, openErr := sys.store.Open(sector)
		if openErr == nil {
			sys.store.Remove(ino)
			sys.store.Close(ino)
		} else {
			sys.freeMap.Release(sector, 1)
		}
		return false, err
	}
	return true, nil
}

// Open opens the inode at path, resolved relative to cwd. Mirrors
// filesys_open.
func (sys *System) Open(cwd *Directory, path string) (*Inode, error) {
	return ResolveOpen(sys.store, cwd, path)
}

// Remove removes the file or empty subdirectory at path. Mirrors
// filesys_remove.
func (sys *System) Remove(cwd *Directory, path string) (bool, error) {
	dir, name, err := Resolve(sys.store, cwd, path)
	if err != nil {
		return false, err
	}
	defer sys.store.CloseDir(dir)
	return dir.Remove(name)
}

// Chdir resolves path relative to cwd and returns a Directory handle onto
// it, suitable for replacing a process's working directory.
func (sys *System) Chdir(cwd *Directory, path string) (*Directory, error) {
	ino, err := ResolveOpen(sys.store, cwd, path)
	if err != nil {
		return nil, err
	}
	if !ino.IsDir() {
		sys.store.Close(ino)
		return nil, ErrNotDir
	}
	return OpenDirectory(sys.store, ino)
}

// CloseInode releases a reference obtained from Open or Create's lookup.
func (sys *System) CloseInode(ino *Inode) error {
	return sys.store.Close(ino)
}

// Store exposes the underlying inode store, for callers (such as the VM
// page-fault resolver) that read and write file-backed pages directly.
func (sys *System) Store() *Store { return sys.store }
