package fs

import "errors"

// Sentinel errors surfaced to callers, matching spec.md's error-kind table:
// not found, name invalid, out of space, busy, permission.
var (
	ErrNotFound    = errors.New("fs: no such file or directory")
	ErrNameInvalid = errors.New("fs: invalid name")
	ErrNoSpace     = errors.New("fs: free map exhausted")
	ErrBusy        = errors.New("fs: directory not empty or still open")
	ErrDenyWrite   = errors.New("fs: writes denied on this inode")
	ErrNotDir      = errors.New("fs: not a directory")
	ErrIsDir       = errors.New("fs: is a directory")
	ErrCorrupt     = errors.New("fs: corrupt inode (magic mismatch)")
)
