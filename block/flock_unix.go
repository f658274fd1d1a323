//go:build aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package block

import (
	"os"

	"golang.org/x/sys/unix"
)

// flockExclusive takes an advisory exclusive lock on f's file descriptor,
// returning a function that releases it.
func flockExclusive(f *os.File) (func() error, error) {
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return nil, err
	}
	return func() error {
		return unix.Flock(fd, unix.LOCK_UN)
	}, nil
}
