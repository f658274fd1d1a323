//go:build !(aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris)

package block

import "os"

// flockExclusive is a no-op on platforms without an advisory-lock syscall;
// exclusivity there is left to the caller.
func flockExclusive(f *os.File) (func() error, error) {
	return func() error { return nil }, nil
}
