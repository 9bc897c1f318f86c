//go:build unix

package cache

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// tryLock attempts a non-blocking flock(2) on f. It returns false if another open file holds a conflicting lock.
func tryLock(f *os.File, exclusive bool) (bool, error) {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		switch err {
		case nil:
			return true, nil
		case unix.EWOULDBLOCK:
			return false, nil
		case unix.EINTR:
			continue
		default:
			return false, errors.Wrapf(err, "flock(%q)", f.Name())
		}
	}
}

func unlock(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return errors.Wrapf(err, "unlock(%q)", f.Name())
	}
	return nil
}
