package mirror

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another process holds the mirror lock.
var ErrLocked = errors.New("mirror is locked by another process")

// Flock is an advisory, exclusive, non-blocking file lock.
type Flock struct {
	fil *os.File
}

// Lock acquires the lock. It fails immediately with ErrLocked when the
// file is already locked.
func (f Flock) Lock() error {
	err := unix.Flock(int(f.fil.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return errors.Mark(errors.Wrap(err, f.fil.Name()), ErrLocked)
	}
	return errors.Wrap(err, "flock "+f.fil.Name())
}

// Unlock releases the lock.
func (f Flock) Unlock() error {
	return errors.Wrap(unix.Flock(int(f.fil.Fd()), unix.LOCK_UN), "funlock "+f.fil.Name())
}
