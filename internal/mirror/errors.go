package mirror

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/mirrorctl/cratemirror/internal/crate"
)

var (
	// ErrTransport marks failures to retrieve an archive from upstream.
	ErrTransport = errors.New("transport error")

	// ErrIO marks failures to read or write the mirror directory.
	ErrIO = errors.New("mirror i/o error")

	// ErrChecksumMismatch marks archives whose digest differs from the
	// checksum recorded in the lock document.
	ErrChecksumMismatch = crate.ErrChecksumMismatch
)

// Failure categories reported in a SyncReport.
const (
	CategoryTransport = "transport"
	CategoryChecksum  = "checksum"
	CategoryIO        = "io"
)

// TransportError describes a fetch that failed after all attempts.
type TransportError struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("fetch %s", e.URL)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" (after %d attempts)", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrTransport) hold.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func ioError(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrIO)
}

// Category classifies a package failure.
func Category(err error) string {
	switch {
	case errors.Is(err, ErrChecksumMismatch):
		return CategoryChecksum
	case errors.Is(err, ErrTransport):
		return CategoryTransport
	}
	return CategoryIO
}
