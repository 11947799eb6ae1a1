package mirror

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// DirSync calls fsync(2) on the directory to save changes in the directory.
//
// This should be called after os.Create, os.Rename and so on.
func DirSync(d string) error {
	f, err := os.Open(d) // #nosec G304 - d is a directory inside the mirror
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// publishFile flushes f, makes it world readable and renames it to dst.
// f is closed in any case and removed on failure. The rename is the only
// point at which dst changes, so readers see either the old or the new
// content.
func publishFile(f *os.File, dst string) error {
	name := f.Name()
	fail := func(err error, what string) error {
		_ = f.Close()
		if rmErr := os.Remove(name); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Warn("failed to remove temp file", "file", name, "error", rmErr)
		}
		return errors.Wrap(err, what)
	}

	if err := f.Sync(); err != nil {
		return fail(err, "fsync "+name)
	}
	if err := f.Chmod(0o644); err != nil {
		return fail(err, "chmod "+name)
	}
	if err := f.Close(); err != nil {
		return fail(err, "close "+name)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fail(err, "mkdir "+filepath.Dir(dst))
	}
	if err := os.Rename(name, dst); err != nil {
		return fail(err, "rename to "+dst)
	}
	return DirSync(filepath.Dir(dst))
}

// closeAndRemoveFile closes and removes a temporary file.
func closeAndRemoveFile(f *os.File) {
	filename := f.Name()
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		slog.Warn("failed to close temp file", "file", filename, "error", err)
	}
	if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove temp file", "file", filename, "error", err)
	}
}
