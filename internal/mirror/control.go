package mirror

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/mirrorctl/cratemirror/internal/lockfile"
)

// ErrSyncFailed is returned by Run when at least one package is missing
// from the mirror afterwards.
var ErrSyncFailed = errors.New("sync failed")

// validateLockFilePath validates that a lock file path is safe for use.
// It prevents directory traversal attacks by ensuring the path is within the mirror directory.
func validateLockFilePath(lockFile, baseDir string) error {
	cleanLock := filepath.Clean(lockFile)
	cleanBase := filepath.Clean(baseDir)

	if strings.Contains(lockFile, "..") {
		return errors.New("unsafe lock file path (contains directory traversal): " + lockFile)
	}
	if !strings.HasPrefix(cleanLock, cleanBase+string(filepath.Separator)) {
		return errors.New("lock file path outside of mirror directory: " + lockFile)
	}
	return nil
}

// WithLock runs fn while holding the lock of the mirror at dir. The lock
// is not waited for; a mirror in use fails with ErrLocked.
func WithLock(dir string, fn func() error) error {
	lockFile := filepath.Join(dir, lockFilename)
	if err := validateLockFilePath(lockFile, dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ioError(err, "create mirror")
	}

	file, err := os.OpenFile(lockFile, os.O_RDONLY|os.O_CREATE, 0o644) // #nosec G304,G302 - lockFile path validated, 0644 standard for lock files
	if err != nil {
		return ioError(err, "open lock file")
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
	}()

	fileLock := Flock{file}
	if err := fileLock.Lock(); err != nil {
		return err
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
	}()

	return fn()
}

// RunOptions are the per-invocation settings of Run.
type RunOptions struct {
	// LockFiles are the lock documents to mirror. Their packages are merged.
	LockFiles []string

	// Progress receives a progress bar when not nil.
	Progress io.Writer

	// Fetcher replaces the upstream fetcher built from the configuration.
	Fetcher Fetcher
}

// Run syncs the mirror at config.Dir with the packages of the lock
// documents.
//
// The lock documents are read before anything is written. Then the mirror
// lock is acquired and stale temporary files of interrupted runs are
// removed. With config.Clean, versions not referenced by the lock documents
// are pruned after a fully successful sync.
//
// The returned report is non-nil whenever the sync started. The error
// matches ErrSyncFailed when some package is missing afterwards.
func Run(ctx context.Context, config *Config, opts RunOptions) (*Report, error) {
	if len(opts.LockFiles) == 0 {
		return nil, errors.New("no lock documents given")
	}
	descriptors, excluded, err := lockfile.ReadFiles(opts.LockFiles...)
	if err != nil {
		return nil, err
	}
	for _, e := range excluded {
		slog.Warn("not mirroring git package", "crate", e.Name, "version", e.Version, "source", e.Source)
	}

	var report *Report
	err = WithLock(config.Dir, func() error {
		store, err := OpenStore(config.Dir)
		if err != nil {
			return err
		}
		if n, err := store.CleanTemp(); err != nil {
			return err
		} else if n > 0 {
			slog.Info("removed leftovers of an interrupted run", "count", n)
		}

		fetcher := opts.Fetcher
		if fetcher == nil {
			fetcher = NewUpstream(config, store)
		}
		syncer := NewSyncer(store, fetcher, config.MaxConns, config.OnFailure)
		if opts.Progress != nil {
			syncer.SetProgress(opts.Progress)
		}

		report, err = syncer.Sync(ctx, descriptors)
		if err != nil {
			return err
		}

		if config.Clean && report.OK() {
			pruned, err := Prune(store, descriptors)
			report.Pruned = pruned
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	if !report.OK() {
		return report, errors.Mark(
			errors.Newf("%d failed, %d not attempted", report.Failed, report.NotAttempted),
			ErrSyncFailed)
	}
	return report, nil
}
