package mirror

import (
	"archive/tar"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ulikunitz/xz"
)

// exportEpoch is the modification time of every exported entry.
var exportEpoch = time.Unix(0, 0).UTC()

// Export writes the mirror as an xz compressed tar archive to out. Entries
// are ordered by path and carry no owner or time information, so equal
// mirrors export to equal bytes. The lock file and the temp directory are
// left out. out is replaced atomically.
func Export(store *Store, out string) (int, error) {
	out, err := filepath.Abs(out)
	if err != nil {
		return 0, err
	}
	if rel, err := filepath.Rel(store.Dir(), out); err == nil && !strings.HasPrefix(rel, "..") {
		return 0, errors.New("export file must be outside of the mirror: " + out)
	}
	f, err := os.CreateTemp(filepath.Dir(out), ".export-*")
	if err != nil {
		return 0, ioError(err, "create %s", out)
	}

	n, err := writeExport(store.Dir(), f)
	if err != nil {
		closeAndRemoveFile(f)
		return n, err
	}
	if err := publishFile(f, out); err != nil {
		return n, ioError(err, "write %s", out)
	}
	slog.Info("exported mirror", "dir", store.Dir(), "out", out, "files", n)
	return n, nil
}

func writeExport(root string, w io.Writer) (int, error) {
	xw, err := xz.NewWriter(w)
	if err != nil {
		return 0, errors.Wrap(err, "xz")
	}
	tw := tar.NewWriter(xw)

	files := 0
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == tempDirname || rel == lockFilename {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case d.IsDir():
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     rel + "/",
				Mode:     0o755,
				ModTime:  exportEpoch,
				Format:   tar.FormatPAX,
			})
		case d.Type().IsRegular():
			files++
			return addExportFile(tw, p, rel)
		}
		slog.Debug("skipping non-regular file", "path", p)
		return nil
	})
	if err != nil {
		return files, ioError(err, "export")
	}
	if err := tw.Close(); err != nil {
		return files, errors.Wrap(err, "tar")
	}
	if err := xw.Close(); err != nil {
		return files, errors.Wrap(err, "xz")
	}
	return files, nil
}

func addExportFile(tw *tar.Writer, p, rel string) error {
	f, err := os.Open(p) // #nosec G304 - p is inside the mirror
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     rel,
		Mode:     0o644,
		Size:     st.Size(),
		ModTime:  exportEpoch,
		Format:   tar.FormatPAX,
	}); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
