package mirror

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gowebpki/jcs"
	"github.com/mirrorctl/cratemirror/internal/crate"
)

const (
	// markerFilename identifies a directory as a local registry.
	markerFilename = "config.json"

	// tempDirname holds files being written. Nothing in it is ever
	// referenced by the index.
	tempDirname = ".tmp"

	// lockFilename is locked by Run for the duration of a sync.
	lockFilename = ".lock"

	// markerDL is the download template of a local registry.
	markerDL = "{crate}-{version}" + crate.ArchiveExt

	// maxIndexLine bounds a single line of an index file.
	maxIndexLine = 16 << 20
)

// ErrNotFound is returned when an index entry does not exist.
var ErrNotFound = errors.New("not found")

// registryMarker is the content of the registry marker file.
type registryMarker struct {
	API  *string `json:"api"`
	DL   string  `json:"dl"`
	Kind string  `json:"kind"`
}

// markerBytes returns the canonical (RFC 8785) encoding of m.
func markerBytes(m registryMarker) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// Store manages a directory tree laid out as a Cargo local registry:
//
//	<dir>/config.json              registry marker
//	<dir>/index/se/rd/serde        one index file per package name
//	<dir>/serde-1.0.130.crate      one archive per version
//
// Archives and index files are replaced only by renaming a fully written
// and fsynced temporary file from <dir>/.tmp over them.
type Store struct {
	dir string

	// mu serializes index rewrites.
	mu sync.Mutex
}

// OpenStore opens the mirror at dir, creating the directory skeleton if
// needed. dir must be an absolute path.
func OpenStore(dir string) (*Store, error) {
	if !filepath.IsAbs(dir) {
		return nil, errors.New("not absolute: " + dir)
	}
	dir = filepath.Clean(dir)

	st, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, ioError(err, "open mirror")
	case !st.IsDir():
		return nil, errors.New("not a directory: " + dir)
	}

	for _, d := range []string{dir, filepath.Join(dir, crate.IndexDir), filepath.Join(dir, tempDirname)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, ioError(err, "create mirror")
		}
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory of the Store.
func (s *Store) Dir() string {
	return s.dir
}

// TempFile creates a new temporary file inside the mirror's temp directory.
func (s *Store) TempFile() (*os.File, error) {
	return os.CreateTemp(filepath.Join(s.dir, tempDirname), "_tmp")
}

// CleanTemp removes leftovers of interrupted runs from the temp directory
// and returns how many entries were removed.
func (s *Store) CleanTemp() (int, error) {
	tmp := filepath.Join(s.dir, tempDirname)
	entries, err := os.ReadDir(tmp)
	if err != nil {
		return 0, ioError(err, "gc")
	}
	for _, e := range entries {
		p := filepath.Join(tmp, e.Name())
		slog.Debug("removing stale temp file", "path", p)
		if err := os.RemoveAll(p); err != nil {
			return 0, ioError(err, "gc")
		}
	}
	return len(entries), nil
}

// EnsureRegistryMarker writes the registry marker unless an identical one
// exists, and reports whether it wrote.
func (s *Store) EnsureRegistryMarker() (bool, error) {
	want, err := markerBytes(registryMarker{DL: markerDL, Kind: "local-registry"})
	if err != nil {
		return false, errors.Wrap(err, "encode registry marker")
	}

	p := filepath.Join(s.dir, markerFilename)
	have, err := os.ReadFile(p) // #nosec G304 - fixed name inside the mirror
	if err == nil && bytes.Equal(have, want) {
		return false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return false, ioError(err, "read registry marker")
	}

	if err := s.writeFile(p, want); err != nil {
		return false, ioError(err, "write registry marker")
	}
	return true, nil
}

func (s *Store) writeFile(dst string, data []byte) error {
	f, err := s.TempFile()
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		closeAndRemoveFile(f)
		return err
	}
	return publishFile(f, dst)
}

// IndexPath returns the index file path of name.
func (s *Store) IndexPath(name string) string {
	return crate.IndexPath(s.dir, name)
}

// ArchivePath returns the archive path of name at version.
func (s *Store) ArchivePath(name, version string) string {
	return crate.ArchivePath(s.dir, name, version)
}

// Entries returns the index entries of name sorted by version. Lines that
// fail validation are dropped with a warning, so the next commit rewrites
// the file without them. A missing index file yields no entries.
func (s *Store) Entries(name string) ([]*crate.IndexEntry, error) {
	p := s.IndexPath(name)
	f, err := os.Open(p) // #nosec G304 - derived from a validated package name
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, ioError(err, "read index of %s", name)
	}
	defer f.Close()

	var entries []*crate.IndexEntry
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxIndexLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		e, err := crate.ParseLine(line)
		if err != nil {
			slog.Warn("dropping invalid index line", "crate", name, "line", lineNo, "error", err)
			continue
		}
		if !strings.EqualFold(e.Name, name) {
			slog.Warn("dropping index line of another crate", "crate", name, "line", lineNo, "name", e.Name)
			continue
		}
		if seen[e.Vers] {
			slog.Warn("dropping duplicate index line", "crate", name, "version", e.Vers, "line", lineNo)
			continue
		}
		seen[e.Vers] = true
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, ioError(err, "read index of %s", name)
	}
	sortEntries(entries)
	return entries, nil
}

// Entry returns the index entry of name at version, or nil.
func (s *Store) Entry(name, version string) (*crate.IndexEntry, error) {
	entries, err := s.Entries(name)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Vers == version {
			return e, nil
		}
	}
	return nil, nil
}

func sortEntries(entries []*crate.IndexEntry) {
	slices.SortStableFunc(entries, func(a, b *crate.IndexEntry) int {
		va, errA := a.Version()
		vb, errB := b.Version()
		if errA != nil || errB != nil {
			return strings.Compare(a.Vers, b.Vers)
		}
		return crate.CompareVersions(va, vb)
	})
}

// HasValidEntry returns true only if the index holds name@version with the
// expected checksum and the archive on disk digests to that checksum.
// The archive is re-read on every call.
func (s *Store) HasValidEntry(name, version string, expected crate.Checksum) bool {
	log := slog.With("crate", name, "version", version)

	entry, err := s.Entry(name, version)
	if err != nil {
		log.Warn("cannot read index", "error", err)
		return false
	}
	if entry == nil {
		log.Debug("no index entry")
		return false
	}
	sum, err := entry.Checksum()
	if err != nil || !sum.Equal(expected) {
		log.Warn("index checksum differs from lock document", "index", entry.Cksum, "lock", expected.String())
		return false
	}

	f, err := os.Open(s.ArchivePath(name, version))
	if err != nil {
		log.Debug("archive missing", "error", err)
		return false
	}
	defer f.Close()
	if err := crate.Verify(f, expected); err != nil {
		log.Warn("archive does not match its index entry", "error", err)
		return false
	}
	return true
}

// Commit stores the archive read from r for d and then merges d's entry
// into its index file. The bytes are digested again while being written;
// on a mismatch nothing is stored. The entry is built from the Cargo.toml
// inside the archive; only archives without a readable manifest fall back
// to what the lock document records.
func (s *Store) Commit(d *crate.Descriptor, r io.Reader) (int64, error) {
	return s.commit(d, r, nil)
}

// commit is Commit with an index entry supplied by the caller. entry must
// carry d's checksum.
func (s *Store) commit(d *crate.Descriptor, r io.Reader, entry *crate.IndexEntry) (int64, error) {
	f, err := s.TempFile()
	if err != nil {
		return 0, ioError(err, "%s", d)
	}
	sum, n, err := crate.CopyWithChecksum(f, r, d.Checksum.Algorithm)
	if err != nil {
		closeAndRemoveFile(f)
		return n, ioError(err, "write archive of %s", d)
	}
	if err := crate.Match(sum, d.Checksum, n); err != nil {
		closeAndRemoveFile(f)
		return n, errors.Wrapf(err, "%s", d)
	}
	if entry == nil {
		entry = entryFromArchive(d, f)
	}
	if err := publishFile(f, filepath.Join(s.dir, d.ArchiveFilename())); err != nil {
		return n, ioError(err, "store archive of %s", d)
	}
	if err := s.commitIndex(entry); err != nil {
		return n, err
	}
	return n, nil
}

// entryFromArchive reads the manifest of the verified archive in f.
func entryFromArchive(d *crate.Descriptor, f *os.File) *crate.IndexEntry {
	_, err := f.Seek(0, io.SeekStart)
	if err == nil {
		var m *crate.Manifest
		m, err = crate.ReadManifest(f, d.Name, d.Vers())
		if err == nil {
			return m.Entry(d.Checksum)
		}
	}
	slog.Warn("no manifest in archive; indexing lock document metadata", "crate", d.Name, "version", d.Vers(), "error", err)
	return crate.EntryFromDescriptor(d)
}

func (s *Store) commitIndex(entry *crate.IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.Entries(entry.Name)
	if err != nil {
		return err
	}
	merged, changed := upsertEntry(entries, entry)
	if !changed {
		return nil
	}
	return s.writeIndex(entry.Name, merged)
}

// upsertEntry merges e into entries. An existing entry for the same version
// is kept as is when its checksum matches; otherwise it is replaced and only
// its yanked flag is carried over.
func upsertEntry(entries []*crate.IndexEntry, e *crate.IndexEntry) ([]*crate.IndexEntry, bool) {
	for i, old := range entries {
		if old.Vers != e.Vers {
			continue
		}
		if old.Cksum == e.Cksum {
			return entries, false
		}
		slog.Warn("replacing index entry with corrected checksum", "crate", e.Name, "version", e.Vers,
			"old", old.Cksum, "new", e.Cksum)
		e.Yanked = old.Yanked
		merged := slices.Clone(entries)
		merged[i] = e
		return merged, true
	}
	merged := append(slices.Clone(entries), e)
	sortEntries(merged)
	return merged, true
}

// writeIndex replaces the index file of name with entries. An empty list
// removes the file.
func (s *Store) writeIndex(name string, entries []*crate.IndexEntry) error {
	p := s.IndexPath(name)
	if len(entries) == 0 {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return ioError(err, "remove index of %s", name)
		}
		return nil
	}

	var buf bytes.Buffer
	for _, e := range entries {
		line, err := e.MarshalLine()
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := s.writeFile(p, buf.Bytes()); err != nil {
		return ioError(err, "write index of %s", name)
	}
	return nil
}

// Yank sets the yanked flag of name@version. Entries are never removed by
// yanking. It reports whether the index changed.
func (s *Store) Yank(name, version string, yanked bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.Entries(name)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Vers != version {
			continue
		}
		if !e.SetYanked(yanked) {
			return false, nil
		}
		return true, s.writeIndex(name, entries)
	}
	return false, errors.Mark(errors.Newf("%s@%s is not in the index", name, version), ErrNotFound)
}

// IndexNames returns the package names of all index files, sorted.
func (s *Store) IndexNames() ([]string, error) {
	root := filepath.Join(s.dir, crate.IndexDir)
	var names []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := d.Name()
		if crate.IndexRelPath(name) != filepath.ToSlash(rel) {
			slog.Debug("ignoring stray file in index", "path", p)
			return nil
		}
		names = append(names, name)
		return nil
	})
	if err != nil {
		return nil, ioError(err, "walk index")
	}
	slices.Sort(names)
	return names, nil
}

// Archive is an archive file found in the mirror directory.
type Archive struct {
	Filename string
	Name     string
	Version  string
	Size     int64
}

// Archives lists the archive files in the mirror, sorted by file name.
func (s *Store) Archives() ([]Archive, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, ioError(err, "list archives")
	}
	var archives []Archive
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name, version, ok := crate.ParseArchiveFilename(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, ioError(err, "stat %s", e.Name())
		}
		archives = append(archives, Archive{Filename: e.Name(), Name: name, Version: version, Size: info.Size()})
	}
	return archives, nil
}

// removeArchive deletes an archive file.
func (s *Store) removeArchive(name, version string) error {
	if err := os.Remove(s.ArchivePath(name, version)); err != nil && !os.IsNotExist(err) {
		return ioError(err, "remove archive %s@%s", name, version)
	}
	return nil
}
