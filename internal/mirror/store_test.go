package mirror

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/mirrorctl/cratemirror/internal/crate"
	"github.com/mirrorctl/cratemirror/internal/platform"
)

func TestOpenStore(t *testing.T) {
	t.Parallel()

	if _, err := OpenStore("relative/dir"); err == nil || !strings.Contains(err.Error(), "not absolute") {
		t.Errorf(`OpenStore("relative/dir") = %v, want a not absolute error`, err)
	}

	dir := filepath.Join(t.TempDir(), "mirror")
	store, err := OpenStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{crate.IndexDir, tempDirname} {
		if st, err := os.Stat(filepath.Join(dir, d)); err != nil || !st.IsDir() {
			t.Errorf(`%s was not created: %v`, d, err)
		}
	}
	if store.Dir() != dir {
		t.Errorf(`store.Dir() = %q, want %q`, store.Dir(), dir)
	}

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenStore(file); err == nil {
		t.Error(`OpenStore should reject a regular file`)
	}
}

func TestEnsureRegistryMarker(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	wrote, err := store.EnsureRegistryMarker()
	if err != nil {
		t.Fatal(err)
	}
	if !wrote {
		t.Error(`first EnsureRegistryMarker should write`)
	}

	p := filepath.Join(store.Dir(), markerFilename)
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"api":null,"dl":"{crate}-{version}.crate","kind":"local-registry"}`
	if string(data) != want {
		t.Errorf(`marker = %s, want %s`, data, want)
	}
	st1, _ := os.Stat(p)

	wrote, err = store.EnsureRegistryMarker()
	if err != nil {
		t.Fatal(err)
	}
	if wrote {
		t.Error(`unchanged marker should not be rewritten`)
	}
	st2, _ := os.Stat(p)
	if !os.SameFile(st1, st2) {
		t.Error(`marker file was replaced`)
	}

	// a foreign marker is corrected
	if err := os.WriteFile(p, []byte(`{"kind":"remote"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	wrote, err = store.EnsureRegistryMarker()
	if err != nil || !wrote {
		t.Errorf(`EnsureRegistryMarker() = %v, %v; want true, nil`, wrote, err)
	}
}

func TestCommitAndHasValidEntry(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	d := testDescriptor(t, "serde", "1.0.130")
	data := testArchive("serde", "1.0.130")

	if store.HasValidEntry(d.Name, d.Vers(), d.Checksum) {
		t.Fatal(`empty store has a valid entry`)
	}

	n, err := store.Commit(d, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(data)) {
		t.Errorf(`Commit() wrote %d bytes, want %d`, n, len(data))
	}
	if !store.HasValidEntry(d.Name, d.Vers(), d.Checksum) {
		t.Error(`committed package is not valid`)
	}

	stored, err := os.ReadFile(filepath.Join(store.Dir(), "serde-1.0.130.crate"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stored, data) {
		t.Error(`stored archive differs`)
	}

	index, err := os.ReadFile(filepath.Join(store.Dir(), "index", "se", "rd", "serde"))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"name":"serde","vers":"1.0.130","deps":[],"cksum":"` + d.Checksum.Hex() +
		`","features":{},"yanked":false}` + "\n"
	if string(index) != want {
		t.Errorf("index =\n%s\nwant\n%s", index, want)
	}

	// another checksum is not the same entry
	other := sumOf([]byte("other"))
	if store.HasValidEntry(d.Name, d.Vers(), other) {
		t.Error(`HasValidEntry accepted a different checksum`)
	}
}

func TestCommitMismatch(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	d := testDescriptor(t, "rand", "0.8.5")

	_, err := store.Commit(d, strings.NewReader("tampered"))
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf(`Commit() = %v, want checksum mismatch`, err)
	}
	if Category(err) != CategoryChecksum {
		t.Errorf(`Category() = %q`, Category(err))
	}
	if _, err := os.Stat(store.ArchivePath("rand", "0.8.5")); !os.IsNotExist(err) {
		t.Error(`archive of a mismatching commit exists`)
	}
	if _, err := os.Stat(store.IndexPath("rand")); !os.IsNotExist(err) {
		t.Error(`index of a mismatching commit exists`)
	}
	if entries, _ := os.ReadDir(filepath.Join(store.Dir(), tempDirname)); len(entries) != 0 {
		t.Errorf(`temp files left: %d`, len(entries))
	}
}

func TestIndexSortedByVersion(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	for _, v := range []string{"1.0.10", "0.9.0", "1.0.9", "1.0.10-rc.1"} {
		d := testDescriptor(t, "Inflector", v)
		if _, err := store.Commit(d, bytes.NewReader(testArchive("Inflector", v))); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := store.Entries("inflector")
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Vers)
	}
	want := "0.9.0 1.0.9 1.0.10-rc.1 1.0.10"
	if strings.Join(got, " ") != want {
		t.Errorf(`versions = %v, want %s`, got, want)
	}

	// index path is lowercased, archive name is not
	if _, err := os.Stat(filepath.Join(store.Dir(), "index", "in", "fl", "inflector")); err != nil {
		t.Error(err)
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), "Inflector-0.9.0.crate")); err != nil {
		t.Error(err)
	}
}

func TestCommitIndexesManifest(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	archive := packCrate(t, "serde", "1.0.130", map[string]string{
		"Cargo.toml": `[package]
name = "serde"
version = "1.0.130"
rust-version = "1.15"

[dependencies.serde_derive]
version = "=1.0.130"
optional = true

[target."cfg(windows)".dependencies.winapi]
version = "0.3"
features = ["winbase"]

[features]
default = ["std"]
derive = ["serde_derive"]
std = []
`,
		"src/lib.rs": "",
	})
	d, err := crate.NewDescriptor("serde", "1.0.130", testSource, sumOf(archive))
	if err != nil {
		t.Fatal(err)
	}
	// a lock document records neither features nor targets
	d.Dependencies = []crate.Dependency{{Name: "serde_derive", Version: "1.0.130"}}
	if _, err := store.Commit(d, bytes.NewReader(archive)); err != nil {
		t.Fatal(err)
	}

	index, err := os.ReadFile(store.IndexPath("serde"))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"name":"serde","vers":"1.0.130","deps":[` +
		`{"name":"serde_derive","req":"=1.0.130","features":[],"optional":true,"default_features":true,"target":null,"kind":"normal"},` +
		`{"name":"winapi","req":"^0.3","features":["winbase"],"optional":false,"default_features":true,"target":"cfg(windows)","kind":"normal"}` +
		`],"cksum":"` + sumOf(archive).Hex() + `","features":{"default":["std"],"derive":["serde_derive"],"std":[]},` +
		`"yanked":false,"rust_version":"1.15"}` + "\n"
	if string(index) != want {
		t.Errorf("index =\n%s\nwant\n%s", index, want)
	}
	if !store.HasValidEntry("serde", "1.0.130", d.Checksum) {
		t.Error(`committed package is not valid`)
	}
}

func TestCommitPreservesPredicates(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	d := testDescriptor(t, "tokio", "1.38.0")
	d.Dependencies = []crate.Dependency{
		{Name: "libc", Version: "0.2.155", Target: platform.MustParse(`cfg(unix)`)},
		{Name: "windows-sys", Version: "0.48.0", Target: platform.MustParse(`cfg(windows)`)},
		{Name: "bytes", Version: "1.6.0"},
	}
	if _, err := store.Commit(d, bytes.NewReader(testArchive("tokio", "1.38.0"))); err != nil {
		t.Fatal(err)
	}

	index, err := os.ReadFile(store.IndexPath("tokio"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"target":"cfg(unix)"`, `"target":"cfg(windows)"`, `"target":null`} {
		if !bytes.Contains(index, []byte(want)) {
			t.Errorf(`index does not contain %s:\n%s`, want, index)
		}
	}
}

func TestIncompleteCommitIsNotValid(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	d := testDescriptor(t, "log", "0.4.22")
	data := testArchive("log", "0.4.22")

	// archive without index line
	if err := os.WriteFile(store.ArchivePath("log", "0.4.22"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if store.HasValidEntry(d.Name, d.Vers(), d.Checksum) {
		t.Error(`archive without index entry is valid`)
	}

	// index line without archive
	if _, err := store.Commit(d, bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(store.ArchivePath("log", "0.4.22")); err != nil {
		t.Fatal(err)
	}
	if store.HasValidEntry(d.Name, d.Vers(), d.Checksum) {
		t.Error(`index entry without archive is valid`)
	}
}

func TestEntriesDropsInvalidLines(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	d := testDescriptor(t, "itoa", "1.0.11")
	if _, err := store.Commit(d, bytes.NewReader(testArchive("itoa", "1.0.11"))); err != nil {
		t.Fatal(err)
	}

	p := store.IndexPath("itoa")
	good, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	garbage := "not json\n" +
		`{"name":"ryu","vers":"1.0.0","deps":[],"cksum":"00","features":{},"yanked":false}` + "\n" +
		string(good)
	if err := os.WriteFile(p, []byte(garbage+string(good)), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := store.Entries("itoa")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Vers != "1.0.11" {
		t.Errorf(`entries = %v, want only itoa 1.0.11`, entries)
	}
}

func TestUpsertKeepsUnchangedEntries(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	d := testDescriptor(t, "memchr", "2.7.4")
	data := testArchive("memchr", "2.7.4")
	if _, err := store.Commit(d, bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}

	// an entry written by another tool keeps its exact bytes
	p := store.IndexPath("memchr")
	custom := `{"name":"memchr","vers":"2.7.4","deps":[],"cksum":"` + d.Checksum.Hex() +
		`","features":{"std":[]},"yanked":true,"rust_version":"1.61"}` + "\n"
	if err := os.WriteFile(p, []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Commit(d, bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != custom {
		t.Errorf("index rewritten:\n%s", got)
	}
}

func TestUpsertCorrectsChecksum(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	d := testDescriptor(t, "cfg-if", "1.0.0")
	data := testArchive("cfg-if", "1.0.0")

	stale := `{"name":"cfg-if","vers":"1.0.0","deps":[],"cksum":"` + strings.Repeat("ab", 32) +
		`","features":{},"yanked":true}` + "\n"
	if err := os.MkdirAll(filepath.Dir(store.IndexPath("cfg-if")), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(store.IndexPath("cfg-if"), []byte(stale), 0o644); err != nil {
		t.Fatal(err)
	}
	if store.HasValidEntry(d.Name, d.Vers(), d.Checksum) {
		t.Fatal(`stale entry is valid`)
	}

	if _, err := store.Commit(d, bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	e, err := store.Entry("cfg-if", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if e.Cksum != d.Checksum.Hex() {
		t.Errorf(`cksum = %s, want %s`, e.Cksum, d.Checksum.Hex())
	}
	if !e.Yanked {
		t.Error(`yanked flag was lost`)
	}
}

func TestYank(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	for _, v := range []string{"0.1.0", "0.2.0"} {
		d := testDescriptor(t, "once_cell", v)
		if _, err := store.Commit(d, bytes.NewReader(testArchive("once_cell", v))); err != nil {
			t.Fatal(err)
		}
	}

	changed, err := store.Yank("once_cell", "0.1.0", true)
	if err != nil || !changed {
		t.Fatalf(`Yank() = %v, %v`, changed, err)
	}
	changed, err = store.Yank("once_cell", "0.1.0", true)
	if err != nil || changed {
		t.Errorf(`second Yank() = %v, %v; want false, nil`, changed, err)
	}

	entries, err := store.Entries("once_cell")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf(`yanking removed an entry: %d left`, len(entries))
	}
	if !entries[0].Yanked || entries[1].Yanked {
		t.Errorf(`yanked = %v, %v`, entries[0].Yanked, entries[1].Yanked)
	}

	if _, err := store.Yank("once_cell", "0.1.0", false); err != nil {
		t.Fatal(err)
	}
	if e, _ := store.Entry("once_cell", "0.1.0"); e.Yanked {
		t.Error(`unyank did not clear the flag`)
	}

	if _, err := store.Yank("once_cell", "9.9.9", true); !errors.Is(err, ErrNotFound) {
		t.Errorf(`Yank() of unknown version = %v, want ErrNotFound`, err)
	}
}

func TestCleanTemp(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	for range 3 {
		f, err := store.TempFile()
		if err != nil {
			t.Fatal(err)
		}
		f.Close()
	}
	n, err := store.CleanTemp()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf(`CleanTemp() = %d, want 3`, n)
	}
}

func TestIndexNamesAndArchives(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	for _, p := range [][2]string{{"a", "1.0.0"}, {"abc", "0.1.0"}, {"serde_json", "1.0.1"}} {
		d := testDescriptor(t, p[0], p[1])
		if _, err := store.Commit(d, bytes.NewReader(testArchive(p[0], p[1]))); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(store.Dir(), "index", "README"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	names, err := store.IndexNames()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(names, ",") != "a,abc,serde_json" {
		t.Errorf(`IndexNames() = %v`, names)
	}

	archives, err := store.Archives()
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 3 || archives[2].Name != "serde_json" || archives[2].Version != "1.0.1" {
		t.Errorf(`Archives() = %+v`, archives)
	}
}
