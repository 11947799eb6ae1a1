package mirror

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/mirrorctl/cratemirror/internal/crate"
)

const testSource = "registry+https://crates.example.com/index"

// RegistryTestServer serves archives at /crates/<name>/<version>/download.
type RegistryTestServer struct {
	server *httptest.Server

	mu       sync.Mutex
	archives map[string][]byte
	failures map[string][]int // statuses returned before the archive
	truncate map[string]bool
	requests map[string]int
	header   http.Header
}

func NewRegistryTestServer() *RegistryTestServer {
	m := &RegistryTestServer{
		archives: make(map[string][]byte),
		failures: make(map[string][]int),
		truncate: make(map[string]bool),
		requests: make(map[string]int),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleRequest))
	return m
}

func (m *RegistryTestServer) Close() {
	m.server.Close()
}

func (m *RegistryTestServer) URL() string {
	return m.server.URL
}

// DL returns a download template pointing at the server.
func (m *RegistryTestServer) DL() string {
	return m.server.URL + "/crates/{crate}/{version}/download"
}

func archivePath(name, version string) string {
	return "/crates/" + name + "/" + version + "/download"
}

func (m *RegistryTestServer) AddArchive(name, version string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archives[archivePath(name, version)] = content
}

// AddFile serves content at an arbitrary path.
func (m *RegistryTestServer) AddFile(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archives[path] = content
}

// FailWith makes the next requests for name@version answer with statuses.
func (m *RegistryTestServer) FailWith(name, version string, statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[archivePath(name, version)] = statuses
}

// Truncate makes the server drop the connection halfway through the body.
func (m *RegistryTestServer) Truncate(name, version string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.truncate[archivePath(name, version)] = true
}

func (m *RegistryTestServer) Requests(name, version string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[archivePath(name, version)]
}

// LastHeader returns a header of the most recent request.
func (m *RegistryTestServer) LastHeader(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header.Get(key)
}

func (m *RegistryTestServer) TotalRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.requests {
		total += n
	}
	return total
}

func (m *RegistryTestServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	p := r.URL.Path
	m.requests[p]++
	m.header = r.Header.Clone()
	var status int
	if statuses := m.failures[p]; len(statuses) > 0 {
		status = statuses[0]
		m.failures[p] = statuses[1:]
	}
	content, ok := m.archives[p]
	truncate := m.truncate[p]
	m.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Length", fmt.Sprint(len(content)))
	if truncate {
		_, _ = w.Write(content[:len(content)/2])
		// abort the response so the client sees an unexpected EOF
		panic(http.ErrAbortHandler)
	}
	_, _ = w.Write(content)
}

// testArchive returns deterministic archive bytes for name@version.
func testArchive(name, version string) []byte {
	return []byte(strings.Repeat(fmt.Sprintf("archive %s-%s\n", name, version), 64))
}

// packCrate builds a .crate archive holding files below <name>-<version>/.
func packCrate(t *testing.T, name, version string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for p, content := range files {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name + "-" + version + "/" + p,
			Mode:     0o644,
			Size:     int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func sumOf(data []byte) crate.Checksum {
	sum := sha256.Sum256(data)
	return crate.Checksum{Algorithm: crate.SHA256, Sum: sum[:]}
}

func testDescriptor(t *testing.T, name, version string) *crate.Descriptor {
	t.Helper()
	d, err := crate.NewDescriptor(name, version, testSource, sumOf(testArchive(name, version)))
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func newTestConfig(dir, dl string) *Config {
	config := NewConfig()
	config.Dir = dir
	config.Retries = 2
	config.RetryWait = Duration{}
	config.Sources = map[string]*SourceConfig{
		testSource: {DL: dl},
	}
	return config
}

// snapshotTree returns the content of every regular file below dir
// except temporary ones, keyed by relative path.
func snapshotTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	tree := make(map[string]string)
	root := os.DirFS(dir)
	err := fs.WalkDir(root, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || strings.HasPrefix(p, tempDirname+"/") || p == lockFilename {
			return nil
		}
		data, err := fs.ReadFile(root, p)
		if err != nil {
			return err
		}
		tree[p] = string(data)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return tree
}

// seekableBytes is an in-memory archive returned by fake fetchers.
type seekableBytes struct {
	*bytes.Reader
	closed bool
}

func newSeekableBytes(data []byte) *seekableBytes {
	return &seekableBytes{Reader: bytes.NewReader(data)}
}

func (s *seekableBytes) Close() error {
	s.closed = true
	return nil
}
