package mirror

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/mirrorctl/cratemirror/internal/crate"
)

func TestExpandTemplate(t *testing.T) {
	t.Parallel()

	sha := "e0a5bff7bb1f2f4ccbfd51d52e0f30f17fa6e0c8c0e8f5b2fbbd0b58e1c4f3a9"
	tests := []struct {
		dl   string
		name string
		want string
	}{
		{
			dl:   "https://static.crates.io/crates/{crate}/{version}/download",
			name: "serde",
			want: "https://static.crates.io/crates/serde/1.0.0/download",
		},
		{
			dl:   "https://crates.example.com/api/v1/crates",
			name: "serde",
			want: "https://crates.example.com/api/v1/crates/serde/1.0.0/download",
		},
		{
			dl:   "https://crates.example.com/api/v1/crates/",
			name: "serde",
			want: "https://crates.example.com/api/v1/crates/serde/1.0.0/download",
		},
		{
			dl:   "https://mirror.example.com/{prefix}/{crate}/{crate}-{version}.crate",
			name: "Inflector",
			want: "https://mirror.example.com/In/fl/Inflector/Inflector-1.0.0.crate",
		},
		{
			dl:   "https://mirror.example.com/{lowerprefix}/{crate}",
			name: "Inflector",
			want: "https://mirror.example.com/in/fl/Inflector",
		},
		{
			dl:   "https://mirror.example.com/{lowerprefix}/{crate}",
			name: "abc",
			want: "https://mirror.example.com/3/a/abc",
		},
		{
			dl:   "https://cas.example.com/{sha256-checksum}",
			name: "serde",
			want: "https://cas.example.com/" + sha,
		},
		{
			dl:   "file:///srv/registry/{crate}-{version}.crate",
			name: "serde",
			want: "file:///srv/registry/serde-1.0.0.crate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.dl, func(t *testing.T) {
			got := expandTemplate(tt.dl, tt.name, "1.0.0", sha)
			if got != tt.want {
				t.Errorf(`expandTemplate() = %q, want %q`, got, tt.want)
			}
		})
	}
}

func TestDownloadURL(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	config := newTestConfig(store.Dir(), "https://crates.example.com/dl")
	u := NewUpstream(config, store)
	ctx := context.Background()

	sum := sumOf([]byte("x"))
	for _, source := range []string{
		"registry+https://github.com/rust-lang/crates.io-index",
		"sparse+https://index.crates.io/",
	} {
		d, err := crate.NewDescriptor("serde", "1.0.130", source, sum)
		if err != nil {
			t.Fatal(err)
		}
		got, _, err := u.DownloadURL(ctx, d)
		if err != nil {
			t.Fatal(err)
		}
		if got != "https://static.crates.io/crates/serde/1.0.130/download" {
			t.Errorf(`DownloadURL(%s) = %q`, source, got)
		}
	}

	d, err := crate.NewDescriptor("serde", "1.0.130", testSource, sum)
	if err != nil {
		t.Fatal(err)
	}
	got, _, err := u.DownloadURL(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://crates.example.com/dl/serde/1.0.130/download" {
		t.Errorf(`DownloadURL(configured) = %q`, got)
	}

	d.Source = "registry+https://unknown.example.com/index"
	_, _, err = u.DownloadURL(ctx, d)
	if !errors.Is(err, ErrTransport) {
		t.Errorf(`DownloadURL(unknown) = %v, want transport error`, err)
	}
}

func TestFetchHTTP(t *testing.T) {
	t.Parallel()

	server := NewRegistryTestServer()
	defer server.Close()
	data := testArchive("anyhow", "1.0.86")
	server.AddArchive("anyhow", "1.0.86", data)

	store := newTestStore(t)
	config := newTestConfig(store.Dir(), server.DL())
	config.Sources[testSource].Headers = map[string]string{"Authorization": "Bearer token"}
	u := NewUpstream(config, store)

	r, err := u.Fetch(context.Background(), testDescriptor(t, "anyhow", "1.0.86"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Error(`fetched bytes differ`)
	}

	if server.LastHeader("Authorization") != "Bearer token" {
		t.Errorf(`Authorization = %q`, server.LastHeader("Authorization"))
	}
	if server.LastHeader("User-Agent") != userAgent {
		t.Errorf(`User-Agent = %q`, server.LastHeader("User-Agent"))
	}

	// the body is spooled in the temp directory until closed
	tmp := filepath.Join(store.Dir(), tempDirname)
	if entries, _ := os.ReadDir(tmp); len(entries) != 1 {
		t.Errorf(`%d spooled files, want 1`, len(entries))
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if entries, _ := os.ReadDir(tmp); len(entries) != 0 {
		t.Errorf(`%d spooled files after Close, want 0`, len(entries))
	}
}

func TestFetchRetryBackoff(t *testing.T) {
	t.Parallel()

	server := NewRegistryTestServer()
	defer server.Close()
	data := testArchive("bytes", "1.6.0")
	server.AddArchive("bytes", "1.6.0", data)
	server.FailWith("bytes", "1.6.0", http.StatusServiceUnavailable, http.StatusTooManyRequests)

	store := newTestStore(t)
	config := newTestConfig(store.Dir(), server.DL())
	config.RetryWait = Duration{time.Second}
	clock := clockwork.NewFakeClock()
	u := NewUpstream(config, store, WithClock(clock))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type result struct {
		r   io.ReadSeekCloser
		err error
	}
	d := testDescriptor(t, "bytes", "1.6.0")
	done := make(chan result, 1)
	go func() {
		r, err := u.Fetch(ctx, d)
		done <- result{r, err}
	}()

	clock.BlockUntil(1)
	if server.Requests("bytes", "1.6.0") != 1 {
		t.Errorf(`requests before first wait = %d, want 1`, server.Requests("bytes", "1.6.0"))
	}
	clock.Advance(time.Second)
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	defer res.r.Close()
	if server.Requests("bytes", "1.6.0") != 3 {
		t.Errorf(`requests = %d, want 3`, server.Requests("bytes", "1.6.0"))
	}
}

func TestFetchRetriesExhausted(t *testing.T) {
	t.Parallel()

	server := NewRegistryTestServer()
	defer server.Close()
	server.FailWith("syn", "2.0.72", 500, 502, 504, 500)

	store := newTestStore(t)
	u := NewUpstream(newTestConfig(store.Dir(), server.DL()), store)

	_, err := u.Fetch(context.Background(), testDescriptor(t, "syn", "2.0.72"))
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf(`Fetch() = %v, want *TransportError`, err)
	}
	if te.Attempts != 3 || te.StatusCode != 504 {
		t.Errorf(`attempts = %d, status = %d; want 3, 504`, te.Attempts, te.StatusCode)
	}
	if !errors.Is(err, ErrTransport) || Category(err) != CategoryTransport {
		t.Errorf(`Category() = %q`, Category(err))
	}
}

func TestFetchTerminalStatus(t *testing.T) {
	t.Parallel()

	server := NewRegistryTestServer()
	defer server.Close()

	store := newTestStore(t)
	u := NewUpstream(newTestConfig(store.Dir(), server.DL()), store)

	_, err := u.Fetch(context.Background(), testDescriptor(t, "quote", "1.0.36"))
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf(`Fetch() = %v, want *TransportError`, err)
	}
	if te.StatusCode != http.StatusNotFound || te.Attempts != 1 {
		t.Errorf(`status = %d, attempts = %d; want 404, 1`, te.StatusCode, te.Attempts)
	}
	if server.Requests("quote", "1.0.36") != 1 {
		t.Errorf(`404 was retried`)
	}
}

func TestFetchTruncated(t *testing.T) {
	t.Parallel()

	server := NewRegistryTestServer()
	defer server.Close()
	server.AddArchive("regex", "1.10.5", testArchive("regex", "1.10.5"))
	server.Truncate("regex", "1.10.5")

	store := newTestStore(t)
	u := NewUpstream(newTestConfig(store.Dir(), server.DL()), store)

	_, err := u.Fetch(context.Background(), testDescriptor(t, "regex", "1.10.5"))
	if !errors.Is(err, ErrTransport) {
		t.Fatalf(`Fetch() = %v, want transport error`, err)
	}
	if server.Requests("regex", "1.10.5") != 3 {
		t.Errorf(`requests = %d, want 3`, server.Requests("regex", "1.10.5"))
	}
	if entries, _ := os.ReadDir(filepath.Join(store.Dir(), tempDirname)); len(entries) != 0 {
		t.Errorf(`%d temp files left`, len(entries))
	}
}

func TestFetchFile(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	data := testArchive("hex", "0.4.3")
	if err := os.WriteFile(filepath.Join(src, "hex-0.4.3.crate"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	store := newTestStore(t)
	u := NewUpstream(newTestConfig(store.Dir(), "file://"+src+"/{crate}-{version}.crate"), store)

	r, err := u.Fetch(context.Background(), testDescriptor(t, "hex", "0.4.3"))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if err := crate.Verify(r, sumOf(data)); err != nil {
		t.Error(err)
	}

	_, err = u.Fetch(context.Background(), testDescriptor(t, "hex", "0.4.2"))
	if !errors.Is(err, ErrTransport) {
		t.Errorf(`Fetch() of missing file = %v, want transport error`, err)
	}
}

func TestFetchSparseConfig(t *testing.T) {
	t.Parallel()

	server := NewRegistryTestServer()
	defer server.Close()
	server.AddFile("/index/config.json", []byte(`{"dl":"`+server.URL()+`/crates","api":null}`))
	data := testArchive("smallvec", "1.13.2")
	server.AddArchive("smallvec", "1.13.2", data)

	store := newTestStore(t)
	u := NewUpstream(NewConfig(), store)

	d := testDescriptor(t, "smallvec", "1.13.2")
	d.Source = "sparse+" + server.URL() + "/index/"
	for range 2 {
		r, err := u.Fetch(context.Background(), d)
		if err != nil {
			t.Fatal(err)
		}
		r.Close()
	}
	// config.json is read once
	server.mu.Lock()
	n := server.requests["/index/config.json"]
	server.mu.Unlock()
	if n != 1 {
		t.Errorf(`config.json requested %d times`, n)
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	u := &Upstream{retryWait: time.Second}
	tests := []struct {
		attempt    int
		retryAfter time.Duration
		want       time.Duration
	}{
		{2, 0, time.Second},
		{3, 0, 2 * time.Second},
		{4, 0, 4 * time.Second},
		{2, 10 * time.Second, 10 * time.Second},
		{12, 0, maxRetryWait},
		{2, time.Hour, maxRetryWait},
	}
	for _, tt := range tests {
		if got := u.backoff(tt.attempt, tt.retryAfter); got != tt.want {
			t.Errorf(`backoff(%d, %v) = %v, want %v`, tt.attempt, tt.retryAfter, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	for status, want := range map[int]bool{
		0:   true,
		408: true,
		429: true,
		500: true,
		503: true,
		400: false,
		403: false,
		404: false,
		410: false,
	} {
		if got := retryable(status); got != want {
			t.Errorf(`retryable(%d) = %v, want %v`, status, got, want)
		}
	}
}
