package mirror

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/mirrorctl/cratemirror/internal/crate"
)

//go:generate mockgen -destination=mocks/mock_fetcher.go -package=mocks github.com/mirrorctl/cratemirror/internal/mirror Fetcher

// Fetcher retrieves the archive of a package from its source.
//
// The returned reader is positioned at the start of the archive and can be
// rewound. Closing it releases any temporary storage. Failures to reach the
// source are reported as errors matching ErrTransport.
type Fetcher interface {
	Fetch(ctx context.Context, d *crate.Descriptor) (io.ReadSeekCloser, error)
}

const (
	userAgent = "cratemirror (+https://github.com/mirrorctl/cratemirror)"

	cratesIODL = "https://static.crates.io/crates/{crate}/{version}/download"
)

// builtinSources are used for sources without a [sources] entry.
var builtinSources = map[string]string{
	"registry+https://github.com/rust-lang/crates.io-index": cratesIODL,
	"sparse+https://index.crates.io/":                       cratesIODL,
}

var templateMarkers = []string{"{crate}", "{version}", "{prefix}", "{lowerprefix}", "{sha256-checksum}"}

// expandTemplate fills in a download URL template. A template without any
// marker gets "/{crate}/{version}/download" appended.
func expandTemplate(dl, name, version, sha256 string) string {
	hasMarker := false
	for _, m := range templateMarkers {
		if strings.Contains(dl, m) {
			hasMarker = true
			break
		}
	}
	if !hasMarker {
		dl = strings.TrimSuffix(dl, "/") + "/{crate}/{version}/download"
	}
	return strings.NewReplacer(
		"{crate}", name,
		"{version}", version,
		"{prefix}", crate.Prefix(name),
		"{lowerprefix}", crate.Prefix(strings.ToLower(name)),
		"{sha256-checksum}", sha256,
	).Replace(dl)
}

// Upstream fetches archives over http, https or from the local filesystem
// (file URLs). HTTP responses are spooled into the mirror's temp directory
// so a broken transfer can be retried from scratch.
type Upstream struct {
	client    *http.Client
	clock     clockwork.Clock
	store     *Store
	sources   map[string]*SourceConfig
	retries   int
	retryWait time.Duration
	timeout   time.Duration

	mu        sync.Mutex
	sparseDLs map[string]string
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithClock replaces the clock used for backoff waits.
func WithClock(clock clockwork.Clock) UpstreamOption {
	return func(u *Upstream) {
		u.clock = clock
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(u *Upstream) {
		u.client = client
	}
}

// NewUpstream creates an Upstream that spools downloads into store.
func NewUpstream(config *Config, store *Store, opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		client:    clonedTransport(),
		clock:     clockwork.NewRealClock(),
		store:     store,
		sources:   config.Sources,
		retries:   config.Retries,
		retryWait: config.RetryWait.Duration,
		timeout:   config.Timeout.Duration,
		sparseDLs: make(map[string]string),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// clonedTransport creates a new HTTP client with optimized transport settings.
func clonedTransport() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second

	return &http.Client{
		Transport: tr,
		Timeout:   0, // no timeout; timeout is controlled by context
	}
}

// DownloadURL resolves the download location of d.
func (u *Upstream) DownloadURL(ctx context.Context, d *crate.Descriptor) (string, map[string]string, error) {
	sha := ""
	if d.Checksum.Algorithm == crate.SHA256 {
		sha = d.Checksum.Hex()
	}

	if sc, ok := u.sources[d.Source]; ok {
		return expandTemplate(sc.DL, d.Name, d.Vers(), sha), sc.Headers, nil
	}
	if dl, ok := builtinSources[d.Source]; ok {
		return expandTemplate(dl, d.Name, d.Vers(), sha), nil, nil
	}
	if index, ok := strings.CutPrefix(d.Source, "sparse+"); ok {
		dl, err := u.sparseDL(ctx, index)
		if err != nil {
			return "", nil, err
		}
		return expandTemplate(dl, d.Name, d.Vers(), sha), nil, nil
	}
	return "", nil, errors.Mark(
		errors.Newf("no download location for source %q; configure [sources.%q]", d.Source, d.Source),
		ErrTransport)
}

// sparseDL reads the dl template from a sparse index's config.json.
func (u *Upstream) sparseDL(ctx context.Context, index string) (string, error) {
	u.mu.Lock()
	dl, ok := u.sparseDLs[index]
	u.mu.Unlock()
	if ok {
		return dl, nil
	}

	configURL := strings.TrimSuffix(index, "/") + "/config.json"
	f, err := u.fetchHTTP(ctx, configURL, nil)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var config struct {
		DL string `json:"dl"`
	}
	if err := json.NewDecoder(f).Decode(&config); err != nil {
		return "", errors.Mark(errors.Wrapf(err, "decode %s", configURL), ErrTransport)
	}
	if config.DL == "" {
		return "", errors.Mark(errors.Newf("%s has no dl", configURL), ErrTransport)
	}

	u.mu.Lock()
	u.sparseDLs[index] = config.DL
	u.mu.Unlock()
	return config.DL, nil
}

// Fetch implements Fetcher.
func (u *Upstream) Fetch(ctx context.Context, d *crate.Descriptor) (io.ReadSeekCloser, error) {
	rawURL, headers, err := u.DownloadURL(ctx, d)
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}

	slog.Debug("fetching", "crate", d.Name, "version", d.Vers(), "url", rawURL)
	switch parsed.Scheme {
	case "file":
		return fetchFile(parsed)
	case "http", "https":
		return u.fetchHTTP(ctx, rawURL, headers)
	}
	return nil, &TransportError{URL: rawURL, Err: errors.New("unsupported scheme: " + parsed.Scheme)}
}

// FetchIndex retrieves the index file of name from the sparse registry
// source. A file the registry does not have fails with ErrNotFound.
func (u *Upstream) FetchIndex(ctx context.Context, source, name string) ([]byte, error) {
	index, ok := strings.CutPrefix(source, "sparse+")
	if !ok {
		return nil, errors.Mark(errors.Newf("%s is not a sparse registry", source), ErrTransport)
	}
	var headers map[string]string
	if sc, ok := u.sources[source]; ok {
		headers = sc.Headers
	}

	rawURL := strings.TrimSuffix(index, "/") + "/" + crate.IndexRelPath(name)
	f, err := u.fetchHTTP(ctx, rawURL, headers)
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) && (te.StatusCode == http.StatusNotFound || te.StatusCode == http.StatusGone) {
			return nil, errors.Mark(err, ErrNotFound)
		}
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, ioError(err, "read index of %s", name)
	}
	return data, nil
}

func fetchFile(u *url.URL) (io.ReadSeekCloser, error) {
	f, err := os.Open(u.Path)
	if err != nil {
		return nil, &TransportError{URL: u.String(), Attempts: 1, Err: err}
	}
	return f, nil
}

// spooledFile is a downloaded body in the mirror's temp directory.
type spooledFile struct {
	*os.File
}

// Close closes and removes the file.
func (f spooledFile) Close() error {
	closeAndRemoveFile(f.File)
	return nil
}

// retryable reports whether a failed attempt may be repeated.
func retryable(status int) bool {
	switch {
	case status == 0:
		// network error or broken body
		return true
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	}
	return false
}

// backoff returns the wait before the given attempt (2, 3, ...).
func (u *Upstream) backoff(attempt int, retryAfter time.Duration) time.Duration {
	wait := u.retryWait
	for i := 2; i < attempt && wait < maxRetryWait; i++ {
		wait *= 2
	}
	if retryAfter > wait {
		wait = retryAfter
	}
	return min(wait, maxRetryWait)
}

// fetchHTTP downloads rawURL into a temp file, retrying network errors,
// 408, 429 and 5xx responses up to u.retries times. Other statuses fail
// immediately.
func (u *Upstream) fetchHTTP(ctx context.Context, rawURL string, headers map[string]string) (io.ReadSeekCloser, error) {
	maxAttempts := u.retries + 1
	var retryAfter time.Duration

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			wait := u.backoff(attempt, retryAfter)
			slog.Warn("retrying download", "url", rawURL, "attempt", attempt, "max_attempts", maxAttempts, "wait", wait)
			if wait > 0 {
				select {
				case <-ctx.Done():
					return nil, &TransportError{URL: rawURL, Attempts: attempt - 1, Err: ctx.Err()}
				case <-u.clock.After(wait):
				}
			}
		}

		f, status, after, err := u.tryHTTP(ctx, rawURL, headers)
		if err == nil {
			return f, nil
		}
		retryAfter = after

		if errors.Is(err, ErrIO) {
			return nil, err
		}
		if ctx.Err() != nil || !retryable(status) || attempt >= maxAttempts {
			return nil, &TransportError{URL: rawURL, StatusCode: status, Attempts: attempt, Err: err}
		}
		slog.Debug("download attempt failed", "url", rawURL, "attempt", attempt, "status", status, "error", err)
	}
}

// tryHTTP makes a single request. status is 0 when no usable response was
// received.
func (u *Upstream) tryHTTP(ctx context.Context, rawURL string, headers map[string]string) (io.ReadSeekCloser, int, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer closeRespBody(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")),
			errors.Newf("unexpected status %s", resp.Status)
	}

	tempfile, err := u.store.TempFile()
	if err != nil {
		// not a transport problem, but nothing to retry either
		return nil, http.StatusOK, 0, ioError(err, "spool %s", rawURL)
	}
	if _, err := io.Copy(tempfile, resp.Body); err != nil {
		closeAndRemoveFile(tempfile)
		return nil, 0, 0, errors.Wrap(err, "read body")
	}
	if _, err := tempfile.Seek(0, io.SeekStart); err != nil {
		closeAndRemoveFile(tempfile)
		return nil, http.StatusOK, 0, ioError(err, "rewind %s", tempfile.Name())
	}
	return spooledFile{tempfile}, http.StatusOK, 0, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// closeRespBody closes HTTP response body.
func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}
