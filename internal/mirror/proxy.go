package mirror

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/mirrorctl/cratemirror/internal/crate"
	"golang.org/x/sync/singleflight"
)

// refreshTimeout bounds an index refresh when a copy is already at hand.
const refreshTimeout = 500 * time.Millisecond

type cachedIndex struct {
	content []byte
	checked time.Time
}

// Proxy answers requests the mirror cannot serve from an upstream sparse
// registry. Index files are cached in memory for a TTL and never written
// to the mirror. A missing archive is downloaded, verified against the
// upstream index entry and committed to the mirror together with that
// entry, after which it is served like any mirrored package.
type Proxy struct {
	store    *Store
	upstream *Upstream
	source   string
	ttl      time.Duration
	clock    clockwork.Clock

	mu    sync.Mutex
	cache map[string]cachedIndex

	group singleflight.Group

	// commitMu serializes WithLock within this process.
	commitMu sync.Mutex
}

// NewProxy creates a Proxy for the upstream registry named by config.
func NewProxy(store *Store, upstream *Upstream, config ProxyConfig) (*Proxy, error) {
	if err := config.Check(); err != nil {
		return nil, errors.Wrap(err, "proxy")
	}
	return &Proxy{
		store:    store,
		upstream: upstream,
		source:   config.Upstream,
		ttl:      config.IndexTTL.Duration,
		clock:    upstream.clock,
		cache:    make(map[string]cachedIndex),
	}, nil
}

// Index returns the index file of name. A cached copy younger than the TTL
// is returned as is. Otherwise the upstream file is fetched; when that
// fails the stale copy or the mirror's own file is returned instead.
func (p *Proxy) Index(ctx context.Context, name string) ([]byte, error) {
	key := strings.ToLower(name)

	p.mu.Lock()
	cached, ok := p.cache[key]
	p.mu.Unlock()
	if ok && p.clock.Since(cached.checked) < p.ttl {
		return cached.content, nil
	}

	v, err, _ := p.group.Do("index/"+key, func() (any, error) {
		return p.refreshIndex(context.WithoutCancel(ctx), key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (p *Proxy) refreshIndex(ctx context.Context, key string) ([]byte, error) {
	p.mu.Lock()
	cached, cachedOK := p.cache[key]
	p.mu.Unlock()

	local, err := os.ReadFile(p.store.IndexPath(key))
	localOK := err == nil

	fetchCtx := ctx
	if cachedOK || localOK {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, refreshTimeout)
		defer cancel()
	}
	content, err := p.upstream.FetchIndex(fetchCtx, p.source, key)
	if err == nil {
		p.mu.Lock()
		p.cache[key] = cachedIndex{content: content, checked: p.clock.Now()}
		p.mu.Unlock()
		slog.Debug("fetched upstream index", "crate", key, "size", len(content))
		return content, nil
	}

	switch {
	case cachedOK:
		slog.Warn("upstream index unavailable; serving cached copy", "crate", key, "error", err)
		p.mu.Lock()
		p.cache[key] = cachedIndex{content: cached.content, checked: p.clock.Now()}
		p.mu.Unlock()
		return cached.content, nil
	case localOK:
		slog.Warn("upstream index unavailable; serving mirrored copy", "crate", key, "error", err)
		return local, nil
	}
	return nil, err
}

// Archive makes the archive of name@version available in the mirror and
// returns its path.
func (p *Proxy) Archive(ctx context.Context, name, version string) (string, error) {
	key := strings.ToLower(name) + "@" + version
	v, err, _ := p.group.Do("crate/"+key, func() (any, error) {
		return p.fetchArchive(context.WithoutCancel(ctx), name, version)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Proxy) fetchArchive(ctx context.Context, name, version string) (string, error) {
	content, err := p.Index(ctx, name)
	if err != nil {
		return "", err
	}
	entry, err := findEntry(content, name, version)
	if err != nil {
		return "", err
	}
	sum, err := entry.Checksum()
	if err != nil {
		return "", errors.Wrapf(err, "%s@%s", name, version)
	}
	d, err := crate.NewDescriptor(entry.Name, entry.Vers, p.source, sum)
	if err != nil {
		return "", err
	}

	path := p.store.ArchivePath(d.Name, d.Vers())
	if p.store.HasValidEntry(d.Name, d.Vers(), d.Checksum) {
		return path, nil
	}

	r, err := p.upstream.Fetch(ctx, d)
	if err != nil {
		return "", err
	}
	defer r.Close()

	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	err = WithLock(p.store.Dir(), func() error {
		if p.store.HasValidEntry(d.Name, d.Vers(), d.Checksum) {
			return nil
		}
		n, err := p.store.commit(d, r, entry)
		if err != nil {
			return err
		}
		slog.Info("added", "crate", d.Name, "version", d.Vers(), "size", n, "source", p.source)
		return nil
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// findEntry returns the line of version in an index file. The entry keeps
// the upstream line byte for byte.
func findEntry(content []byte, name, version string) (*crate.IndexEntry, error) {
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), maxIndexLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		e, err := crate.ParseLine(line)
		if err != nil {
			slog.Debug("skipping upstream index line", "crate", name, "error", err)
			continue
		}
		if e.Vers == version && strings.EqualFold(e.Name, name) {
			return e, nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read index of %s", name)
	}
	return nil, errors.Mark(errors.Newf("%s@%s is not in the upstream index", name, version), ErrNotFound)
}
