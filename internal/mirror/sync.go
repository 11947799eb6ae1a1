package mirror

import (
	"context"
	"io"
	"log/slog"
	"slices"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"github.com/mirrorctl/cratemirror/internal/crate"
	"golang.org/x/sync/errgroup"
)

// Syncer brings a Store up to date with a set of package descriptors.
//
// Packages already present with a verified archive are skipped without
// touching the network. The others are fetched and verified by up to
// maxConns goroutines, and committed one at a time in sorted order, so
// repeated runs produce identical logs and index files.
type Syncer struct {
	store    *Store
	fetcher  Fetcher
	maxConns int
	policy   Policy
	progress io.Writer
}

// NewSyncer creates a Syncer.
func NewSyncer(store *Store, fetcher Fetcher, maxConns int, policy Policy) *Syncer {
	if maxConns < 1 {
		maxConns = 1
	}
	if policy == "" {
		policy = PolicyAbort
	}
	return &Syncer{
		store:    store,
		fetcher:  fetcher,
		maxConns: maxConns,
		policy:   policy,
	}
}

// SetProgress enables a progress bar written to w.
func (s *Syncer) SetProgress(w io.Writer) {
	s.progress = w
}

type fetched struct {
	r   io.ReadSeekCloser
	err error
}

// Sync mirrors descriptors into the store. Package failures are recorded
// in the returned Report; an error is returned only when the mirror
// itself cannot be prepared.
func (s *Syncer) Sync(ctx context.Context, descriptors []*crate.Descriptor) (*Report, error) {
	if wrote, err := s.store.EnsureRegistryMarker(); err != nil {
		return nil, err
	} else if wrote {
		slog.Info("wrote registry marker", "dir", s.store.Dir())
	}

	ds := crate.Sort(slices.Clone(descriptors))
	report := &Report{}
	ds, conflicts := splitConflicts(ds)
	bar := s.startProgress(len(ds))
	defer finishProgress(bar)

	slog.Info("sync starts", "dir", s.store.Dir(), "packages", len(ds))

	for _, c := range conflicts {
		s.recordFailure(report, c.d, c.err)
	}
	if len(conflicts) > 0 && s.policy == PolicyAbort {
		slog.Error("aborting sync", "conflicts", len(conflicts))
		report.Aborted = true
		report.NotAttempted += len(ds)
		return report, nil
	}

	var pending []*crate.Descriptor
	for i, d := range ds {
		if ctx.Err() != nil {
			report.NotAttempted += len(ds) - i
			report.Aborted = true
			slog.Warn("sync interrupted", "error", ctx.Err())
			return report, nil
		}
		if s.store.HasValidEntry(d.Name, d.Vers(), d.Checksum) {
			slog.Debug("up to date", "crate", d.Name, "version", d.Vers())
			report.Skipped++
			incrementProgress(bar)
			continue
		}
		pending = append(pending, d)
	}

	if len(pending) > 0 {
		s.fetchAndCommit(ctx, pending, report, bar)
	}

	slog.Info("sync ends", "added", report.Added, "skipped", report.Skipped, "failed", report.Failed,
		"not_attempted", report.NotAttempted, "size", formatBytes(report.Bytes))
	return report, nil
}

type conflict struct {
	d   *crate.Descriptor
	err error
}

// splitConflicts drops descriptors naming a version already pinned by an
// earlier descriptor of ds. A registry holds a single archive per
// version, so the same version from another source is either a duplicate
// (same checksum) or a conflict, which fails. ds must be sorted.
func splitConflicts(ds []*crate.Descriptor) ([]*crate.Descriptor, []conflict) {
	var (
		out       = ds[:0:0]
		conflicts []conflict
		first     = make(map[versionKey]*crate.Descriptor, len(ds))
	)
	for _, d := range ds {
		k := keyOf(d.Name, d.Vers())
		prev, ok := first[k]
		if !ok {
			first[k] = d
			out = append(out, d)
			continue
		}
		if prev.Checksum.Equal(d.Checksum) {
			slog.Debug("same package from another source", "crate", d.Name, "version", d.Vers(),
				"source", d.Source, "kept", prev.Source)
			continue
		}
		err := errors.Mark(errors.Newf("%s@%s from %s has checksum %s, but %s pins %s",
			d.Name, d.Vers(), d.Source, d.Checksum, prev.Source, prev.Checksum), ErrChecksumMismatch)
		conflicts = append(conflicts, conflict{d: d, err: err})
	}
	return out, conflicts
}

// fetchAndCommit runs the fetch workers and commits their results in the
// order of pending.
func (s *Syncer) fetchAndCommit(ctx context.Context, pending []*crate.Descriptor, report *Report, bar *pb.ProgressBar) {
	slots := make([]chan fetched, len(pending))
	for i := range slots {
		slots[i] = make(chan fetched, 1)
	}

	// A token is taken before a fetch starts and returned after its
	// result is committed, which bounds spooled archives to maxConns.
	tokens := make(chan struct{}, s.maxConns)
	for range s.maxConns {
		tokens <- struct{}{}
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(fetchCtx)
	g.Go(func() error {
		for i, d := range pending {
			select {
			case <-gctx.Done():
				return nil
			case <-tokens:
			}
			g.Go(func() error {
				slots[i] <- s.fetch(gctx, d)
				return nil
			})
		}
		return nil
	})

	done := len(pending)
	for i, d := range pending {
		var res fetched
		select {
		case <-fetchCtx.Done():
			done = i
		case res = <-slots[i]:
		}
		if done < len(pending) {
			break
		}
		if ctx.Err() != nil {
			if res.r != nil {
				_ = res.r.Close()
			}
			done = i
			break
		}

		n, err := s.commit(d, res)
		tokens <- struct{}{}
		incrementProgress(bar)

		if err != nil {
			s.recordFailure(report, d, err)
			if s.policy == PolicyAbort {
				slog.Error("aborting sync", "crate", d.Name, "version", d.Vers())
				cancel()
				done = i + 1
				report.Aborted = true
				break
			}
			continue
		}
		report.Added++
		report.Bytes += uint64(n)
	}

	if done < len(pending) {
		if ctx.Err() != nil {
			slog.Warn("sync interrupted", "error", ctx.Err())
		}
		report.Aborted = true
		report.NotAttempted += len(pending) - done
		cancel()
	}

	_ = g.Wait()

	// release archives fetched after the loop stopped
	for _, slot := range slots[done:] {
		select {
		case res := <-slot:
			if res.r != nil {
				_ = res.r.Close()
			}
		default:
		}
	}
}

// fetch retrieves and verifies the archive of d. On success the returned
// reader is rewound.
func (s *Syncer) fetch(ctx context.Context, d *crate.Descriptor) fetched {
	r, err := s.fetcher.Fetch(ctx, d)
	if err != nil {
		return fetched{err: err}
	}
	if err := crate.Verify(r, d.Checksum); err != nil {
		_ = r.Close()
		if errors.Is(err, ErrChecksumMismatch) {
			return fetched{err: errors.Wrapf(err, "%s", d)}
		}
		return fetched{err: ioError(err, "read archive of %s", d)}
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		_ = r.Close()
		return fetched{err: ioError(err, "rewind archive of %s", d)}
	}
	return fetched{r: r}
}

func (s *Syncer) commit(d *crate.Descriptor, res fetched) (int64, error) {
	if res.err != nil {
		return 0, res.err
	}
	defer res.r.Close()

	n, err := s.store.Commit(d, res.r)
	if err != nil {
		return n, err
	}
	slog.Info("added", "crate", d.Name, "version", d.Vers(), "size", n)
	return n, nil
}

func (s *Syncer) recordFailure(report *Report, d *crate.Descriptor, err error) {
	category := Category(err)
	slog.Error("sync failed", "crate", d.Name, "version", d.Vers(), "category", category, "error", err)
	report.Failed++
	report.Failures = append(report.Failures, Failure{
		Package:  d.Name,
		Version:  d.Vers(),
		Source:   d.Source,
		Category: category,
		Reason:   err.Error(),
	})
}

func (s *Syncer) startProgress(total int) *pb.ProgressBar {
	if s.progress == nil || total == 0 {
		return nil
	}
	bar := pb.New(total)
	bar.SetWriter(s.progress)
	bar.SetTemplate(pb.Simple)
	return bar.Start()
}

func incrementProgress(bar *pb.ProgressBar) {
	if bar != nil {
		bar.Increment()
	}
}

func finishProgress(bar *pb.ProgressBar) {
	if bar != nil {
		bar.Finish()
	}
}
