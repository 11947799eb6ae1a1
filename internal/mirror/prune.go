package mirror

import (
	"log/slog"
	"strings"

	"github.com/mirrorctl/cratemirror/internal/crate"
)

type versionKey struct {
	name    string
	version string
}

func keyOf(name, version string) versionKey {
	return versionKey{strings.ToLower(name), version}
}

// Prune removes index entries and archives of versions not in keep.
// Yanked entries and their archives are retained. Index files left
// without entries are removed. It returns the number of removed entries
// and orphaned archives.
func Prune(store *Store, keep []*crate.Descriptor) (int, error) {
	wanted := make(map[versionKey]bool, len(keep))
	for _, d := range keep {
		wanted[keyOf(d.Name, d.Vers())] = true
	}

	names, err := store.IndexNames()
	if err != nil {
		return 0, err
	}

	removed := 0
	retained := make(map[versionKey]bool)
	for _, name := range names {
		n, err := store.pruneIndex(name, wanted, retained)
		removed += n
		if err != nil {
			return removed, err
		}
	}

	archives, err := store.Archives()
	if err != nil {
		return removed, err
	}
	for _, a := range archives {
		k := keyOf(a.Name, a.Version)
		if wanted[k] || retained[k] {
			continue
		}
		slog.Info("pruning archive", "crate", a.Name, "version", a.Version)
		if err := store.removeArchive(a.Name, a.Version); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// pruneIndex drops unwanted, non-yanked entries from name's index file.
// Versions that stay are added to retained.
func (s *Store) pruneIndex(name string, wanted, retained map[versionKey]bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.Entries(name)
	if err != nil {
		return 0, err
	}
	kept := entries[:0:0]
	for _, e := range entries {
		k := keyOf(e.Name, e.Vers)
		if wanted[k] || e.Yanked {
			kept = append(kept, e)
			retained[k] = true
			continue
		}
		slog.Info("pruning index entry", "crate", e.Name, "version", e.Vers)
	}
	if len(kept) == len(entries) {
		return 0, nil
	}
	return len(entries) - len(kept), s.writeIndex(name, kept)
}
