package mirror

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mirrorctl/cratemirror/internal/crate"
)

// Problem kinds found by Audit.
const (
	ProblemCorrupt        = "corrupt"
	ProblemMissingArchive = "missing_archive"
	ProblemOrphanArchive  = "orphan_archive"
	ProblemBadChecksum    = "bad_checksum"
)

// Problem is an inconsistency between the index and the archives.
type Problem struct {
	Kind    string `yaml:"kind"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Detail  string `yaml:"detail,omitempty"`
}

// AuditReport is the result of Audit.
type AuditReport struct {
	Entries  int       `yaml:"entries"`
	Archives int       `yaml:"archives"`
	Problems []Problem `yaml:"problems,omitempty"`
}

// OK reports whether no problem was found.
func (r *AuditReport) OK() bool {
	return len(r.Problems) == 0
}

// Print writes the problems to w.
func (r *AuditReport) Print(w io.Writer) {
	for _, p := range r.Problems {
		if p.Detail != "" {
			fmt.Fprintf(w, "%s: %s@%s: %s\n", p.Kind, p.Name, p.Version, p.Detail)
		} else {
			fmt.Fprintf(w, "%s: %s@%s\n", p.Kind, p.Name, p.Version)
		}
	}
	fmt.Fprintf(w, "checked %d index entries and %d archives, %d problems\n", r.Entries, r.Archives, len(r.Problems))
}

// Audit re-digests every archive referenced by the index and lists
// archives that no index entry refers to. It does not modify the mirror.
func Audit(store *Store) (*AuditReport, error) {
	report := &AuditReport{}
	names, err := store.IndexNames()
	if err != nil {
		return nil, err
	}

	indexed := make(map[versionKey]bool)
	for _, name := range names {
		entries, err := store.Entries(name)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			report.Entries++
			indexed[keyOf(e.Name, e.Vers)] = true
			if p := auditEntry(store, e); p != nil {
				slog.Warn("audit problem", "kind", p.Kind, "crate", p.Name, "version", p.Version, "detail", p.Detail)
				report.Problems = append(report.Problems, *p)
			}
		}
	}

	archives, err := store.Archives()
	if err != nil {
		return nil, err
	}
	report.Archives = len(archives)
	for _, a := range archives {
		if indexed[keyOf(a.Name, a.Version)] {
			continue
		}
		slog.Warn("audit problem", "kind", ProblemOrphanArchive, "crate", a.Name, "version", a.Version)
		report.Problems = append(report.Problems, Problem{Kind: ProblemOrphanArchive, Name: a.Name, Version: a.Version})
	}
	return report, nil
}

func auditEntry(store *Store, e *crate.IndexEntry) *Problem {
	sum, err := e.Checksum()
	if err != nil {
		return &Problem{Kind: ProblemBadChecksum, Name: e.Name, Version: e.Vers, Detail: err.Error()}
	}
	f, err := os.Open(store.ArchivePath(e.Name, e.Vers))
	if os.IsNotExist(err) {
		return &Problem{Kind: ProblemMissingArchive, Name: e.Name, Version: e.Vers}
	}
	if err != nil {
		return &Problem{Kind: ProblemCorrupt, Name: e.Name, Version: e.Vers, Detail: err.Error()}
	}
	defer f.Close()
	if err := crate.Verify(f, sum); err != nil {
		return &Problem{Kind: ProblemCorrupt, Name: e.Name, Version: e.Vers, Detail: err.Error()}
	}
	return nil
}
