// Package crate defines the data shared by the lock document reader and the
// mirror: resolved package descriptors, checksums, index entries and the
// deterministic on-disk naming of a Cargo local registry.
package crate

import (
	"cmp"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
	"github.com/mirrorctl/cratemirror/internal/platform"
)

// Dependency kinds as written in index files.
const (
	KindNormal = "normal"
	KindBuild  = "build"
	KindDev    = "dev"
)

// ErrInvalidDescriptor marks descriptors that fail Validate.
var ErrInvalidDescriptor = errors.New("invalid package descriptor")

// Dependency is one declared edge of a package.
type Dependency struct {
	// Name is the name the dependent uses for the edge.
	Name string
	// Version is the pinned version when the lock document names one.
	Version string
	// Req overrides the requirement derived from Version.
	Req string
	Kind     string
	Package  string
	Optional bool
	// Target gates the edge; nil means it applies everywhere.
	Target *platform.Predicate
}

// Requirement returns the version requirement recorded in the index.
func (d Dependency) Requirement() string {
	switch {
	case d.Req != "":
		return d.Req
	case d.Version != "":
		return "^" + d.Version
	}
	return "*"
}

// Descriptor is one resolved package of a lock document.
type Descriptor struct {
	Name         string
	Version      *semver.Version
	Source       string
	Checksum     Checksum
	Dependencies []Dependency
}

// NewDescriptor validates name and version and returns a descriptor
// without dependencies.
func NewDescriptor(name, version, source string, sum Checksum) (*Descriptor, error) {
	if !ValidName(name) {
		return nil, errors.Mark(errors.Newf("invalid package name %q", name), ErrInvalidDescriptor)
	}
	v, err := semver.StrictNewVersion(version)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "%s: version %q", name, version), ErrInvalidDescriptor)
	}
	return &Descriptor{Name: name, Version: v, Source: source, Checksum: sum}, nil
}

// Vers returns the version exactly as written in the lock document.
func (d *Descriptor) Vers() string {
	return d.Version.Original()
}

// ID returns the identity of d in the lock document's own notation.
func (d *Descriptor) ID() string {
	if d.Source == "" {
		return d.Name + " " + d.Vers()
	}
	return d.Name + " " + d.Vers() + " (" + d.Source + ")"
}

func (d *Descriptor) String() string {
	return d.Name + "@" + d.Vers()
}

// ArchiveFilename returns the file name of d's archive in a mirror.
func (d *Descriptor) ArchiveFilename() string {
	return ArchiveFilename(d.Name, d.Vers())
}

// ValidName reports whether s is usable as a package name.
// Names are ASCII alphanumerics, '-' and '_', starting with a letter or '_'.
func ValidName(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case (c >= '0' && c <= '9') || c == '-':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// CompareVersions orders two versions by semver precedence and breaks ties
// (build metadata) on the literal text so the order is total.
func CompareVersions(a, b *semver.Version) int {
	if c := a.Compare(b); c != 0 {
		return c
	}
	return strings.Compare(a.Original(), b.Original())
}

// Compare orders descriptors by name, version and then source.
func Compare(a, b *Descriptor) int {
	return cmp.Or(
		strings.Compare(a.Name, b.Name),
		CompareVersions(a.Version, b.Version),
		strings.Compare(a.Source, b.Source),
	)
}

// Sort sorts ds in place and drops descriptors with a duplicate identity.
// The first occurrence of a duplicate in the input wins.
func Sort(ds []*Descriptor) []*Descriptor {
	slices.SortStableFunc(ds, Compare)
	return slices.CompactFunc(ds, func(a, b *Descriptor) bool {
		return Compare(a, b) == 0
	})
}
