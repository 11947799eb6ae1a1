// Package lockfile reads Cargo lock documents (Cargo.lock, format versions
// 1 through 4) into resolved package descriptors.
//
// Only packages that come from a registry are returned. Path packages have
// nothing to mirror and are dropped silently; git packages carry no checksum
// and are reported in Document.Excluded so callers can warn about them.
package lockfile

import (
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/mirrorctl/cratemirror/internal/crate"
	"github.com/mirrorctl/cratemirror/internal/platform"
)

var (
	// ErrMalformedLockDocument is returned when a document cannot be parsed
	// or holds an invalid name, version, checksum or dependency entry.
	ErrMalformedLockDocument = errors.New("malformed lock document")

	// ErrUnresolvedDependency is returned when a registry package lacks its
	// checksum or a dependency edge names a package the document does not pin.
	ErrUnresolvedDependency = errors.New("unresolved dependency")
)

// SourceKind classifies a package source identifier.
type SourceKind int

const (
	SourcePath SourceKind = iota
	SourceGit
	SourceRegistry
	SourceSparse
)

func (k SourceKind) String() string {
	switch k {
	case SourcePath:
		return "path"
	case SourceGit:
		return "git"
	case SourceRegistry:
		return "registry"
	case SourceSparse:
		return "sparse"
	}
	return "unknown"
}

// Mirrored reports whether packages of this kind are mirrored.
func (k SourceKind) Mirrored() bool {
	return k == SourceRegistry || k == SourceSparse
}

// ClassifySource returns the kind of a source identifier. An empty source
// denotes a path package.
func ClassifySource(source string) (SourceKind, error) {
	kind, _, found := strings.Cut(source, "+")
	switch {
	case source == "":
		return SourcePath, nil
	case !found:
	case kind == "path":
		return SourcePath, nil
	case kind == "git":
		return SourceGit, nil
	case kind == "registry":
		return SourceRegistry, nil
	case kind == "sparse":
		return SourceSparse, nil
	}
	return 0, errors.Newf("unknown source kind %q", source)
}

// Excluded is a package that was skipped because its source is not mirrored.
type Excluded struct {
	Name    string
	Version string
	Source  string
	Kind    SourceKind
}

// Document is a parsed lock document.
type Document struct {
	Path string

	// Version is the value of the top level version key; 0 when absent
	// (format versions 1 and 2).
	Version int

	// Packages holds the mirrored packages sorted by crate.Compare.
	Packages []*crate.Descriptor

	// Excluded holds git packages, in document order.
	Excluded []Excluded
}

type rawPackage struct {
	Name         string `toml:"name"`
	Version      string `toml:"version"`
	Source       string `toml:"source"`
	Checksum     string `toml:"checksum"`
	Dependencies []any  `toml:"dependencies"`
	Replace      string `toml:"replace"`
}

type rawDocument struct {
	Version  int               `toml:"version"`
	Root     *rawPackage       `toml:"root"`
	Packages []rawPackage      `toml:"package"`
	Metadata map[string]string `toml:"metadata"`
}

// ReadFile parses the lock document at path.
func ReadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read lock document %s", path)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	doc.Path = path
	return doc, nil
}

// Parse parses a lock document held in memory.
func Parse(data []byte) (*Document, error) {
	var raw rawDocument
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, malformed(errors.Wrap(err, "decode"))
	}

	all := raw.Packages
	if raw.Root != nil {
		all = append([]rawPackage{*raw.Root}, all...)
	}

	doc := &Document{Version: raw.Version}

	// Checksums of legacy documents live in [metadata].
	for i := range all {
		p := &all[i]
		if p.Checksum != "" || p.Source == "" {
			continue
		}
		key := "checksum " + p.Name + " " + p.Version + " (" + p.Source + ")"
		if v, ok := raw.Metadata[key]; ok && v != "<none>" {
			p.Checksum = v
		}
	}

	type built struct {
		desc *crate.Descriptor
		raw  *rawPackage
	}
	var mirrored []built
	byName := make(map[string][]*rawPackage)
	seen := make(map[string]*crate.Descriptor)

	for i := range all {
		p := &all[i]
		if p.Name == "" {
			return nil, malformed(errors.Newf("package #%d has no name", i+1))
		}
		if p.Version == "" {
			return nil, malformed(errors.Newf("package %s has no version", p.Name))
		}
		byName[p.Name] = append(byName[p.Name], p)

		kind, err := ClassifySource(p.Source)
		if err != nil {
			return nil, malformed(errors.Wrapf(err, "package %s %s", p.Name, p.Version))
		}
		if !kind.Mirrored() {
			// Path and git packages are validated but not mirrored.
			if _, err := crate.NewDescriptor(p.Name, p.Version, p.Source, crate.Checksum{}); err != nil {
				return nil, malformed(err)
			}
			if kind == SourceGit {
				doc.Excluded = append(doc.Excluded, Excluded{Name: p.Name, Version: p.Version, Source: p.Source, Kind: kind})
			}
			continue
		}

		if p.Checksum == "" {
			return nil, errors.Mark(
				errors.Newf("package %s %s (%s) has no checksum", p.Name, p.Version, p.Source),
				ErrUnresolvedDependency)
		}
		sum, err := crate.ParseChecksum(p.Checksum)
		if err != nil {
			return nil, malformed(errors.Wrapf(err, "package %s %s", p.Name, p.Version))
		}
		d, err := crate.NewDescriptor(p.Name, p.Version, p.Source, sum)
		if err != nil {
			return nil, malformed(err)
		}

		if prev, ok := seen[d.ID()]; ok {
			if !prev.Checksum.Equal(d.Checksum) {
				return nil, malformed(errors.Newf("package %s listed twice with different checksums", d.ID()))
			}
			continue
		}
		seen[d.ID()] = d
		mirrored = append(mirrored, built{desc: d, raw: p})
	}

	for _, b := range mirrored {
		for _, item := range b.raw.Dependencies {
			dep, err := parseDependency(item)
			if err != nil {
				return nil, malformed(errors.Wrapf(err, "package %s", b.desc.ID()))
			}
			if err := resolve(&dep, byName); err != nil {
				return nil, errors.Wrapf(err, "package %s", b.desc.ID())
			}
			b.desc.Dependencies = append(b.desc.Dependencies, dep.Dependency)
		}
		doc.Packages = append(doc.Packages, b.desc)
	}
	doc.Packages = crate.Sort(doc.Packages)
	return doc, nil
}

// ReadFiles parses every document and returns the union of their packages,
// sorted and deduplicated, together with all excluded packages.
func ReadFiles(paths ...string) ([]*crate.Descriptor, []Excluded, error) {
	var pkgs []*crate.Descriptor
	var excluded []Excluded
	seen := make(map[string]*crate.Descriptor)
	for _, path := range paths {
		doc, err := ReadFile(path)
		if err != nil {
			return nil, nil, err
		}
		for _, d := range doc.Packages {
			if prev, ok := seen[d.ID()]; ok {
				if !prev.Checksum.Equal(d.Checksum) {
					return nil, nil, malformed(errors.Newf(
						"%s: package %s has a checksum that conflicts with an earlier lock document", path, d.ID()))
				}
				continue
			}
			seen[d.ID()] = d
			pkgs = append(pkgs, d)
		}
		excluded = append(excluded, doc.Excluded...)
	}
	return crate.Sort(pkgs), excluded, nil
}

func malformed(err error) error {
	return errors.Mark(err, ErrMalformedLockDocument)
}

// lockDependency is a dependency edge plus the key used to find its
// package in the document.
type lockDependency struct {
	crate.Dependency
	lookup string
	source string
}

// parseDependency accepts "name", "name version", "name version (source)"
// and inline tables.
func parseDependency(item any) (lockDependency, error) {
	switch v := item.(type) {
	case string:
		return parseDependencyString(v)
	case map[string]any:
		return parseDependencyTable(v)
	}
	return lockDependency{}, errors.Newf("dependency %v: unsupported type %T", item, item)
}

func parseDependencyString(s string) (lockDependency, error) {
	var dep lockDependency
	rest := strings.TrimSpace(s)
	if i := strings.IndexByte(rest, '('); i >= 0 {
		if !strings.HasSuffix(rest, ")") {
			return dep, errors.Newf("dependency %q: unbalanced source", s)
		}
		dep.source = rest[i+1 : len(rest)-1]
		rest = strings.TrimSpace(rest[:i])
	}

	fields := strings.Fields(rest)
	switch len(fields) {
	case 1:
	case 2:
		dep.Version = fields[1]
	default:
		return dep, errors.Newf("dependency %q: expected \"name [version] [(source)]\"", s)
	}
	dep.Name = fields[0]
	dep.lookup = dep.Name
	return dep, validateDependency(dep, s)
}

func parseDependencyTable(m map[string]any) (lockDependency, error) {
	var dep lockDependency
	str := func(key string) (string, error) {
		v, ok := m[key]
		if !ok {
			return "", nil
		}
		s, ok := v.(string)
		if !ok {
			return "", errors.Newf("dependency field %q must be a string, got %T", key, v)
		}
		return s, nil
	}

	var err error
	for key, dst := range map[string]*string{
		"name":    &dep.Name,
		"version": &dep.Version,
		"req":     &dep.Req,
		"kind":    &dep.Kind,
		"package": &dep.Package,
		"source":  &dep.source,
	} {
		if *dst, err = str(key); err != nil {
			return dep, err
		}
	}
	if v, ok := m["optional"]; ok {
		b, ok := v.(bool)
		if !ok {
			return dep, errors.Newf("dependency field \"optional\" must be a boolean, got %T", v)
		}
		dep.Optional = b
	}
	target, err := str("target")
	if err != nil {
		return dep, err
	}
	if target != "" {
		if dep.Target, err = platform.Parse(target); err != nil {
			return dep, errors.Wrapf(err, "dependency %s", dep.Name)
		}
	}
	switch dep.Kind {
	case "", crate.KindNormal, crate.KindBuild, crate.KindDev:
	default:
		return dep, errors.Newf("dependency %s: unknown kind %q", dep.Name, dep.Kind)
	}

	dep.lookup = dep.Name
	if dep.Package != "" {
		dep.lookup = dep.Package
	}
	return dep, validateDependency(dep, dep.Name)
}

func validateDependency(dep lockDependency, text string) error {
	if !crate.ValidName(dep.Name) || !crate.ValidName(dep.lookup) {
		return errors.Newf("dependency %q: invalid name", text)
	}
	if dep.Version != "" {
		if _, err := crate.NewDescriptor(dep.lookup, dep.Version, "", crate.Checksum{}); err != nil {
			return errors.Wrapf(err, "dependency %q", text)
		}
	}
	return nil
}

// resolve pins dep to a package of the document and fills in its version.
func resolve(dep *lockDependency, byName map[string][]*rawPackage) error {
	var match *rawPackage
	for _, p := range byName[dep.lookup] {
		if dep.Version != "" && p.Version != dep.Version {
			continue
		}
		if dep.source != "" && p.Source != dep.source {
			continue
		}
		if match != nil && (match.Version != p.Version || match.Source != p.Source) {
			return errors.Mark(errors.Newf("dependency %s is ambiguous", dep.lookup), ErrUnresolvedDependency)
		}
		match = p
	}
	if match == nil {
		return errors.Mark(errors.Newf("dependency %s %s is not pinned by the document", dep.lookup, dep.Version),
			ErrUnresolvedDependency)
	}
	dep.Version = match.Version
	return nil
}
