package crate

import (
	"archive/tar"
	"cmp"
	"compress/gzip"
	"io"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/mirrorctl/cratemirror/internal/platform"
)

// maxManifestSize bounds the Cargo.toml read from an archive.
const maxManifestSize = 4 << 20

// ErrNoManifest marks archives without a usable Cargo.toml.
var ErrNoManifest = errors.New("no package manifest")

// dependencyTables are the dependency sections of a manifest or of one
// of its [target.'...'] tables. Both spellings of dev and build tables
// exist in published packages.
type dependencyTables struct {
	Dependencies       map[string]any `toml:"dependencies"`
	DevDependencies    map[string]any `toml:"dev-dependencies"`
	DevDependencies2   map[string]any `toml:"dev_dependencies"`
	BuildDependencies  map[string]any `toml:"build-dependencies"`
	BuildDependencies2 map[string]any `toml:"build_dependencies"`
}

type manifestPackage struct {
	Name        string `toml:"name"`
	Version     string `toml:"version"`
	Links       string `toml:"links"`
	RustVersion string `toml:"rust-version"`
}

type rawManifest struct {
	Package  manifestPackage             `toml:"package"`
	Features map[string][]string         `toml:"features"`
	Target   map[string]dependencyTables `toml:"target"`

	Dependencies       map[string]any `toml:"dependencies"`
	DevDependencies    map[string]any `toml:"dev-dependencies"`
	DevDependencies2   map[string]any `toml:"dev_dependencies"`
	BuildDependencies  map[string]any `toml:"build-dependencies"`
	BuildDependencies2 map[string]any `toml:"build_dependencies"`
}

// Manifest is the metadata of a published package as recorded in the
// normalized Cargo.toml inside its archive.
type Manifest struct {
	Name        string
	Version     string
	Links       string
	RustVersion string
	Features    map[string][]string
	Deps        []IndexDependency
}

// ReadManifest extracts the Cargo.toml of name@version from a gzipped
// .crate archive.
func ReadManifest(r io.Reader, name, version string) (*Manifest, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "gzip"), ErrNoManifest)
	}
	defer zr.Close()

	want := name + "-" + version + "/Cargo.toml"
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, errors.Mark(errors.Newf("%s not found", want), ErrNoManifest)
		}
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "tar"), ErrNoManifest)
		}
		if hdr.Typeflag != tar.TypeReg || !strings.EqualFold(hdr.Name, want) {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxManifestSize))
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "read %s", want), ErrNoManifest)
		}
		m, err := ParseManifest(data)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(m.Name, name) || m.Version != version {
			return nil, errors.Mark(errors.Newf("%s describes %s@%s", want, m.Name, m.Version), ErrNoManifest)
		}
		return m, nil
	}
}

// ParseManifest parses a normalized Cargo.toml. Dependencies are returned
// sorted by name, kind and target.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw rawManifest
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "parse Cargo.toml"), ErrNoManifest)
	}
	if raw.Package.Name == "" || raw.Package.Version == "" {
		return nil, errors.Mark(errors.New("Cargo.toml has no package name or version"), ErrNoManifest)
	}

	m := &Manifest{
		Name:        raw.Package.Name,
		Version:     raw.Package.Version,
		Links:       raw.Package.Links,
		RustVersion: raw.Package.RustVersion,
		Features:    raw.Features,
	}
	top := dependencyTables{
		Dependencies:       raw.Dependencies,
		DevDependencies:    raw.DevDependencies,
		DevDependencies2:   raw.DevDependencies2,
		BuildDependencies:  raw.BuildDependencies,
		BuildDependencies2: raw.BuildDependencies2,
	}
	if err := m.addDeps(top, nil); err != nil {
		return nil, err
	}
	for key, tables := range raw.Target {
		p, err := platform.Parse(key)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "target %q", key), ErrNoManifest)
		}
		// the index records targets in cargo's display form
		p, err = platform.Parse(p.Canonical())
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "target %q", key), ErrNoManifest)
		}
		if err := m.addDeps(tables, p); err != nil {
			return nil, err
		}
	}

	slices.SortStableFunc(m.Deps, func(a, b IndexDependency) int {
		return cmp.Or(
			strings.Compare(a.Name, b.Name),
			strings.Compare(a.Kind, b.Kind),
			strings.Compare(targetText(a.Target), targetText(b.Target)),
		)
	})
	return m, nil
}

func targetText(p *platform.Predicate) string {
	if p == nil {
		return ""
	}
	return p.String()
}

func (m *Manifest) addDeps(t dependencyTables, target *platform.Predicate) error {
	for _, kt := range []struct {
		kind  string
		table map[string]any
	}{
		{KindNormal, t.Dependencies},
		{KindDev, t.DevDependencies},
		{KindDev, t.DevDependencies2},
		{KindBuild, t.BuildDependencies},
		{KindBuild, t.BuildDependencies2},
	} {
		for name, spec := range kt.table {
			dep, err := manifestDependency(name, spec)
			if err != nil {
				return err
			}
			dep.Kind = kt.kind
			dep.Target = target
			m.Deps = append(m.Deps, dep)
		}
	}
	return nil
}

// manifestDependency converts `name = "1.0"` or `name = { version = ... }`.
func manifestDependency(name string, spec any) (IndexDependency, error) {
	dep := IndexDependency{
		Name:            name,
		Req:             "*",
		Features:        []string{},
		DefaultFeatures: true,
	}
	switch v := spec.(type) {
	case string:
		dep.Req = normalizeReq(v)
	case map[string]any:
		if s, ok := v["version"].(string); ok {
			dep.Req = normalizeReq(s)
		}
		if b, ok := v["optional"].(bool); ok {
			dep.Optional = b
		}
		for _, key := range []string{"default-features", "default_features"} {
			if b, ok := v[key].(bool); ok {
				dep.DefaultFeatures = b
			}
		}
		if s, ok := v["package"].(string); ok && s != name {
			dep.Package = s
		}
		if list, ok := v["features"].([]any); ok {
			for _, f := range list {
				s, ok := f.(string)
				if !ok {
					return dep, errors.Mark(errors.Newf("dependency %s: non-string feature", name), ErrNoManifest)
				}
				dep.Features = append(dep.Features, s)
			}
		}
	default:
		return dep, errors.Mark(errors.Newf("dependency %s: unexpected %T", name, spec), ErrNoManifest)
	}
	return dep, nil
}

// normalizeReq writes a requirement the way cargo displays it: bare
// versions get the implicit caret.
func normalizeReq(req string) string {
	parts := strings.Split(req, ",")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" && p[0] >= '0' && p[0] <= '9' {
			p = "^" + p
		}
		parts[i] = p
	}
	out := strings.Join(parts, ", ")
	if out == "" {
		return "*"
	}
	return out
}

// Entry builds the index entry of the manifest's package. Features using
// the `dep:` or `?/` syntax go to features2, as in the crates.io index.
func (m *Manifest) Entry(sum Checksum) *IndexEntry {
	e := &IndexEntry{
		Name:        m.Name,
		Vers:        m.Version,
		Deps:        slices.Clone(m.Deps),
		Cksum:       sum.String(),
		Features:    map[string][]string{},
		Links:       m.Links,
		RustVersion: m.RustVersion,
	}
	for name, values := range m.Features {
		if slices.ContainsFunc(values, isNewFeatureSyntax) {
			if e.Features2 == nil {
				e.Features2 = map[string][]string{}
			}
			e.Features2[name] = values
			e.V = 2
			continue
		}
		if values == nil {
			values = []string{}
		}
		e.Features[name] = values
	}
	return e
}

func isNewFeatureSyntax(v string) bool {
	return strings.HasPrefix(v, "dep:") || strings.Contains(v, "?/")
}
