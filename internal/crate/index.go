package crate

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
	"github.com/kaptinlin/jsonschema"
	"github.com/mirrorctl/cratemirror/internal/platform"
)

// ErrInvalidIndexLine marks index lines rejected by ParseLine.
var ErrInvalidIndexLine = errors.New("invalid index line")

//go:embed index_schema.json
var indexSchemaJSON []byte

var indexSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(indexSchemaJSON)
	if err != nil {
		return nil, errors.Wrap(err, "compile index schema")
	}
	return schema, nil
})

// IndexDependency is a dependency record of an index line.
// Field order matches what cargo writes.
type IndexDependency struct {
	Name            string              `json:"name"`
	Req             string              `json:"req"`
	Features        []string            `json:"features"`
	Optional        bool                `json:"optional"`
	DefaultFeatures bool                `json:"default_features"`
	Target          *platform.Predicate `json:"target"`
	Kind            string              `json:"kind"`
	Package         string              `json:"package,omitempty"`
}

// IndexEntry is one line of a package's index file: the metadata of a
// single version.
type IndexEntry struct {
	Name        string              `json:"name"`
	Vers        string              `json:"vers"`
	Deps        []IndexDependency   `json:"deps"`
	Cksum       string              `json:"cksum"`
	Features    map[string][]string `json:"features"`
	Features2   map[string][]string `json:"features2,omitempty"`
	Yanked      bool                `json:"yanked"`
	Links       string              `json:"links,omitempty"`
	V           int                 `json:"v,omitempty"`
	RustVersion string              `json:"rust_version,omitempty"`

	// raw is the line as read from disk. Unmodified entries are written
	// back byte for byte.
	raw []byte
}

// EntryFromDescriptor builds the index entry recorded for d.
// Platform predicates are carried over as written.
func EntryFromDescriptor(d *Descriptor) *IndexEntry {
	deps := make([]IndexDependency, 0, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		kind := dep.Kind
		if kind == "" {
			kind = KindNormal
		}
		deps = append(deps, IndexDependency{
			Name:            dep.Name,
			Req:             dep.Requirement(),
			Features:        []string{},
			Optional:        dep.Optional,
			DefaultFeatures: true,
			Target:          dep.Target,
			Kind:            kind,
			Package:         dep.Package,
		})
	}
	return &IndexEntry{
		Name:     d.Name,
		Vers:     d.Vers(),
		Deps:     deps,
		Cksum:    d.Checksum.String(),
		Features: map[string][]string{},
	}
}

// Checksum parses the recorded checksum.
func (e *IndexEntry) Checksum() (Checksum, error) {
	return ParseChecksum(e.Cksum)
}

// Version parses the recorded version.
func (e *IndexEntry) Version() (*semver.Version, error) {
	return semver.StrictNewVersion(e.Vers)
}

// SetYanked updates the yanked flag and reports whether it changed.
func (e *IndexEntry) SetYanked(yanked bool) bool {
	if e.Yanked == yanked {
		return false
	}
	e.Yanked = yanked
	e.raw = nil
	return true
}

// MarshalLine encodes e as a single index line without the trailing newline.
func (e *IndexEntry) MarshalLine() ([]byte, error) {
	if e.raw != nil {
		return e.raw, nil
	}

	out := *e
	out.Deps = slices.Clone(out.Deps)
	if out.Deps == nil {
		out.Deps = []IndexDependency{}
	}
	if out.Features == nil {
		out.Features = map[string][]string{}
	}
	for i := range out.Deps {
		if out.Deps[i].Features == nil {
			out.Deps[i].Features = []string{}
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&out); err != nil {
		return nil, errors.Wrapf(err, "encode index line for %s@%s", e.Name, e.Vers)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ParseLine decodes and validates one index line. The line must satisfy
// the index schema, carry a strict semantic version and a parsable checksum.
func ParseLine(line []byte) (*IndexEntry, error) {
	line = bytes.TrimSpace(line)
	if !json.Valid(line) {
		return nil, errors.Mark(errors.New("not a JSON document"), ErrInvalidIndexLine)
	}
	schema, err := indexSchema()
	if err != nil {
		return nil, err
	}

	result := schema.ValidateJSON(line)
	if !result.IsValid() {
		msgs := make([]string, 0, len(result.Errors))
		for field, e := range result.Errors {
			msgs = append(msgs, fmt.Sprintf("%s: %v", field, e))
		}
		slices.Sort(msgs)
		return nil, errors.Mark(errors.Newf("schema: %s", strings.Join(msgs, "; ")), ErrInvalidIndexLine)
	}

	e := &IndexEntry{}
	if err := json.Unmarshal(line, e); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode index line"), ErrInvalidIndexLine)
	}
	if _, err := e.Version(); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "%s: version %q", e.Name, e.Vers), ErrInvalidIndexLine)
	}
	if _, err := e.Checksum(); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "%s@%s", e.Name, e.Vers), ErrInvalidIndexLine)
	}
	e.raw = bytes.Clone(line)
	return e, nil
}
