package crate

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
)

const (
	// IndexDir is the directory holding index files inside a mirror.
	IndexDir = "index"

	// ArchiveExt is the extension of archive files.
	ArchiveExt = ".crate"
)

// IndexRelPath returns the slash separated path of name's index file
// relative to the index directory:
//
//	a      -> 1/a
//	ab     -> 2/ab
//	abc    -> 3/a/abc
//	serde  -> se/rd/serde
//
// Names are lowercased.
func IndexRelPath(name string) string {
	if name == "" {
		return ""
	}
	n := strings.ToLower(name)
	return path.Join(Prefix(n), n)
}

// Prefix returns the directory part of name's index path without changing
// its case.
func Prefix(name string) string {
	switch len(name) {
	case 0:
		return ""
	case 1:
		return "1"
	case 2:
		return "2"
	case 3:
		return "3/" + name[:1]
	}
	return name[:2] + "/" + name[2:4]
}

// IndexPath returns the path of name's index file inside mirror dir.
func IndexPath(dir, name string) string {
	return filepath.Join(dir, IndexDir, filepath.FromSlash(IndexRelPath(name)))
}

// ArchiveFilename returns "<name>-<version>.crate".
func ArchiveFilename(name, version string) string {
	return name + "-" + version + ArchiveExt
}

// ArchivePath returns the path of an archive inside mirror dir.
func ArchivePath(dir, name, version string) string {
	return filepath.Join(dir, ArchiveFilename(name, version))
}

// ParseArchiveFilename splits "<name>-<version>.crate".
//
// Both names and versions may contain '-', so every split point is tried
// from the left and the first one followed by a strict semantic version wins:
//
//	sec1-0.7.3.crate                -> sec1, 0.7.3
//	curl-sys-0.4.80+curl-8.12.1.crate -> curl-sys, 0.4.80+curl-8.12.1
func ParseArchiveFilename(filename string) (name, version string, ok bool) {
	stem, found := strings.CutSuffix(filename, ArchiveExt)
	if !found {
		return "", "", false
	}
	for i := 0; i < len(stem); i++ {
		if stem[i] != '-' || i == 0 {
			continue
		}
		if _, err := semver.StrictNewVersion(stem[i+1:]); err == nil {
			return stem[:i], stem[i+1:], true
		}
	}
	return "", "", false
}
