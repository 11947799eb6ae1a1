/*
Package cratemirror is a tool for maintaining local Cargo registries.

cratemirror reads Cargo.lock files and mirrors every registry package they
reference into a directory that Cargo can use as a local registry:
  - Incremental updates; packages already present are verified, not fetched
  - SHA-256 verification of every archive before it is committed
  - Atomic index and archive updates with file locking
  - Concurrent downloads with bounded retries
  - Read-only HTTP serving and tar.xz export for air-gapped hosts

The main packages are:

	github.com/mirrorctl/cratemirror/internal/crate     - registry formats: index lines, checksums and paths
	github.com/mirrorctl/cratemirror/internal/lockfile  - Cargo.lock parsing
	github.com/mirrorctl/cratemirror/internal/platform  - platform predicates of dependency edges
	github.com/mirrorctl/cratemirror/internal/mirror    - fetching, storage and sync orchestration
	github.com/mirrorctl/cratemirror/cmd/cratemirror    - Command-line interface
*/
package cratemirror
