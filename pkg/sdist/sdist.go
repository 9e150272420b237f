// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package sdist defines the SourceDist tagged variant: a reference to a Python source
// distribution, however it was located (registry, direct URL, Git, or local filesystem).
package sdist

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
)

// Kind discriminates the SourceDist variants.
type Kind int

const (
	// KindRegistry is an sdist resolved through a PEP 503 registry index.
	KindRegistry Kind = iota
	// KindDirectURL is an sdist fetched from an arbitrary archive URL.
	KindDirectURL
	// KindGit is an sdist fetched from a Git repository.
	KindGit
	// KindPath is an sdist read from a local directory or archive.
	KindPath
)

func (k Kind) String() string {
	switch k {
	case KindRegistry:
		return "registry"
	case KindDirectURL:
		return "direct-url"
	case KindGit:
		return "git"
	case KindPath:
		return "path"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// RegistryFile identifies the concrete archive a registry index offered for a given release.
type RegistryFile struct {
	URL      string
	Filename string
}

// SourceDist is the tagged-variant reference to a source distribution. Exactly the fields for
// the active Kind are meaningful; callers should use the accessor methods rather than reading
// fields directly for variants other than the one they constructed.
type SourceDist struct {
	Kind Kind

	// Name is the logical package name, present for every variant.
	Name string

	// Registry
	File  RegistryFile
	Index string

	// DirectUrl / Git
	URL string

	// Git / DirectUrl / Registry: an optional "#subdirectory=" locator, PEP 508-style, naming
	// a subdirectory of the fetched tree/archive that actually contains the buildable project.
	Subdirectory string

	// Path
	Path string
}

// Registry constructs a SourceDist resolved via a registry index.
func Registry(name string, file RegistryFile, index string) SourceDist {
	return SourceDist{Kind: KindRegistry, Name: name, File: file, Index: index}
}

// DirectURL constructs a SourceDist fetched from an arbitrary URL.
func DirectURL(name, url string) SourceDist {
	return SourceDist{Kind: KindDirectURL, Name: name, URL: url}
}

// Git constructs a SourceDist fetched from a Git repository.
func Git(name, url string) SourceDist {
	return SourceDist{Kind: KindGit, Name: name, URL: url}
}

// Path constructs a SourceDist read from a local filesystem path.
func Path(name, path string) SourceDist {
	return SourceDist{Kind: KindPath, Name: name, Path: path}
}

// WithSubdirectory returns a copy of sd with Subdirectory set, for the Git/URL #subdirectory=
// convention.
func (sd SourceDist) WithSubdirectory(subdir string) SourceDist {
	sd.Subdirectory = subdir
	return sd
}

// DistributionID returns a stable identifier for a Path sdist, derived from its canonicalized
// absolute location rather than just its package name, so that two different directories that
// happen to declare the same package name never collide in the cache.
//
// This supplements spec.md's "a function of the sdist's distribution_id()" with the original
// Rust implementation's actual behavior: canonicalize, then digest.
func (sd SourceDist) DistributionID() (string, error) {
	if sd.Kind != KindPath {
		return "", fmt.Errorf("DistributionID is only defined for Path sdists, got %s", sd.Kind)
	}
	abs, err := filepath.Abs(sd.Path)
	if err != nil {
		return "", fmt.Errorf("resolving path sdist: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The path may not exist yet in a dry-run context; fall back to the absolute,
		// non-symlink-resolved form rather than failing outright.
		resolved = abs
	}
	sum := sha256.Sum256([]byte(resolved))
	return sd.Name + "-" + hex.EncodeToString(sum[:])[:16], nil
}
