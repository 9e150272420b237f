// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package capability declares the external collaborators the coordinator in pkg/builder consumes:
// BuildContext, CachedClient, GitSource, and Reporter. The core never constructs these itself; it
// is handed concrete implementations (pkg/buildctx, pkg/httpcache, pkg/gitsource, pkg/reporter).
package capability

import (
	"context"
	"net/http"

	"github.com/datawire/sdistcache/pkg/python/pep425"
)

// Tags is the interpreter/platform compatibility set a build environment supports, ordered
// most-preferred first. It is satisfied by pep425.Installer.
type Tags = pep425.Installer

// BuildContext builds a source distribution into a wheel and exposes the cache root it should be
// written under.
type BuildContext interface {
	// CacheRoot returns the root of the on-disk cache hierarchy described in pkg/sdistcache.
	CacheRoot() string

	// NoBuild reports whether builds are administratively disabled; when true, BuildSource must
	// not be called.
	NoBuild() bool

	// BuildSource invokes the build backend against the sdist at src (an archive file, a Git
	// working tree, or a local directory), optionally descending into subdir, writing the
	// produced wheel into outDir. It returns the wheel's un-normalized on-disk filename, which
	// may differ from wheelfilename.Generate's normalized rendering.
	BuildSource(ctx context.Context, src, subdir, outDir, displayName string) (diskFilename string, err error)
}

// CacheEntryRef is the subset of sdistcache.CacheEntry that CachedClient needs to know about to
// decide whether its persisted representation is reusable, without importing pkg/sdistcache
// (which itself depends on this package's types).
type CacheEntryRef struct {
	Dir  string
	File string
}

// CachedClient issues a request whose response body is produced only when the server indicates
// the persisted representation is stale; otherwise the callback is skipped and the persisted
// value from a previous GetCachedWithCallback call is returned unchanged.
type CachedClient interface {
	// Uncached returns a plain *http.Client with no conditional-request bookkeeping, used for
	// the §4.1 "stale-artifact-but-fresh-body" fallback GET.
	Uncached() *http.Client

	// GetCachedWithCallback performs a conditional GET for req. If the server's response is
	// unmodified relative to the persisted representation for entry, cb is not invoked and the
	// previously-persisted JSON value is unmarshaled into result. If the response is fresh,
	// cb(resp) is invoked, its return value is persisted to entry.File (JSON-encoded, alongside
	// the response's cache policy) and also unmarshaled into result.
	GetCachedWithCallback(
		ctx context.Context,
		req *http.Request,
		entry CacheEntryRef,
		cb func(ctx context.Context, resp *http.Response) (interface{}, error),
		result interface{},
	) (fromCache bool, err error)
}

// GitFetchResult is what a GitSource fetch yields: the on-disk working tree path and the
// precisely-resolved commit.
type GitFetchResult struct {
	WorkingTreePath string
	PreciseSHA      string
}

// GitSource fetches a Git URL+revision into a working tree. Fetch is a synchronous call; the
// coordinator in pkg/builder runs it on its own goroutine.
type GitSource interface {
	// Fetch clones or updates the repository at url, checks out rev (a branch, tag, or commit-
	// ish), and returns the resulting working tree path and resolved commit SHA.
	Fetch(ctx context.Context, url, rev string, reporter GitReporter) (*GitFetchResult, error)
}

// GitReporter is the Git-specific subset of Reporter, shaped the way the underlying Git library
// expects (distinct from Reporter's own shape, per SPEC_FULL.md §9 "Progress reporter wiring").
type GitReporter interface {
	OnCheckoutStart(url, rev string) int
	OnCheckoutComplete(url, rev string, index int)
}

// Reporter receives progress callbacks from the coordinator. Tokens returned by the On*Start
// methods are opaque to the core and threaded back into the matching On*Complete call.
type Reporter interface {
	OnBuildStart(sdistName string) int
	OnBuildComplete(sdistName string, token int)
	OnDownloadProgress(sdistName string, downloadedBytes, totalBytes int64)
	GitReporter
}
