// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package builder implements the coordinator: download_and_build, the single entry point that
// resolves a sdist.SourceDist to a built, tag-compatible wheel, consulting and populating the
// on-disk cache along the way.
//
// Grounded directly on original_source/crates/puffin-distribution/src/source_dist.rs's
// SourceDistCachedBuilder, translated from its async-task dispatch to plain blocking calls --
// cancellation and concurrency are the caller's responsibility (SPEC_FULL.md §5), not this
// package's. The one exception is runBlocking: Git fetch and build-backend dispatch each still
// run on their own goroutine, solely so a panic from either can be recovered and surfaced as a
// sdisterr.JoinError instead of crossing into the caller's goroutine.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/sdistcache/pkg/capability"
	"github.com/datawire/sdistcache/pkg/coremetadata"
	"github.com/datawire/sdistcache/pkg/gitlock"
	"github.com/datawire/sdistcache/pkg/gitsource"
	"github.com/datawire/sdistcache/pkg/reporter"
	"github.com/datawire/sdistcache/pkg/reproducible"
	"github.com/datawire/sdistcache/pkg/sdist"
	"github.com/datawire/sdistcache/pkg/sdistcache"
	"github.com/datawire/sdistcache/pkg/sdisterr"
	"github.com/datawire/sdistcache/pkg/wheelfilename"
)

// SourceDistCachedBuilder is the coordinator: it owns the four capabilities download_and_build
// dispatches to, and the Tags set it builds for.
//
// Mirrors the four-field shape of the Rust SourceDistCachedBuilder (build_context, cached_client,
// git, reporter) plus the Tags the Rust version threads through a separate parameter.
type SourceDistCachedBuilder struct {
	BuildContext capability.BuildContext
	CachedClient capability.CachedClient
	Git          capability.GitSource
	Reporter     capability.Reporter
	Tags         capability.Tags
}

func (b *SourceDistCachedBuilder) reporter() capability.Reporter {
	if b.Reporter != nil {
		return b.Reporter
	}
	return noopReporter{}
}

// runBlocking runs fn on its own goroutine and waits for it, recovering any panic and
// translating it to a sdisterr.JoinError the way a Rust task join surfaces a worker panic to its
// awaiter. Git fetch and build-backend dispatch are the two blocking workers that warrant this:
// both shell out to, or otherwise depend on, code outside this package's control.
func runBlocking(fn func() error) (err error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				err = &sdisterr.JoinError{Cause: fmt.Errorf("%v", r)}
			}
		}()
		err = fn()
	}()
	<-done
	return err
}

type noopReporter struct{}

func (noopReporter) OnBuildStart(string) int                 { return 0 }
func (noopReporter) OnBuildComplete(string, int)             {}
func (noopReporter) OnDownloadProgress(string, int64, int64) {}
func (noopReporter) OnCheckoutStart(string, string) int      { return 0 }
func (noopReporter) OnCheckoutComplete(string, string, int)  {}

// DownloadAndBuild dispatches on sd.Kind and returns the tag-compatible built wheel, building one
// fresh if no cached entry qualifies. See spec.md §4.1 for the per-variant algorithm.
func (b *SourceDistCachedBuilder) DownloadAndBuild(ctx context.Context, sd sdist.SourceDist) (*sdistcache.BuiltWheelMetadata, error) {
	switch sd.Kind {
	case sdist.KindRegistry:
		return b.downloadAndBuildHTTP(ctx, sd, sdistcache.WheelCache{
			Root: b.BuildContext.CacheRoot(),
			Kind: sdistcache.ShardIndex,
			Key:  sd.Index,
		}, sd.File.URL, sd.File.Filename)
	case sdist.KindDirectURL:
		filename := filepath.Base(sd.URL)
		return b.downloadAndBuildHTTP(ctx, sd, sdistcache.WheelCache{
			Root: b.BuildContext.CacheRoot(),
			Kind: sdistcache.ShardURL,
			Key:  sd.URL,
		}, sd.URL, filename)
	case sdist.KindGit:
		return b.downloadAndBuildGit(ctx, sd)
	case sdist.KindPath:
		return b.downloadAndBuildPath(ctx, sd)
	default:
		return nil, fmt.Errorf("unknown source dist kind: %s", sd.Kind)
	}
}

// downloadAndBuildHTTP implements the "Direct URL & Registry" branch of spec.md §4.1.
func (b *SourceDistCachedBuilder) downloadAndBuildHTTP(
	ctx context.Context,
	sd sdist.SourceDist,
	wc sdistcache.WheelCache,
	fetchURL, sdistFilename string,
) (*sdistcache.BuiltWheelMetadata, error) {
	entry := sdistcache.NewCacheEntry(wc, sdistFilename)
	entryRef := capability.CacheEntryRef{Dir: entry.Dir, File: entry.File}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, &sdisterr.URLParseError{URL: fetchURL, Cause: err}
	}

	cb := func(ctx context.Context, resp *http.Response) (interface{}, error) {
		if _, statErr := os.Stat(entry.Dir); statErr == nil {
			if rmErr := os.RemoveAll(entry.Dir); rmErr != nil {
				return nil, &sdisterr.IOError{Op: "invalidating stale cache entry", Cause: rmErr}
			}
		}

		if err := os.MkdirAll(filepath.Join(wc.Root, "built-wheels"), 0o755); err != nil {
			return nil, &sdisterr.IOError{Op: "creating download temp directory", Cause: err}
		}
		downloadDir, err := os.MkdirTemp(filepath.Join(wc.Root, "built-wheels"), "download-*")
		if err != nil {
			return nil, &sdisterr.IOError{Op: "creating download temp directory", Cause: err}
		}
		defer os.RemoveAll(downloadDir)

		archivePath := filepath.Join(downloadDir, sdistFilename)
		if err := streamToFile(ctx, sd.Name, resp, archivePath, b.reporter()); err != nil {
			return nil, err
		}

		bwm, err := b.buildSourceDist(ctx, sd, archivePath, sd.Subdirectory, entry)
		if err != nil {
			return nil, err
		}

		return sdistcache.Metadata21s{
			bwm.Filename.String(): {
				DiskFilename: filepath.Base(bwm.Path),
				Metadata:     bwm.Metadata,
			},
		}, nil
	}

	var result sdistcache.Metadata21s
	fromCache, err := b.CachedClient.GetCachedWithCallback(ctx, req, entryRef, cb, &result)
	if err != nil {
		return nil, &sdisterr.ClientError{Cause: err}
	}

	if wf, dm, ok := result.FindCompatible(b.Tags); ok {
		return &sdistcache.BuiltWheelMetadata{
			Path:     filepath.Join(entry.Dir, dm.DiskFilename),
			Filename: wf,
			Metadata: dm.Metadata,
		}, nil
	}

	if !fromCache {
		// cb just performed a fresh build; per spec.md §4.1's intro, the freshly built wheel is
		// returned even if it isn't tag-compatible -- it is by construction the best the
		// current build environment produces, so there is nothing to gain from rebuilding it
		// again via the stale-artifact path below.
		for _, dm := range result {
			wf, werr := wheelfilename.Parse(dm.DiskFilename)
			if werr != nil {
				continue
			}
			return &sdistcache.BuiltWheelMetadata{
				Path:     filepath.Join(entry.Dir, dm.DiskFilename),
				Filename: *wf,
				Metadata: dm.Metadata,
			}, nil
		}
	}

	// Stale-artifact-but-fresh-body path (spec.md §4.1 step 5): the HTTP body is current (the
	// conditional GET was satisfied by the persisted representation) but nothing compatible
	// with the current Tags is cached. Re-download uncached and build fresh.
	dlog.Debugf(ctx, "no tag-compatible wheel cached for %s, rebuilding", sdistFilename)

	uncachedReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, &sdisterr.URLParseError{URL: fetchURL, Cause: err}
	}
	resp, err := b.CachedClient.Uncached().Do(uncachedReq)
	if err != nil {
		return nil, &sdisterr.RequestError{Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &sdisterr.RequestError{Cause: fmt.Errorf("GET %s: unexpected status %s", fetchURL, resp.Status)}
	}

	if err := os.MkdirAll(filepath.Join(wc.Root, "built-wheels"), 0o755); err != nil {
		return nil, &sdisterr.IOError{Op: "creating download temp directory", Cause: err}
	}
	downloadDir, err := os.MkdirTemp(filepath.Join(wc.Root, "built-wheels"), "download-*")
	if err != nil {
		return nil, &sdisterr.IOError{Op: "creating download temp directory", Cause: err}
	}
	defer os.RemoveAll(downloadDir)

	archivePath := filepath.Join(downloadDir, sdistFilename)
	if err := streamToFile(ctx, sd.Name, resp, archivePath, b.reporter()); err != nil {
		return nil, err
	}

	bwm, err := b.buildSourceDist(ctx, sd, archivePath, sd.Subdirectory, entry)
	if err != nil {
		return nil, err
	}

	// Read-modify-write the existing envelope, preserving its HTTP cache policy sidecar.
	env, _, loadErr := sdistcache.LoadHTTPBacked(entry.File)
	if loadErr != nil {
		// Best-effort per spec.md §4.1 edge case: the build is still good even if we can't
		// merge it back into metadata.json this run.
		dlog.Warnf(ctx, "failed to reload cache metadata for %s, build result not persisted: %v", sdistFilename, loadErr)
		return bwm, nil
	}
	if env.Data == nil {
		env.Data = sdistcache.Metadata21s{}
	}
	env.Data[bwm.Filename.String()] = sdistcache.DiskFilenameAndMetadata{
		DiskFilename: filepath.Base(bwm.Path),
		Metadata:     bwm.Metadata,
	}
	env.Policy.FetchedAtUTC = reproducible.Now().UTC().Format(time.RFC3339)
	if saveErr := sdistcache.SaveHTTPBacked(entry.File, env); saveErr != nil {
		dlog.Warnf(ctx, "failed to persist rebuilt cache metadata for %s: %v", sdistFilename, saveErr)
	}

	return bwm, nil
}

// downloadAndBuildGit implements the "Git" branch of spec.md §4.1.
func (b *SourceDistCachedBuilder) downloadAndBuildGit(ctx context.Context, sd sdist.SourceDist) (*sdistcache.BuiltWheelMetadata, error) {
	root := b.BuildContext.CacheRoot()
	canonicalURL, rev, subdir := splitGitURL(sd.URL)
	if subdir == "" {
		subdir = sd.Subdirectory
	}
	digest := gitsource.Digest(canonicalURL)

	lockPath := filepath.Join(sdistcache.GitLocksDir(root), digest)
	lock, err := gitlock.New(lockPath)
	if err != nil {
		return nil, &sdisterr.GitError{URL: canonicalURL, Cause: err}
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil {
			dlog.Warnf(ctx, "releasing git lock for %s: %v", canonicalURL, uerr)
		}
	}()

	forwarder := reporter.GitForwarder{Reporter: b.reporter()}
	var fetch *capability.GitFetchResult
	err = runBlocking(func() error {
		var err error
		fetch, err = b.Git.Fetch(ctx, canonicalURL, rev, forwarder)
		return err
	})
	if err != nil {
		return nil, &sdisterr.GitError{URL: canonicalURL, Cause: err}
	}

	wc := sdistcache.WheelCache{Root: root, Kind: sdistcache.ShardGit, Key: canonicalURL}
	entry := sdistcache.NewCacheEntry(wc, fetch.PreciseSHA)

	existing, _, err := sdistcache.LoadGitBacked(entry.File)
	if err != nil {
		return nil, &sdisterr.SerdeError{Cause: err}
	}
	if existing == nil {
		existing = sdistcache.Metadata21s{}
	}

	if wf, dm, ok := existing.FindCompatible(b.Tags); ok {
		return &sdistcache.BuiltWheelMetadata{
			Path:     filepath.Join(entry.Dir, dm.DiskFilename),
			Filename: wf,
			Metadata: dm.Metadata,
		}, nil
	}

	bwm, err := b.buildSourceDist(ctx, sd, fetch.WorkingTreePath, subdir, entry)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(bwm.Metadata.Name, sd.Name) {
		return nil, &sdisterr.NameMismatchError{Given: sd.Name, Metadata: bwm.Metadata.Name}
	}

	existing[bwm.Filename.String()] = sdistcache.DiskFilenameAndMetadata{
		DiskFilename: filepath.Base(bwm.Path),
		Metadata:     bwm.Metadata,
	}
	if err := sdistcache.SaveGitBacked(entry.File, existing); err != nil {
		return nil, &sdisterr.IOError{Op: "persisting git cache metadata", Cause: err}
	}

	return bwm, nil
}

// downloadAndBuildPath implements the "Local Path" branch of spec.md §4.1: always rebuild, no
// cross-invocation result caching, but a stable cache leaf so repeated builds of the same path
// land in the same directory.
func (b *SourceDistCachedBuilder) downloadAndBuildPath(ctx context.Context, sd sdist.SourceDist) (*sdistcache.BuiltWheelMetadata, error) {
	distID, err := sd.DistributionID()
	if err != nil {
		return nil, fmt.Errorf("resolving path sdist: %w", err)
	}

	root := b.BuildContext.CacheRoot()
	entry := sdistcache.CacheEntry{
		Dir:  filepath.Join(root, "built-wheels", "path", distID),
		File: filepath.Join(root, "built-wheels", "path", distID, "metadata.json"),
	}

	return b.buildSourceDist(ctx, sd, sd.Path, sd.Subdirectory, entry)
}

// buildSourceDist is the shared build adapter of spec.md §4.3, used by all four branches.
func (b *SourceDistCachedBuilder) buildSourceDist(
	ctx context.Context,
	sd sdist.SourceDist,
	srcPath, subdir string,
	entry sdistcache.CacheEntry,
) (*sdistcache.BuiltWheelMetadata, error) {
	if b.BuildContext.NoBuild() {
		return nil, &sdisterr.BuildsDisabledError{SdistName: sd.Name}
	}

	if err := os.MkdirAll(entry.Dir, 0o755); err != nil {
		return nil, &sdisterr.IOError{Op: "creating cache entry directory", Cause: err}
	}

	token := b.reporter().OnBuildStart(sd.Name)
	var diskFilename string
	err := runBlocking(func() error {
		var err error
		diskFilename, err = b.BuildContext.BuildSource(ctx, srcPath, subdir, entry.Dir, sd.Name)
		return err
	})
	b.reporter().OnBuildComplete(sd.Name, token)
	if err != nil {
		return nil, &sdisterr.BuildError{SdistName: sd.Name, Cause: err}
	}

	wf, err := wheelfilename.Parse(diskFilename)
	if err != nil {
		return nil, &sdisterr.WheelFilenameError{Filename: diskFilename, Cause: err}
	}

	wheelPath := filepath.Join(entry.Dir, diskFilename)
	metadata, err := coremetadata.ParseWheel(wheelPath)
	if err != nil {
		return nil, &sdisterr.MetadataError{Cause: err}
	}

	return &sdistcache.BuiltWheelMetadata{
		Path:     wheelPath,
		Filename: *wf,
		Metadata: *metadata,
	}, nil
}

// streamToFile drains resp's body to dest, reporting progress via the reporter's download
// callback as it goes.
func streamToFile(ctx context.Context, sdistName string, resp *http.Response, dest string, rep capability.Reporter) error {
	out, err := os.Create(dest)
	if err != nil {
		return &sdisterr.IOError{Op: "creating download file", Cause: err}
	}
	defer out.Close()

	total := resp.ContentLength
	var downloaded int64
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return &sdisterr.IOError{Op: "writing download file", Cause: werr}
			}
			downloaded += int64(n)
			rep.OnDownloadProgress(sdistName, downloaded, total)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return &sdisterr.IOError{Op: "reading download body", Cause: rerr}
		}
	}
	return nil
}

// splitGitURL splits a Git sdist URL of the form "https://host/repo.git@rev#subdirectory=sub"
// into its canonical URL, revision, and optional subdirectory, the PEP 508 VCS-URL convention.
func splitGitURL(raw string) (canonicalURL, rev, subdir string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, "", ""
	}
	if u.Fragment != "" {
		if vals, ferr := url.ParseQuery(u.Fragment); ferr == nil {
			subdir = vals.Get("subdirectory")
		}
		u.Fragment = ""
	}

	base := u.String()
	if at := strings.LastIndex(base, "@"); at >= 0 && !strings.Contains(base[at:], "/") {
		rev = base[at+1:]
		base = base[:at]
	}

	canonicalURL = gitsource.Canonicalize(base)
	return canonicalURL, rev, subdir
}
