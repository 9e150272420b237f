// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package builder_test

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/sdistcache/pkg/builder"
	"github.com/datawire/sdistcache/pkg/capability"
	"github.com/datawire/sdistcache/pkg/httpcache"
	"github.com/datawire/sdistcache/pkg/python/pep425"
	"github.com/datawire/sdistcache/pkg/reporter"
	"github.com/datawire/sdistcache/pkg/sdist"
	"github.com/datawire/sdistcache/pkg/sdisterr"
)

// fakeBuildContext stands in for pkg/buildctx: every BuildSource call writes a pre-baked wheel
// into outDir and counts its own invocations, so tests can assert on cache-hit behavior without
// shelling out to a real PEP 517 build frontend.
type fakeBuildContext struct {
	cache    string
	noBuild  bool
	calls    int
	filename string
	name     string
	version  string
}

func (f *fakeBuildContext) CacheRoot() string { return f.cache }
func (f *fakeBuildContext) NoBuild() bool     { return f.noBuild }

func (f *fakeBuildContext) BuildSource(_ context.Context, _, _, outDir, _ string) (string, error) {
	f.calls++
	filename := f.filename
	if filename == "" {
		filename = fmt.Sprintf("%s-%s-py3-none-any.whl", f.name, f.version)
	}
	if err := writeFakeWheel(filepath.Join(outDir, filename), f.name, f.version); err != nil {
		return "", err
	}
	return filename, nil
}

func writeFakeWheel(path, name, version string) error {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(fmt.Sprintf("%s-%s.dist-info/METADATA", name, version))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Metadata-Version: 2.1\nName: %s\nVersion: %s\n\n", name, version); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func newTags() pep425.Installer {
	return pep425.Installer{{Python: "py3", ABI: "none", Platform: "any"}}
}

func conditionalETagServer(etag string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		_, _ = w.Write([]byte("fake sdist bytes"))
	}))
}

func TestDownloadAndBuildRegistryCacheHit(t *testing.T) {
	t.Parallel()

	server := conditionalETagServer(`"v1"`)
	defer server.Close()

	cacheRoot := t.TempDir()
	bc := &fakeBuildContext{cache: cacheRoot, name: "example", version: "1.0"}
	b := &builder.SourceDistCachedBuilder{
		BuildContext: bc,
		CachedClient: &httpcache.Default{},
		Reporter:     reporter.Noop{},
		Tags:         newTags(),
	}

	sd := sdist.Registry("example", sdist.RegistryFile{URL: server.URL + "/example-1.0.tar.gz", Filename: "example-1.0.tar.gz"}, server.URL)

	bwm1, err := b.DownloadAndBuild(context.Background(), sd)
	require.NoError(t, err)
	assert.Equal(t, "example", bwm1.Metadata.Name)
	assert.Equal(t, 1, bc.calls)

	// Second call for the same sdist must hit the cache: no further build, and the HTTP
	// client's conditional GET gets a 304 so the server is hit but the callback is skipped.
	bwm2, err := b.DownloadAndBuild(context.Background(), sd)
	require.NoError(t, err)
	assert.Equal(t, bwm1.Path, bwm2.Path)
	assert.Equal(t, 1, bc.calls, "second call must not trigger a rebuild")
}

func mutableETagServer(etag, body *string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == *etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", *etag)
		_, _ = w.Write([]byte(*body))
	}))
}

func TestDownloadAndBuildRegistryFreshBodyInvalidatesArtifacts(t *testing.T) {
	t.Parallel()

	etag := `"v1"`
	body := "fake sdist bytes v1"
	server := mutableETagServer(&etag, &body)
	defer server.Close()

	cacheRoot := t.TempDir()
	bc := &fakeBuildContext{cache: cacheRoot, name: "example", version: "1.0"}
	b := &builder.SourceDistCachedBuilder{
		BuildContext: bc,
		CachedClient: &httpcache.Default{},
		Reporter:     reporter.Noop{},
		Tags:         newTags(),
	}
	sd := sdist.Registry("example", sdist.RegistryFile{URL: server.URL + "/example-1.0.tar.gz", Filename: "example-1.0.tar.gz"}, server.URL)

	bwm1, err := b.DownloadAndBuild(context.Background(), sd)
	require.NoError(t, err)
	assert.Equal(t, 1, bc.calls)
	_, statErr := os.Stat(bwm1.Path)
	require.NoError(t, statErr, "first build's wheel must exist on disk")

	// The server's ETag and body change between calls even though this build's Tags are still
	// compatible with the first wheel. A fresh body must invalidate the entire cached artifact
	// set for this sdist (spec.md §8 invariant 3), not just the HTTP revalidation state, so the
	// previous wheel must be gone once the rebuild completes.
	etag = `"v2"`
	body = "fake sdist bytes v2, a different and longer payload"
	bc.version = "2.0"

	bwm2, err := b.DownloadAndBuild(context.Background(), sd)
	require.NoError(t, err)
	assert.Equal(t, 2, bc.calls, "a changed HTTP body must trigger a rebuild even with no tag incompatibility")
	assert.NotEqual(t, bwm1.Path, bwm2.Path)

	_, statErr = os.Stat(bwm1.Path)
	assert.True(t, os.IsNotExist(statErr), "the previous cache entry's artifacts must be removed once the HTTP body changes")
}

func TestDownloadAndBuildRegistryTagMissTriggersRebuild(t *testing.T) {
	t.Parallel()

	server := conditionalETagServer(`"v1"`)
	defer server.Close()

	cacheRoot := t.TempDir()
	bc := &fakeBuildContext{cache: cacheRoot, name: "example", version: "1.0"}
	tagsA := pep425.Installer{{Python: "cp39", ABI: "cp39", Platform: "linux_x86_64"}}

	b := &builder.SourceDistCachedBuilder{
		BuildContext: bc,
		CachedClient: &httpcache.Default{},
		Reporter:     reporter.Noop{},
		Tags:         tagsA,
	}
	sd := sdist.Registry("example", sdist.RegistryFile{URL: server.URL + "/example-1.0.tar.gz", Filename: "example-1.0.tar.gz"}, server.URL)

	_, err := b.DownloadAndBuild(context.Background(), sd)
	require.NoError(t, err)
	assert.Equal(t, 1, bc.calls)

	// Build again for a different, incompatible build, to exercise the fallback: a build
	// environment whose Tags the first build's wheel does not satisfy must trigger a rebuild
	// on the "stale-artifact-but-fresh-body" path, even though the HTTP body is unchanged.
	tagsB := pep425.Installer{{Python: "cp310", ABI: "cp310", Platform: "linux_x86_64"}}
	bc.filename = "example-1.0-cp310-cp310-linux_x86_64.whl"
	b2 := &builder.SourceDistCachedBuilder{
		BuildContext: bc,
		CachedClient: &httpcache.Default{},
		Reporter:     reporter.Noop{},
		Tags:         tagsB,
	}
	bwm2, err := b2.DownloadAndBuild(context.Background(), sd)
	require.NoError(t, err)
	assert.Equal(t, 2, bc.calls, "incompatible cached wheel must trigger a rebuild")
	assert.Contains(t, bwm2.Path, "cp310")
}

func TestDownloadAndBuildPathAlwaysRebuilds(t *testing.T) {
	t.Parallel()
	cacheRoot := t.TempDir()
	srcDir := t.TempDir()
	bc := &fakeBuildContext{cache: cacheRoot, name: "local", version: "0.1"}
	b := &builder.SourceDistCachedBuilder{
		BuildContext: bc,
		Reporter:     reporter.Noop{},
		Tags:         newTags(),
	}
	sd := sdist.Path("local", srcDir)

	_, err := b.DownloadAndBuild(context.Background(), sd)
	require.NoError(t, err)
	_, err = b.DownloadAndBuild(context.Background(), sd)
	require.NoError(t, err)
	assert.Equal(t, 2, bc.calls, "path sdists must always rebuild")
}

func TestDownloadAndBuildNoBuildDisabled(t *testing.T) {
	t.Parallel()
	cacheRoot := t.TempDir()
	bc := &fakeBuildContext{cache: cacheRoot, noBuild: true, name: "example", version: "1.0"}
	b := &builder.SourceDistCachedBuilder{
		BuildContext: bc,
		Reporter:     reporter.Noop{},
		Tags:         newTags(),
	}
	sd := sdist.Path("example", t.TempDir())

	_, err := b.DownloadAndBuild(context.Background(), sd)
	require.Error(t, err)
	var disabled *sdisterr.BuildsDisabledError
	assert.ErrorAs(t, err, &disabled)
	assert.Equal(t, 0, bc.calls)
}

// fakeGitSource returns a fixed working tree and commit for every Fetch call, counting
// invocations so tests can assert the lock and cache-hit path skip the fetch or build as
// expected.
type fakeGitSource struct {
	workTree string
	sha      string
	calls    int
}

func (f *fakeGitSource) Fetch(_ context.Context, _, _ string, rep capability.GitReporter) (*capability.GitFetchResult, error) {
	f.calls++
	tok := rep.OnCheckoutStart("url", "rev")
	defer rep.OnCheckoutComplete("url", "rev", tok)
	return &capability.GitFetchResult{WorkingTreePath: f.workTree, PreciseSHA: f.sha}, nil
}

func TestDownloadAndBuildGitCacheHitSkipsBuild(t *testing.T) {
	t.Parallel()
	cacheRoot := t.TempDir()
	workTree := t.TempDir()
	bc := &fakeBuildContext{cache: cacheRoot, name: "gitpkg", version: "2.0"}
	git := &fakeGitSource{workTree: workTree, sha: "deadbeef"}

	b := &builder.SourceDistCachedBuilder{
		BuildContext: bc,
		Git:          git,
		Reporter:     reporter.Noop{},
		Tags:         newTags(),
	}
	sd := sdist.Git("gitpkg", "https://example.com/gitpkg.git")

	bwm1, err := b.DownloadAndBuild(context.Background(), sd)
	require.NoError(t, err)
	assert.Equal(t, 1, bc.calls)
	assert.Equal(t, 1, git.calls)

	bwm2, err := b.DownloadAndBuild(context.Background(), sd)
	require.NoError(t, err)
	assert.Equal(t, bwm1.Path, bwm2.Path)
	assert.Equal(t, 1, bc.calls, "a compatible cached entry for the resolved commit must skip the build")
	assert.Equal(t, 2, git.calls, "fetch still runs every call to resolve the current commit")
}

func TestDownloadAndBuildGitNameMismatch(t *testing.T) {
	t.Parallel()
	cacheRoot := t.TempDir()
	workTree := t.TempDir()
	bc := &fakeBuildContext{cache: cacheRoot, name: "actual-name", version: "1.0"}
	git := &fakeGitSource{workTree: workTree, sha: "abc123"}

	b := &builder.SourceDistCachedBuilder{
		BuildContext: bc,
		Git:          git,
		Reporter:     reporter.Noop{},
		Tags:         newTags(),
	}
	sd := sdist.Git("declared-name", "https://example.com/repo.git")

	_, err := b.DownloadAndBuild(context.Background(), sd)
	require.Error(t, err)
	var mismatch *sdisterr.NameMismatchError
	assert.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "declared-name", mismatch.Given)
	assert.Equal(t, "actual-name", mismatch.Metadata)
}
