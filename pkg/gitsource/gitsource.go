// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package gitsource is the default capability.GitSource implementation: it clones or updates an
// on-disk working tree with go-git and checks out a revision, resolving it to a precise commit
// SHA.
//
// Grounded on the go-git clone usage in the provenance-policy fetcher this corpus also retrieves
// policy documents with, adapted here from an in-memory billy filesystem to a persistent on-disk
// working tree rooted under the cache's git bucket.
package gitsource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/sdistcache/pkg/capability"
)

// Digest returns the stable hex digest of a canonicalized Git URL, used both as the lock file
// name (pkg/gitlock) and as the WheelCache Git shard key.
func Digest(canonicalURL string) string {
	sum := sha256.Sum256([]byte(canonicalURL))
	return hex.EncodeToString(sum[:])
}

// Canonicalize normalizes a Git URL for use as a stable identity: trimming a trailing ".git" and
// lowercasing the scheme, per spec.md's glossary entry for "canonical URL".
func Canonicalize(url string) string {
	trimmed := url
	const gitSuffix = ".git"
	if len(trimmed) > len(gitSuffix) && trimmed[len(trimmed)-len(gitSuffix):] == gitSuffix {
		trimmed = trimmed[:len(trimmed)-len(gitSuffix)]
	}
	if i := strings.Index(trimmed, "://"); i >= 0 {
		trimmed = strings.ToLower(trimmed[:i]) + trimmed[i:]
	}
	return trimmed
}

// Default is the default GitSource: each distinct canonical URL gets one persistent working tree
// directory under WorkTreesRoot, fetched and checked out in place on repeat calls rather than
// re-cloned from scratch.
type Default struct {
	WorkTreesRoot string
}

var _ capability.GitSource = (*Default)(nil)

func (d *Default) workTreeDir(url string) string {
	return d.WorkTreesRoot + "/" + Digest(Canonicalize(url))
}

// Fetch implements capability.GitSource. Git I/O is synchronous; callers that need cooperative
// cancellation around it should dispatch this call onto their own blocking-worker pool, as
// spec.md §5 describes.
func (d *Default) Fetch(ctx context.Context, url, rev string, reporter capability.GitReporter) (*capability.GitFetchResult, error) {
	var token int
	if reporter != nil {
		token = reporter.OnCheckoutStart(url, rev)
	}
	defer func() {
		if reporter != nil {
			reporter.OnCheckoutComplete(url, rev, token)
		}
	}()

	dir := d.workTreeDir(url)

	repo, err := git.PlainOpen(dir)
	switch {
	case err == nil:
		dlog.Debugf(ctx, "fetching existing working tree for %s into %s", url, dir)
		if ferr := repo.FetchContext(ctx, &git.FetchOptions{RemoteName: "origin"}); ferr != nil && ferr != git.NoErrAlreadyUpToDate {
			return nil, fmt.Errorf("fetching %s: %w", url, ferr)
		}
	case err == git.ErrRepositoryNotExists:
		dlog.Debugf(ctx, "cloning %s into %s", url, dir)
		if merr := os.MkdirAll(dir, 0o755); merr != nil {
			return nil, fmt.Errorf("creating working tree directory: %w", merr)
		}
		repo, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: url})
		if err != nil {
			return nil, fmt.Errorf("cloning %s: %w", url, err)
		}
	default:
		return nil, fmt.Errorf("opening working tree for %s: %w", url, err)
	}

	hash, err := resolveRevision(repo, rev)
	if err != nil {
		return nil, fmt.Errorf("resolving revision %q for %s: %w", rev, url, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("getting worktree for %s: %w", url, err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Hash: *hash}); err != nil {
		return nil, fmt.Errorf("checking out %s at %s: %w", url, hash, err)
	}

	return &capability.GitFetchResult{
		WorkingTreePath: dir,
		PreciseSHA:      hash.String(),
	}, nil
}

func resolveRevision(repo *git.Repository, rev string) (*plumbing.Hash, error) {
	if rev == "" {
		rev = "HEAD"
	}
	h, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, err
	}
	return h, nil
}
