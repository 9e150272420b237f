// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package sdistcache implements the on-disk cache layout under a BuildContext's cache root: the
// built-wheels and git buckets, the WheelCache shard selector, and the Metadata21s sidecar
// format.
//
// <cache-root>/
//
//	built-wheels/
//	  <shard>/<sdist-filename>/
//	    metadata.json
//	    <wheel-1>.whl
//	git/
//	  locks/<hex-digest-of-canonical-url>
//	  <git-working-trees ...>
package sdistcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/datawire/sdistcache/pkg/coremetadata"
	"github.com/datawire/sdistcache/pkg/python/pep425"
	"github.com/datawire/sdistcache/pkg/wheelfilename"
)

const (
	builtWheelsBucket = "built-wheels"
	gitBucket         = "git"
	metadataFilename  = "metadata.json"
)

// ShardKind discriminates the WheelCache shard variants.
type ShardKind int

const (
	ShardURL ShardKind = iota
	ShardIndex
	ShardGit
)

// WheelCache selects the stable subdirectory (the "shard") that partitions cached artifacts by
// provenance.
type WheelCache struct {
	Root string
	Kind ShardKind
	// Key is the URL (for ShardURL/ShardGit) or registry index URL (for ShardIndex) the shard
	// is derived from.
	Key string
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// shardDir returns the shard-level directory, e.g. "<root>/built-wheels/url/<digest>".
func (wc WheelCache) shardDir() string {
	var kind string
	switch wc.Kind {
	case ShardURL:
		kind = "url"
	case ShardIndex:
		kind = "index"
	case ShardGit:
		kind = "git"
	default:
		kind = "unknown"
	}
	return filepath.Join(wc.Root, builtWheelsBucket, kind, digest(wc.Key))
}

// BuiltWheelDir returns the stable leaf directory for a given sdist filename (or, for the Git
// shard, a given resolved commit), a function purely of the shard identity and that name.
func (wc WheelCache) BuiltWheelDir(sdistFilenameOrCommit string) string {
	return filepath.Join(wc.shardDir(), sdistFilenameOrCommit)
}

// CacheEntry is a pair (dir, file): the leaf directory holding wheel binaries, and the path to
// its metadata.json sidecar.
type CacheEntry struct {
	Dir  string
	File string
}

// NewCacheEntry derives a CacheEntry from a WheelCache shard and a leaf name.
func NewCacheEntry(wc WheelCache, leaf string) CacheEntry {
	dir := wc.BuiltWheelDir(leaf)
	return CacheEntry{Dir: dir, File: filepath.Join(dir, metadataFilename)}
}

// GitLocksDir returns "<root>/git/locks", the directory holding per-canonical-URL advisory lock
// files.
func GitLocksDir(root string) string {
	return filepath.Join(root, gitBucket, "locks")
}

// GitWorkingTreesDir returns "<root>/git", the directory under which GitSource implementations
// check out working trees.
func GitWorkingTreesDir(root string) string {
	return filepath.Join(root, gitBucket)
}

// DiskFilenameAndMetadata pairs a built wheel's un-normalized on-disk filename with its parsed
// metadata. disk_filename may differ from WheelFilename.String() after normalization, since build
// backends are not required to normalize the names they emit.
type DiskFilenameAndMetadata struct {
	DiskFilename string                 `json:"disk_filename"`
	Metadata     coremetadata.Metadata21 `json:"metadata"`
}

// Metadata21s maps a normalized WheelFilename to the disk filename and metadata of the wheel
// built for it. Multiple entries may coexist for one sdist, each built for a different tag
// target over time.
type Metadata21s map[string]DiskFilenameAndMetadata

// FindCompatible returns the first entry whose WheelFilename is compatible with tags (see
// spec.md §4.2). Iteration order is the map's natural (unordered) order; callers needing a
// specific tie-break among multiple compatible wheels must do it themselves.
func (m Metadata21s) FindCompatible(tags pep425.Installer) (wheelfilename.WheelFilename, DiskFilenameAndMetadata, bool) {
	for key, entry := range m {
		wf, err := wheelfilename.Parse(key)
		if err != nil {
			continue
		}
		if wf.IsCompatible(tags) {
			return *wf, entry, true
		}
	}
	return wheelfilename.WheelFilename{}, DiskFilenameAndMetadata{}, false
}

// BuiltWheelMetadata is what the coordinator returns to its caller: the path to the produced
// wheel file, its parsed filename, and its metadata.
type BuiltWheelMetadata struct {
	Path     string
	Filename wheelfilename.WheelFilename
	Metadata coremetadata.Metadata21
}

// CachePolicy is an opaque envelope written by the CachedClient capability alongside
// HTTP-backed Metadata21s, carrying whatever conditional-request bookkeeping it needs
// (ETag/Last-Modified/Cache-Control derived state). The coordinator never inspects it --
// it round-trips it unchanged on the read-modify-write fallback path (spec.md §4.1 step 5).
type CachePolicy struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	FetchedAtUTC string `json:"fetched_at_utc,omitempty"`
}

// DataWithCachePolicy is the envelope HTTP-backed metadata.json files are wrapped in: {policy,
// data}. The Git branch stores the bare Metadata21s map with no envelope.
type DataWithCachePolicy struct {
	Policy CachePolicy `json:"policy"`
	Data   Metadata21s `json:"data"`
}

// LoadHTTPBacked reads and parses an HTTP-backed metadata.json envelope. A missing file is not an
// error: it returns a zero-value envelope and ok=false.
func LoadHTTPBacked(path string) (DataWithCachePolicy, bool, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DataWithCachePolicy{}, false, nil
		}
		return DataWithCachePolicy{}, false, fmt.Errorf("reading %s: %w", path, err)
	}
	var env DataWithCachePolicy
	if err := json.Unmarshal(bs, &env); err != nil {
		return DataWithCachePolicy{}, false, fmt.Errorf("parsing %s: %w", path, err)
	}
	return env, true, nil
}

// SaveHTTPBacked atomically writes an HTTP-backed metadata.json envelope.
func SaveHTTPBacked(path string, env DataWithCachePolicy) error {
	bs, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return writeFileAtomic(path, bs)
}

// LoadGitBacked reads and parses a Git-backed metadata.json -- a bare Metadata21s map with no
// cache-policy envelope. A missing file is not an error: it returns an empty map and ok=false.
func LoadGitBacked(path string) (Metadata21s, bool, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata21s{}, false, nil
		}
		return nil, false, fmt.Errorf("reading %s: %w", path, err)
	}
	var m Metadata21s
	if err := json.Unmarshal(bs, &m); err != nil {
		return nil, false, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, true, nil
}

// SaveGitBacked atomically writes a Git-backed bare Metadata21s map.
func SaveGitBacked(path string, m Metadata21s) error {
	bs, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return writeFileAtomic(path, bs)
}

// writeFileAtomic writes to a temp file in the same directory and renames it into place, so a
// crash mid-write never leaves a truncated metadata.json for a concurrent reader to observe.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".metadata-*.json.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming %s to %s: %w", tmpName, path, err)
	}
	return nil
}
