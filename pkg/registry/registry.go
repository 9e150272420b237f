// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package registry resolves a package name to a source distribution archive via the PEP 503
// Simple Repository API, picking the sdist archive (*.tar.gz, *.tgz or *.zip) rather than a
// wheel, for the coordinator's Registry branch to download and build.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/datawire/sdistcache/pkg/python/pep440"
	"github.com/datawire/sdistcache/pkg/python/pep503"
	"github.com/datawire/sdistcache/pkg/python/pep592"
	"github.com/datawire/sdistcache/pkg/python/pep629"
	"github.com/datawire/sdistcache/pkg/sdist"
)

// Client resolves sdist archives from a PEP 503 index.
type Client struct {
	pep503.Client
}

// NewClient returns a Client against index (or PyPI if index is empty). pythonVersion, if
// non-nil, is used to filter out files whose Requires-Python excludes the calling interpreter;
// pass nil to skip that filtering.
func NewClient(index string, pythonVersion *pep440.Version) *Client {
	return &Client{Client: pep503.Client{
		BaseURL:  index,
		Python:   pythonVersion,
		HTMLHook: pep629.HTMLVersionCheck,
	}}
}

func isSdistArchive(filename string) bool {
	for _, ext := range []string{".tar.gz", ".tgz", ".zip"} {
		if strings.HasSuffix(filename, ext) {
			return true
		}
	}
	return false
}

// ResolveSdist finds the newest non-yanked sdist archive for pkgname, optionally pinned to
// version. It returns a sdist.SourceDist of KindRegistry.
func (c *Client) ResolveSdist(ctx context.Context, pkgname, version string) (*sdist.SourceDist, error) {
	var pinned *pep440.Version
	if version != "" {
		v, err := pep440.ParseVersion(version)
		if err != nil {
			return nil, fmt.Errorf("invalid version %q: %w", version, err)
		}
		pinned = v
	}

	links, err := c.Client.ListPackageFiles(ctx, pkgname)
	if err != nil {
		return nil, fmt.Errorf("listing files for %s: %w", pkgname, err)
	}

	exclude := pep592.ExcludeYanked(links)

	var best *pep503.FileLink
	var bestVersion *pep440.Version
	for i := range links {
		link := links[i]
		if !isSdistArchive(link.Text) {
			continue
		}
		if pep592.IsYanked(link) {
			continue
		}

		name, ver, ok := splitSdistFilename(link.Text)
		if !ok || !strings.EqualFold(name, pkgname) {
			continue
		}
		if !exclude.Allow(*ver) {
			continue
		}
		if pinned != nil && ver.Cmp(*pinned) != 0 {
			continue
		}
		if bestVersion == nil || ver.Cmp(*bestVersion) > 0 {
			best = &link
			bestVersion = ver
		}
	}

	if best == nil {
		if version != "" {
			return nil, fmt.Errorf("no sdist found for %s==%s", pkgname, version)
		}
		return nil, fmt.Errorf("no sdist found for %s", pkgname)
	}

	index := c.Client.BaseURL
	if index == "" {
		index = pep503.PyPIBaseURL
	}
	result := sdist.Registry(pkgname, sdist.RegistryFile{URL: best.HRef, Filename: best.Text}, index)
	return &result, nil
}

// splitSdistFilename splits "{name}-{version}.{tar.gz|tgz|zip}" into its distribution name and
// parsed version. PEP 503/625 do not give sdist filenames the strict grammar wheel filenames
// have, so this is a best-effort split on the last hyphen before the extension.
func splitSdistFilename(filename string) (name string, version *pep440.Version, ok bool) {
	base := filename
	for _, ext := range []string{".tar.gz", ".tgz", ".zip"} {
		if strings.HasSuffix(base, ext) {
			base = strings.TrimSuffix(base, ext)
			break
		}
	}
	idx := strings.LastIndex(base, "-")
	if idx < 0 {
		return "", nil, false
	}
	ver, err := pep440.ParseVersion(base[idx+1:])
	if err != nil {
		return "", nil, false
	}
	return base[:idx], ver, true
}
