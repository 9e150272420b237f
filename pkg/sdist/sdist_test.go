// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package sdist_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/sdistcache/pkg/sdist"
)

func TestConstructors(t *testing.T) {
	t.Parallel()

	reg := sdist.Registry("example", sdist.RegistryFile{URL: "https://pypi.org/x.tar.gz", Filename: "x.tar.gz"}, "https://pypi.org/simple/")
	assert.Equal(t, sdist.KindRegistry, reg.Kind)
	assert.Equal(t, "example", reg.Name)

	direct := sdist.DirectURL("example", "https://example.com/x.tar.gz")
	assert.Equal(t, sdist.KindDirectURL, direct.Kind)

	git := sdist.Git("example", "https://example.com/x.git")
	assert.Equal(t, sdist.KindGit, git.Kind)

	path := sdist.Path("example", "/tmp/x")
	assert.Equal(t, sdist.KindPath, path.Kind)
}

func TestWithSubdirectory(t *testing.T) {
	t.Parallel()
	sd := sdist.Git("example", "https://example.com/x.git").WithSubdirectory("sub/dir")
	assert.Equal(t, "sub/dir", sd.Subdirectory)
}

func TestDistributionIDStableAndDistinct(t *testing.T) {
	t.Parallel()
	dir1 := t.TempDir()
	dir2 := t.TempDir()

	sd1 := sdist.Path("example", dir1)
	id1a, err := sd1.DistributionID()
	require.NoError(t, err)
	id1b, err := sd1.DistributionID()
	require.NoError(t, err)
	assert.Equal(t, id1a, id1b)

	sd2 := sdist.Path("example", dir2)
	id2, err := sd2.DistributionID()
	require.NoError(t, err)
	assert.NotEqual(t, id1a, id2)
}

func TestDistributionIDOnlyForPath(t *testing.T) {
	t.Parallel()
	sd := sdist.Git("example", "https://example.com/x.git")
	_, err := sd.DistributionID()
	assert.Error(t, err)
}

func TestDistributionIDUsesCleanName(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sd := sdist.Path("my-package", filepath.Join(dir, "sub"))
	id, err := sd.DistributionID()
	require.NoError(t, err)
	assert.Contains(t, id, "my-package-")
}
