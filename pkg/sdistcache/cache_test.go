package sdistcache_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/sdistcache/pkg/coremetadata"
	"github.com/datawire/sdistcache/pkg/python/pep425"
	"github.com/datawire/sdistcache/pkg/python/pep440"
	"github.com/datawire/sdistcache/pkg/sdistcache"
)

func TestWheelCacheShardsAreStable(t *testing.T) {
	t.Parallel()
	wc1 := sdistcache.WheelCache{Root: "/cache", Kind: sdistcache.ShardURL, Key: "https://example.com/a.tar.gz"}
	wc2 := sdistcache.WheelCache{Root: "/cache", Kind: sdistcache.ShardURL, Key: "https://example.com/a.tar.gz"}
	wc3 := sdistcache.WheelCache{Root: "/cache", Kind: sdistcache.ShardURL, Key: "https://example.com/b.tar.gz"}

	assert.Equal(t, wc1.BuiltWheelDir("x"), wc2.BuiltWheelDir("x"))
	assert.NotEqual(t, wc1.BuiltWheelDir("x"), wc3.BuiltWheelDir("x"))
}

func TestWheelCacheShardsByKind(t *testing.T) {
	t.Parallel()
	url := sdistcache.WheelCache{Root: "/cache", Kind: sdistcache.ShardURL, Key: "same"}
	idx := sdistcache.WheelCache{Root: "/cache", Kind: sdistcache.ShardIndex, Key: "same"}
	assert.NotEqual(t, url.BuiltWheelDir("x"), idx.BuiltWheelDir("x"))
}

func TestHTTPBackedRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.json")

	ver, err := pep440.ParseVersion("1.0")
	require.NoError(t, err)

	env := sdistcache.DataWithCachePolicy{
		Policy: sdistcache.CachePolicy{ETag: `"abc"`},
		Data: sdistcache.Metadata21s{
			"example-1.0-py3-none-any.whl": {
				DiskFilename: "example-1.0-py3-none-any.whl",
				Metadata:     coremetadata.Metadata21{Name: "example", Version: *ver},
			},
		},
	}
	require.NoError(t, sdistcache.SaveHTTPBacked(path, env))

	loaded, ok, err := sdistcache.LoadHTTPBacked(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, env.Policy, loaded.Policy)
	assert.Equal(t, "example", loaded.Data["example-1.0-py3-none-any.whl"].Metadata.Name)
}

func TestHTTPBackedMissingIsNotError(t *testing.T) {
	t.Parallel()
	_, ok, err := sdistcache.LoadHTTPBacked(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindCompatible(t *testing.T) {
	t.Parallel()
	ver, err := pep440.ParseVersion("1.0")
	require.NoError(t, err)
	m := sdistcache.Metadata21s{
		"example-1.0-py2-none-any.whl": {Metadata: coremetadata.Metadata21{Name: "example", Version: *ver}},
		"example-1.0-py3-none-any.whl": {Metadata: coremetadata.Metadata21{Name: "example", Version: *ver}},
	}

	wf, _, ok := m.FindCompatible(pep425.Installer{{Python: "py3", ABI: "none", Platform: "any"}})
	require.True(t, ok)
	assert.Equal(t, "py3-none-any", wf.CompatibilityTag.String())

	_, _, ok = m.FindCompatible(pep425.Installer{{Python: "py4", ABI: "none", Platform: "any"}})
	assert.False(t, ok)
}
