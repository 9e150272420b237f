// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
	"text/tabwriter"

	"github.com/davecgh/go-spew/spew"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/datawire/sdistcache/pkg/sdistcache"
)

var spewConfig = spew.ConfigState{ //nolint:exhaustivestruct
	Indent:                  "  ",
	DisableCapacities:       true,
	DisablePointerAddresses: true,
	SortKeys:                true,
}

func sortedKeys(m sdistcache.Metadata21s) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// DumpMetadata21sFull renders a Metadata21s map in full, field-by-field detail, for the
// "comprehensive" half of AssertEqualMetadata21s.
func DumpMetadata21sFull(m sdistcache.Metadata21s) string {
	ret := new(strings.Builder)
	for _, key := range sortedKeys(m) {
		fmt.Fprintf(ret, "%s =%s", key, spewConfig.Sdump(m[key]))
	}
	return ret.String()
}

// DumpMetadata21sListing renders a one-line-per-entry summary of a Metadata21s map: the wheel
// filename key, its on-disk filename, and its declared package name and version. This is the
// "fail fast" half of AssertEqualMetadata21s, giving a readable diff before the full dump runs.
func DumpMetadata21sListing(m sdistcache.Metadata21s) string {
	ret := new(strings.Builder)
	table := tabwriter.NewWriter(ret, 0, 1, 1, ' ', 0)
	for _, key := range sortedKeys(m) {
		entry := m[key]
		fmt.Fprintln(table, strings.Join([]string{
			"",
			key,
			entry.DiskFilename,
			entry.Metadata.Name,
			entry.Metadata.Version.String(),
		}, "\t"))
	}
	table.Flush()
	return ret.String()
}

// DumpCacheTreeListing walks root and renders a sorted listing of every regular file beneath it,
// relative to root, for asserting on the shape of what a build run actually wrote to disk.
func DumpCacheTreeListing(root string) (string, error) {
	var paths []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(paths)
	return strings.Join(paths, "\n") + "\n", nil
}

func unifiedDiff(exp, act, fromFile, toFile string, context int) string {
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{ //nolint:exhaustivestruct
		A:        difflib.SplitLines(exp),
		B:        difflib.SplitLines(act),
		FromFile: fromFile,
		ToFile:   toFile,
		Context:  context,
	})
	return diff
}

func writeMetadataDumpToFile(filename, content string) {
	_ = os.WriteFile(filename, []byte(content), 0o644)
}

// AssertEqualMetadata21s compares two Metadata21s maps, first via a one-line-per-entry listing
// (for a readable diff on the common case of a missing/extra entry), then via a full field-by-
// field dump if the listings already matched but the caller still wants to be sure nothing more
// subtle differs.
func AssertEqualMetadata21s(t *testing.T, exp, act sdistcache.Metadata21s) bool {
	t.Helper()

	if save, _ := strconv.ParseBool(os.Getenv("GOTEST_SDISTCACHE_SAVEMETADATA")); save {
		writeMetadataDumpToFile("exp.metadata.txt", DumpMetadata21sFull(exp))
		writeMetadataDumpToFile("act.metadata.txt", DumpMetadata21sFull(act))
	}

	expListing := DumpMetadata21sListing(exp)
	actListing := DumpMetadata21sListing(act)
	if expListing != actListing {
		t.Errorf("Listing diff:\n%s", unifiedDiff(expListing, actListing, "Expected", "Actual", 1))
		return false
	}

	expFull := DumpMetadata21sFull(exp)
	actFull := DumpMetadata21sFull(act)
	if expFull != actFull {
		t.Errorf("Full diff:\n%s", unifiedDiff(expFull, actFull, "Expected", "Actual", 10))
		return false
	}

	return true
}
