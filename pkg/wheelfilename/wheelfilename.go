// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package wheelfilename parses and generates wheel filenames of the form
// {distribution}-{version}(-{build tag})?-{python tag}-{abi tag}-{platform tag}.whl,
// and checks compatibility of the embedded tags against a target Tags set.
//
// https://packaging.python.org/specifications/binary-distribution-format/
package wheelfilename

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/datawire/sdistcache/pkg/python/pep425"
	"github.com/datawire/sdistcache/pkg/python/pep440"
)

// BuildTag is the optional numeric+literal disambiguator that appears between the version and
// the compatibility tags in a wheel filename.
type BuildTag struct {
	Int int
	Str string
}

func (t BuildTag) String() string {
	return fmt.Sprintf("%d%s", t.Int, t.Str)
}

func (a *BuildTag) Cmp(b *BuildTag) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil && b != nil:
		return -1
	case a != nil && b == nil:
		return 1
	}
	if d := a.Int - b.Int; d != 0 {
		return d
	}
	switch {
	case a.Str < b.Str:
		return -1
	case a.Str > b.Str:
		return 1
	default:
		return 0
	}
}

// WheelFilename is the structured form of a {distribution}-{version}-{py_tag}-{abi_tag}-
// {platform_tag}.whl filename.
type WheelFilename struct {
	Distribution     string
	Version          pep440.Version
	BuildTag         *BuildTag
	CompatibilityTag pep425.Tag
}

var reFilename = regexp.MustCompile(regexp.MustCompile(`\s+`).ReplaceAllString(`
	^(?P<distribution>[^-]+)
	-(?P<version>[^-]+)
	(?:-(?P<build_n>[0-9]+)(?P<build_l>[^-0-9][^-]*)?)?
	-(?P<python>[^-]+)
	-(?P<abi>[^-]+)
	-(?P<platform>[^-]+)
	\.whl$`, ``))

// Parse parses a wheel filename (the last path segment, with its ".whl" extension) into its
// structured fields.
func Parse(filename string) (*WheelFilename, error) {
	match := reFilename.FindStringSubmatch(filename)
	if match == nil {
		return nil, fmt.Errorf("invalid wheel filename: %q", filename)
	}

	var ret WheelFilename

	ret.Distribution = match[reFilename.SubexpIndex("distribution")]

	ver, err := pep440.ParseVersion(match[reFilename.SubexpIndex("version")])
	if err != nil {
		return nil, fmt.Errorf("invalid wheel filename: %q: %w", filename, err)
	}
	ret.Version = *ver

	if buildN := match[reFilename.SubexpIndex("build_n")]; buildN != "" {
		n, _ := strconv.Atoi(buildN)
		ret.BuildTag = &BuildTag{
			Int: n,
			Str: match[reFilename.SubexpIndex("build_l")],
		}
	}

	ret.CompatibilityTag = pep425.Tag{
		Python:   match[reFilename.SubexpIndex("python")],
		ABI:      match[reFilename.SubexpIndex("abi")],
		Platform: match[reFilename.SubexpIndex("platform")],
	}

	return &ret, nil
}

// Generate renders a WheelFilename back to its on-disk string form, normalizing the distribution
// name (PEP 503) and version (PEP 440) the way a build backend is expected to.
func Generate(data WheelFilename) (string, error) {
	var ret strings.Builder
	ret.WriteString(regexp.MustCompile("[-_.]+").ReplaceAllLiteralString(data.Distribution, "_"))

	ver, err := data.Version.Normalize()
	if err != nil {
		return "", err
	}
	ret.WriteString("-")
	ret.WriteString(ver.String())

	if data.BuildTag != nil {
		build := data.BuildTag.String()
		if strings.Contains(build, "-") {
			return "", fmt.Errorf("invalid build tag: contains dash: %q", build)
		}
		ret.WriteString("-")
		ret.WriteString(build)
	}
	compat := data.CompatibilityTag.String()
	if strings.Count(compat, "-") != 2 {
		return "", fmt.Errorf("invalid compatibility tag: %q", compat)
	}
	ret.WriteString("-")
	ret.WriteString(compat)
	ret.WriteString(".whl")
	return ret.String(), nil
}

// String renders the canonical (normalized) form of the filename, swallowing any normalization
// error by falling back to a best-effort raw rendering -- used as the map key for Metadata21s,
// which must always be able to produce a string.
func (w WheelFilename) String() string {
	s, err := Generate(w)
	if err != nil {
		return fmt.Sprintf("%s-%s-%s.whl", w.Distribution, w.Version.String(), w.CompatibilityTag.String())
	}
	return s
}

// IsCompatible reports whether this wheel's compatibility tag intersects any tag in the target
// set -- i.e. whether an installer supporting tags would accept this wheel.
func (w WheelFilename) IsCompatible(tags pep425.Installer) bool {
	return tags.Supports(w.CompatibilityTag)
}
