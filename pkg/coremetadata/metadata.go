// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package coremetadata parses the PEP 621 / core-metadata METADATA file found inside a wheel's
// "{distribution}-{version}.dist-info/" directory.
//
// https://packaging.python.org/specifications/core-metadata/
package coremetadata

import (
	"archive/zip"
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/textproto"
	"path"
	"sort"
	"strings"

	"github.com/datawire/sdistcache/pkg/python/pep440"
)

// Metadata21 is the parsed core-metadata representation read from a built wheel's METADATA file.
type Metadata21 struct {
	Name            string
	Version         pep440.Version
	RequiresPython  string
	RequiresDist    []string
	Summary         string
	MetadataVersion string
}

// metadata21JSON is Metadata21's on-disk shape: the version is stored as its canonical string
// rather than pep440.Version's internal struct layout, so metadata.json stays stable across
// refactors of the version-parsing internals and is byte-stable across a serialize-deserialize-
// serialize round trip.
type metadata21JSON struct {
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	RequiresPython  string   `json:"requires_python,omitempty"`
	RequiresDist    []string `json:"requires_dist,omitempty"`
	Summary         string   `json:"summary,omitempty"`
	MetadataVersion string   `json:"metadata_version,omitempty"`
}

func (m Metadata21) MarshalJSON() ([]byte, error) {
	return json.Marshal(metadata21JSON{
		Name:            m.Name,
		Version:         m.Version.String(),
		RequiresPython:  m.RequiresPython,
		RequiresDist:    m.RequiresDist,
		Summary:         m.Summary,
		MetadataVersion: m.MetadataVersion,
	})
}

func (m *Metadata21) UnmarshalJSON(bs []byte) error {
	var raw metadata21JSON
	if err := json.Unmarshal(bs, &raw); err != nil {
		return err
	}
	ver, err := pep440.ParseVersion(raw.Version)
	if err != nil {
		return fmt.Errorf("metadata21: invalid version %q: %w", raw.Version, err)
	}
	m.Name = raw.Name
	m.Version = *ver
	m.RequiresPython = raw.RequiresPython
	m.RequiresDist = raw.RequiresDist
	m.Summary = raw.Summary
	m.MetadataVersion = raw.MetadataVersion
	return nil
}

// distInfoDir returns the sole "{name}-{version}.dist-info" directory inside the wheel zip.
//
// Resolving ambiguity this way (rather than by name-matching, which PEP 427 does not fully
// specify) mirrors pip's own wheel_dist_info_dir(): there must be exactly one such directory.
func distInfoDir(zr *zip.Reader) (string, error) {
	infoDirs := make(map[string]struct{})
	for _, file := range zr.File {
		dirname := strings.Split(path.Clean(file.Name), "/")[0]
		if !strings.HasSuffix(dirname, ".dist-info") {
			continue
		}
		infoDirs[dirname] = struct{}{}
	}

	switch len(infoDirs) {
	case 0:
		return "", fmt.Errorf(".dist-info directory not found")
	case 1:
		for infoDir := range infoDirs {
			return infoDir, nil
		}
		panic("not reached")
	default:
		list := make([]string, 0, len(infoDirs))
		for dir := range infoDirs {
			list = append(list, dir)
		}
		sort.Strings(list)
		return "", fmt.Errorf("multiple .dist-info directories found: %v", list)
	}
}

func openZipMember(zr *zip.Reader, name string) (io.ReadCloser, error) {
	for _, file := range zr.File {
		if path.Clean(file.Name) == name {
			return file.Open()
		}
	}
	return nil, fmt.Errorf("member not found in wheel: %q", name)
}

// parseRFC822 parses a Python "key: value" metadata file, such as core-metadata's METADATA or
// PEP 427's WHEEL.
//
// textproto.Reader.ReadMIMEHeader requires a blank line to mark the end of the header, but these
// Python metadata files have no body and so may or may not end in a blank line. Padding the
// reader with a few trailing CRLFs keeps ReadMIMEHeader happy regardless of the file's trailing
// newline situation.
func parseRFC822(r io.Reader) (textproto.MIMEHeader, error) {
	kvReader := textproto.NewReader(bufio.NewReader(io.MultiReader(
		r,
		strings.NewReader("\r\n\r\n\r\n"),
	)))
	return kvReader.ReadMIMEHeader()
}

// ParseWheel opens member.dist-info/METADATA inside the wheel at wheelPath and parses it.
func ParseWheel(wheelPath string) (*Metadata21, error) {
	zr, err := zip.OpenReader(wheelPath)
	if err != nil {
		return nil, fmt.Errorf("opening wheel: %w", err)
	}
	defer zr.Close()
	return parseFromZip(&zr.Reader)
}

func parseFromZip(zr *zip.Reader) (*Metadata21, error) {
	infoDir, err := distInfoDir(zr)
	if err != nil {
		return nil, err
	}
	metaFile, err := openZipMember(zr, path.Join(infoDir, "METADATA"))
	if err != nil {
		return nil, err
	}
	defer metaFile.Close()

	hdr, err := parseRFC822(metaFile)
	if err != nil {
		return nil, fmt.Errorf("parsing METADATA: %w", err)
	}
	return fromHeader(hdr)
}

func fromHeader(hdr textproto.MIMEHeader) (*Metadata21, error) {
	name := hdr.Get("Name")
	if name == "" {
		return nil, fmt.Errorf("METADATA missing required field: Name")
	}
	rawVersion := hdr.Get("Version")
	if rawVersion == "" {
		return nil, fmt.Errorf("METADATA missing required field: Version")
	}
	ver, err := pep440.ParseVersion(rawVersion)
	if err != nil {
		return nil, fmt.Errorf("METADATA has invalid Version: %w", err)
	}
	return &Metadata21{
		Name:            name,
		Version:         *ver,
		RequiresPython:  hdr.Get("Requires-Python"),
		RequiresDist:    hdr.Values("Requires-Dist"),
		Summary:         hdr.Get("Summary"),
		MetadataVersion: hdr.Get("Metadata-Version"),
	}, nil
}
