// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package pyenv shells out to a live Python interpreter to discover the Tags capability it
// implements (its supported compatibility tags), for callers that don't already have a fixed
// Tags set.
package pyenv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/datawire/dlib/dexec"

	"github.com/datawire/sdistcache/pkg/python/pep425"
	"github.com/datawire/sdistcache/pkg/python/pep440"
)

// DetectTags invokes the given Python interpreter (e.g. "python3") and asks it to enumerate its
// own supported tags via packaging.tags.sys_tags(), returning them as a pep425.Installer ordered
// most-preferred first, exactly as sys_tags() yields them.
func DetectTags(ctx context.Context, pythonCmd ...string) (pep425.Installer, error) {
	if len(pythonCmd) == 0 {
		pythonCmd = []string{"python3"}
	}
	cmd := dexec.CommandContext(ctx, pythonCmd[0], append(pythonCmd[1:], "-c", `
import json
from packaging.tags import sys_tags

print(json.dumps([str(tag) for tag in sys_tags()]))
`)...)
	cmd.DisableLogging = true

	out, err := cmd.Output()
	if err != nil {
		var exitErr *dexec.ExitError
		if errors.As(err, &exitErr) {
			err = fmt.Errorf("%w:\n > %s", err, strings.Join(strings.Split(string(exitErr.Stderr), "\n"), "\n > "))
		}
		return nil, fmt.Errorf("detecting Python tags: %w", err)
	}

	var rawTags []string
	if err := json.Unmarshal(out, &rawTags); err != nil {
		return nil, fmt.Errorf("parsing Python tag list: %w", err)
	}

	tags := make(pep425.Installer, 0, len(rawTags))
	for _, raw := range rawTags {
		parts := strings.SplitN(raw, "-", 3)
		if len(parts) != 3 {
			continue
		}
		tags = append(tags, pep425.Tag{Python: parts[0], ABI: parts[1], Platform: parts[2]})
	}
	return tags, nil
}

// DetectVersion invokes the given Python interpreter and returns its own running version, for
// callers that need to filter registry files by Requires-Python (pep345.HaveRequiredPython)
// rather than by compatibility tag.
func DetectVersion(ctx context.Context, pythonCmd ...string) (*pep440.Version, error) {
	if len(pythonCmd) == 0 {
		pythonCmd = []string{"python3"}
	}
	cmd := dexec.CommandContext(ctx, pythonCmd[0], append(pythonCmd[1:], "-c", `
import platform

print(platform.python_version())
`)...)
	cmd.DisableLogging = true

	out, err := cmd.Output()
	if err != nil {
		var exitErr *dexec.ExitError
		if errors.As(err, &exitErr) {
			err = fmt.Errorf("%w:\n > %s", err, strings.Join(strings.Split(string(exitErr.Stderr), "\n"), "\n > "))
		}
		return nil, fmt.Errorf("detecting Python version: %w", err)
	}

	return pep440.ParseVersion(strings.TrimSpace(string(out)))
}
