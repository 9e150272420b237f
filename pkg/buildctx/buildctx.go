// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package buildctx is the default capability.BuildContext implementation: it invokes an external
// PEP 517 build frontend ("python -m build") as a subprocess via dexec, the way pkg/gobuild
// invokes "go build".
package buildctx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/datawire/dlib/dexec"
	"github.com/datawire/dlib/dlog"
	"sigs.k8s.io/yaml"

	"github.com/datawire/sdistcache/pkg/capability"
)

// BuildEnv is the strict-field build environment configuration file consumed when constructing a
// Default BuildContext, in the same convention as cmd_layer_wheel.go's platform YAML file: a
// small, explicit, fail-on-typo config shape rather than a sprawling options struct.
type BuildEnv struct {
	// PythonCmd is the interpreter (and any leading arguments) used to invoke the build
	// frontend, e.g. ["python3"] or ["python3.11"].
	PythonCmd []string `json:"pythonCmd"`
	// Env is additional environment variables (KEY=VALUE) appended to the subprocess
	// environment, e.g. for cross-compilation wheel builds.
	Env []string `json:"env,omitempty"`
}

// LoadBuildEnv strict-decodes a build-env.yaml file; unknown fields are a hard error, matching
// the teacher's cmd_layer_wheel.go convention for small hand-authored config files.
func LoadBuildEnv(path string) (*BuildEnv, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var env BuildEnv
	if err := yaml.UnmarshalStrict(bs, &env); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(env.PythonCmd) == 0 {
		env.PythonCmd = []string{"python3"}
	}
	return &env, nil
}

// Default is the default BuildContext: it shells out to a PEP 517 build frontend and reports the
// wheel filename it produced.
type Default struct {
	Cache     string
	BuildsOff bool
	Env       BuildEnv
}

var _ capability.BuildContext = (*Default)(nil)

func (d *Default) CacheRoot() string { return d.Cache }
func (d *Default) NoBuild() bool     { return d.BuildsOff }

// BuildSource invokes "<pythonCmd> -m build --wheel --outdir <outDir> <srcDir>" against src
// (optionally descending into subdir first), and returns the single wheel filename it wrote to
// outDir.
func (d *Default) BuildSource(ctx context.Context, src, subdir, outDir, displayName string) (string, error) {
	dlog.Infof(ctx, "building %s", displayName)

	srcDir := src
	if subdir != "" {
		srcDir = filepath.Join(src, subdir)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("creating build output directory: %w", err)
	}

	pythonCmd := d.Env.PythonCmd
	if len(pythonCmd) == 0 {
		pythonCmd = []string{"python3"}
	}
	args := append(append([]string{}, pythonCmd[1:]...), "-m", "build", "--wheel", "--outdir", outDir, srcDir)
	cmd := dexec.CommandContext(ctx, pythonCmd[0], args...)
	cmd.Stderr = os.Stderr
	cmd.Stdout = os.Stderr
	if len(d.Env.Env) > 0 {
		cmd.Env = append(os.Environ(), d.Env.Env...)
	}

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("build backend failed for %s: %w", displayName, err)
	}

	return findSingleWheel(outDir)
}

func findSingleWheel(outDir string) (string, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return "", fmt.Errorf("listing build output directory: %w", err)
	}
	var found string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".whl" {
			continue
		}
		if found != "" {
			return "", fmt.Errorf("build backend produced more than one wheel: %s and %s", found, entry.Name())
		}
		found = entry.Name()
	}
	if found == "" {
		return "", fmt.Errorf("build backend did not produce a wheel file in %s", outDir)
	}
	return found, nil
}
