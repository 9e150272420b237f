// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/datawire/sdistcache/pkg/buildctx"
	"github.com/datawire/sdistcache/pkg/builder"
	"github.com/datawire/sdistcache/pkg/capability"
	"github.com/datawire/sdistcache/pkg/gitsource"
	"github.com/datawire/sdistcache/pkg/httpcache"
	"github.com/datawire/sdistcache/pkg/python/pep440"
	"github.com/datawire/sdistcache/pkg/python/pyenv"
	"github.com/datawire/sdistcache/pkg/registry"
	"github.com/datawire/sdistcache/pkg/reporter"
	"github.com/datawire/sdistcache/pkg/sdist"
	"github.com/datawire/sdistcache/pkg/sdistcache"
)

func init() {
	var (
		cacheRoot string
		buildEnv  string
		noBuild   bool
		index     string
		version   string
		gitRev    string
		subdir    string
		asName    string
		pythonCmd string
		quiet     bool
	)
	cmd := &cobra.Command{
		Use:   "build [flags] (PACKAGE_NAME|GIT_URL|PATH)",
		Short: "Fetch (if needed) and build a Python source distribution into a wheel",
		Long: "Resolves a package name against a PEP 503 registry, a Git repository URL, " +
			"or a local directory, builds it into a wheel if no tag-compatible wheel is " +
			"already cached, and prints the resulting wheel's path to stdout.\n\n" +
			"The cache is rooted at --cache-root; repeated invocations for the same sdist " +
			"and build environment reuse the cached wheel rather than rebuilding.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			env := buildctx.BuildEnv{PythonCmd: []string{pythonCmd}}
			if buildEnv != "" {
				loaded, err := buildctx.LoadBuildEnv(buildEnv)
				if err != nil {
					return err
				}
				env = *loaded
			}

			bc := &buildctx.Default{
				Cache:     cacheRoot,
				BuildsOff: noBuild,
				Env:       env,
			}

			tags, err := pyenv.DetectTags(ctx, env.PythonCmd...)
			if err != nil {
				return fmt.Errorf("detecting interpreter tags: %w", err)
			}
			pyver, err := pyenv.DetectVersion(ctx, env.PythonCmd...)
			if err != nil {
				return fmt.Errorf("detecting interpreter version: %w", err)
			}

			var rep capability.Reporter = &reporter.CLI{}
			if quiet {
				rep = reporter.Noop{}
			}

			b := &builder.SourceDistCachedBuilder{
				BuildContext: bc,
				CachedClient: &httpcache.Default{HTTPClient: http.DefaultClient},
				Git:          &gitsource.Default{WorkTreesRoot: sdistcache.GitWorkingTreesDir(cacheRoot)},
				Reporter:     rep,
				Tags:         tags,
			}

			sd, err := resolveArg(ctx, args[0], index, version, gitRev, subdir, asName, pyver)
			if err != nil {
				return err
			}

			bwm, err := b.DownloadAndBuild(ctx, *sd)
			if err != nil {
				return err
			}

			fmt.Fprintln(os.Stdout, bwm.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&cacheRoot, "cache-root", ".sdistcache", "Root directory of the on-disk cache")
	cmd.Flags().StringVar(&buildEnv, "build-env", "", "Path to a build-env.yaml describing the build subprocess environment")
	cmd.Flags().BoolVar(&noBuild, "no-build", false, "Fail rather than invoke a build backend")
	cmd.Flags().StringVar(&index, "index-url", "https://pypi.org/simple/", "PEP 503 registry index URL, when the argument is a bare package name")
	cmd.Flags().StringVar(&version, "version", "", "Pin to an exact version when resolving the argument against a registry")
	cmd.Flags().StringVar(&gitRev, "git-rev", "", "Revision to check out, when the argument is a Git URL with no @rev suffix")
	cmd.Flags().StringVar(&subdir, "subdirectory", "", "Subdirectory within the fetched tree/archive that contains the project")
	cmd.Flags().StringVar(&asName, "as-name", "", "Logical package name to use when the argument is a Git URL, an http(s) URL or a local path (defaults to a name guessed from the URL, or the path's base name)")
	cmd.Flags().StringVar(&pythonCmd, "python", "python3", "Interpreter used both to detect tags and to invoke the build backend")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "Suppress progress reporting")
	argparser.AddCommand(cmd)
}

// resolveArg turns the build command's single positional argument into a sdist.SourceDist,
// dispatching on its shape the way a requirement specifier would: a "git+"-prefixed URL is
// KindGit, any other http(s):// URL is KindDirectURL, anything that exists on disk is KindPath,
// and everything else is looked up by name against the registry index.
func resolveArg(
	ctx context.Context,
	arg, index, version, gitRev, subdir, asName string,
	pyver *pep440.Version,
) (*sdist.SourceDist, error) {
	switch {
	case strings.HasPrefix(arg, "git+"):
		url := strings.TrimPrefix(arg, "git+")
		name := asName
		if name == "" {
			name = guessNameFromURL(url)
		}
		sd := sdist.Git(name, url)
		if subdir != "" {
			sd = sd.WithSubdirectory(subdir)
		}
		if gitRev != "" && !strings.Contains(url, "@") {
			sd.URL = url + "@" + gitRev
		}
		return &sd, nil

	case strings.HasPrefix(arg, "http://"), strings.HasPrefix(arg, "https://"):
		name := asName
		if name == "" {
			name = guessNameFromURL(arg)
		}
		sd := sdist.DirectURL(name, arg)
		if subdir != "" {
			sd = sd.WithSubdirectory(subdir)
		}
		return &sd, nil

	default:
		if info, err := os.Stat(arg); err == nil {
			name := asName
			if name == "" {
				name = info.Name()
			}
			sd := sdist.Path(name, arg)
			return &sd, nil
		}

		c := registry.NewClient(index, pyver)
		return c.ResolveSdist(ctx, arg, version)
	}
}

func guessNameFromURL(url string) string {
	base := url
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	for _, suffix := range []string{".git", ".tar.gz", ".tgz", ".zip"} {
		base = strings.TrimSuffix(base, suffix)
	}
	if idx := strings.LastIndex(base, "@"); idx >= 0 {
		base = base[:idx]
	}
	return base
}
