// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/datawire/sdistcache/pkg/cliutil"
	"github.com/datawire/sdistcache/pkg/sdistcache"
)

// argparserCache groups the cache-maintenance subcommands ("sdistcache cache ...") the way the
// teacher groups its layer subcommands under a dedicated parent command.
var argparserCache = &cobra.Command{
	Use:   "cache {[flags]|SUBCOMMAND...}",
	Short: "Inspect the on-disk cache",

	Args: cliutil.OnlySubcommands,
	RunE: cliutil.RunSubcommands,
}

func init() {
	argparser.AddCommand(argparserCache)
}

func init() {
	var gitBacked bool
	cmd := &cobra.Command{
		Use:   "inspect [flags] METADATA_JSON_FILE",
		Short: "Pretty-print a cache entry's metadata.json as YAML",
		Long: "Reads a metadata.json sidecar file written under the cache's built-wheels or " +
			"git bucket and re-emits it as YAML, for a human skimming what a cache entry " +
			"currently believes about a sdist.\n\n" +
			"HTTP-backed entries (registry and direct-URL sdists) are wrapped in a {policy, " +
			"data} envelope; pass --git for a Git-backed entry, which is a bare map with no " +
			"envelope.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			var out interface{}
			if gitBacked {
				m, ok, err := sdistcache.LoadGitBacked(path)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s: no such cache entry", path)
				}
				out = m
			} else {
				env, ok, err := sdistcache.LoadHTTPBacked(path)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s: no such cache entry", path)
				}
				out = env
			}

			bs, err := yaml.Marshal(out)
			if err != nil {
				return fmt.Errorf("re-encoding %s as YAML: %w", path, err)
			}
			_, err = os.Stdout.Write(bs)
			return err
		},
	}
	cmd.Flags().BoolVar(&gitBacked, "git", false, "Treat the file as a Git-backed entry (bare Metadata21s, no cache-policy envelope)")
	argparserCache.AddCommand(cmd)
}
