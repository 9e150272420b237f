// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package reporter provides capability.Reporter implementations: a terminal-width-aware CLI
// reporter, and a thin forwarder that adapts a Reporter to the Git-specific callback shape
// capability.GitSource expects (SPEC_FULL.md §12, "Progress reporter wiring").
package reporter

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/datawire/sdistcache/pkg/capability"
	"github.com/datawire/sdistcache/pkg/cliutil"
)

// GitForwarder adapts a capability.Reporter to capability.GitReporter. It is constructed fresh
// per request and owns no state beyond a shared handle to the caller's reporter -- there is no
// global reporter state.
type GitForwarder struct {
	Reporter capability.Reporter
}

var _ capability.GitReporter = GitForwarder{}

func (f GitForwarder) OnCheckoutStart(url, rev string) int {
	if f.Reporter == nil {
		return 0
	}
	return f.Reporter.OnCheckoutStart(url, rev)
}

func (f GitForwarder) OnCheckoutComplete(url, rev string, index int) {
	if f.Reporter == nil {
		return
	}
	f.Reporter.OnCheckoutComplete(url, rev, index)
}

// CLI is a capability.Reporter that prints single-line progress updates to stderr, truncated to
// the terminal width the way pkg/cliutil.GetTerminalWidth reports it.
type CLI struct {
	mu      sync.Mutex
	nextTok int32
}

var _ capability.Reporter = (*CLI)(nil)

func (c *CLI) println(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	line := fmt.Sprintf(format, args...)
	if width := cliutil.GetTerminalWidth(); width > 0 && len(line) > width {
		line = line[:width-1] + "…"
	}
	fmt.Fprintln(os.Stderr, line)
}

func (c *CLI) OnBuildStart(sdistName string) int {
	tok := atomic.AddInt32(&c.nextTok, 1)
	c.println("building %s...", sdistName)
	return int(tok)
}

func (c *CLI) OnBuildComplete(sdistName string, token int) {
	c.println("built %s", sdistName)
}

func (c *CLI) OnDownloadProgress(sdistName string, downloadedBytes, totalBytes int64) {
	if totalBytes > 0 {
		c.println("downloading %s: %d/%d bytes", sdistName, downloadedBytes, totalBytes)
	} else {
		c.println("downloading %s: %d bytes", sdistName, downloadedBytes)
	}
}

func (c *CLI) OnCheckoutStart(url, rev string) int {
	tok := atomic.AddInt32(&c.nextTok, 1)
	c.println("checking out %s @ %s...", url, rev)
	return int(tok)
}

func (c *CLI) OnCheckoutComplete(url, rev string, index int) {
	c.println("checked out %s @ %s", url, rev)
}

// Noop is a capability.Reporter that discards all progress callbacks, used by tests and
// non-interactive invocations.
type Noop struct{}

var _ capability.Reporter = Noop{}

func (Noop) OnBuildStart(string) int                 { return 0 }
func (Noop) OnBuildComplete(string, int)             {}
func (Noop) OnDownloadProgress(string, int64, int64) {}
func (Noop) OnCheckoutStart(string, string) int      { return 0 }
func (Noop) OnCheckoutComplete(string, string, int)  {}
