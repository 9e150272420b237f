// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package httpcache is the default capability.CachedClient implementation: conditional HTTP GETs
// backed by a persisted {policy, data} envelope, the metadata.json format of
// sdistcache.DataWithCachePolicy.
//
// Its bare HTTP plumbing (request construction, response draining) follows
// pkg/python/pep503's Client.get; the conditional-revalidation and envelope persistence on top of
// it are new.
package httpcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/sdistcache/pkg/capability"
)

type cachePolicy struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

type envelope struct {
	Policy cachePolicy     `json:"policy"`
	Data   json.RawMessage `json:"data"`
}

func loadEnvelope(path string) (envelope, bool) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return envelope{}, false
	}
	var env envelope
	if err := json.Unmarshal(bs, &env); err != nil {
		return envelope{}, false
	}
	return env, true
}

func saveEnvelope(path string, env envelope) error {
	bs, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	if err := os.WriteFile(path, bs, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Default is the default CachedClient: it persists an HTTP conditional-request policy (ETag /
// Last-Modified) alongside whatever JSON-serializable value the callback produces.
type Default struct {
	HTTPClient *http.Client
}

var _ capability.CachedClient = (*Default)(nil)

func (c *Default) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Default) Uncached() *http.Client {
	return c.client()
}

// GetCachedWithCallback implements capability.CachedClient. See spec.md §4.1 steps 1-3 for the
// algorithm this embodies.
func (c *Default) GetCachedWithCallback(
	ctx context.Context,
	req *http.Request,
	entry capability.CacheEntryRef,
	cb func(ctx context.Context, resp *http.Response) (interface{}, error),
	result interface{},
) (bool, error) {
	env, hadEnvelope := loadEnvelope(entry.File)
	if hadEnvelope {
		if env.Policy.ETag != "" {
			req.Header.Set("If-None-Match", env.Policy.ETag)
		}
		if env.Policy.LastModified != "" {
			req.Header.Set("If-Modified-Since", env.Policy.LastModified)
		}
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return false, fmt.Errorf("GET %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if hadEnvelope && resp.StatusCode == http.StatusNotModified {
		dlog.Debugf(ctx, "cached representation is fresh: %s", req.URL)
		_, _ = io.Copy(io.Discard, resp.Body)
		if err := json.Unmarshal(env.Data, result); err != nil {
			return true, fmt.Errorf("parsing cached data for %s: %w", entry.File, err)
		}
		return true, nil
	}

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("GET %s: unexpected status %s", req.URL, resp.Status)
	}

	dlog.Debugf(ctx, "cached representation is stale or absent, fetching: %s", req.URL)
	data, err := cb(ctx, resp)
	if err != nil {
		return false, err
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("encoding fetched data: %w", err)
	}
	newEnv := envelope{
		Policy: cachePolicy{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		},
		Data: dataJSON,
	}
	if err := saveEnvelope(entry.File, newEnv); err != nil {
		// Best-effort: the build result itself is valid even if persistence fails; it will be
		// re-attempted on the next run (spec.md §4.1 "Edge case").
		dlog.Warnf(ctx, "failed to persist cache metadata for %s: %v", req.URL, err)
	}

	if err := json.Unmarshal(dataJSON, result); err != nil {
		return false, fmt.Errorf("round-tripping fetched data: %w", err)
	}
	return false, nil
}
