// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vision holds the image side of frame analysis.
// This file defines the ModelCache, the process-wide owner of lazily loaded
// model handles and of values derived from them (such as prompt embeddings).
//
// Logic Flow:
//  1. A caller asks for a handle with `Load(ctx, key, loader)`. The first call
//     registers the loader for the key.
//  2. If the handle is loaded it is returned immediately.
//  3. If the previous attempt failed less than `cooldown` ago, that failure is
//     returned without calling the loader again.
//  4. Otherwise the loader runs under the entry lock; the outcome is recorded
//     and published to the optional StatusMirror.
package vision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
)

// Model kinds held by the cache.
const (
	KindEncoder = "encoder"
	KindPrompts = "prompts"
	KindFace    = "face"
)

// ModelKey identifies one cached handle.
type ModelKey struct {
	Kind    string
	Name    string
	Variant string
}

// String renders the key as "kind/name/variant".
func (k ModelKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Kind, k.Name, k.Variant)
}

// LoadInfo is what a loader reports next to the handle.
type LoadInfo struct {
	Device  string
	Version string
}

// Loader creates a handle for a key.
type Loader func(ctx context.Context) (any, LoadInfo, error)

// ModelStatus is the introspection view of one cache entry.
type ModelStatus struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	Name         string     `json:"name"`
	Variant      string     `json:"variant,omitempty"`
	Loaded       bool       `json:"loaded"`
	Device       string     `json:"device,omitempty"`
	Version      string     `json:"version,omitempty"`
	LastLoadedAt *time.Time `json:"last_loaded_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// StatusMirror publishes entry status outside the process.
type StatusMirror interface {
	Publish(ctx context.Context, status ModelStatus) error
}

type cacheEntry struct {
	mu          sync.Mutex
	key         ModelKey
	loader      Loader
	handle      any
	info        LoadInfo
	loadedAt    time.Time
	lastErr     error
	lastAttempt time.Time
}

func (e *cacheEntry) status() ModelStatus {
	s := ModelStatus{
		ID:      e.key.String(),
		Kind:    e.key.Kind,
		Name:    e.key.Name,
		Variant: e.key.Variant,
		Loaded:  e.handle != nil,
		Device:  e.info.Device,
		Version: e.info.Version,
	}
	if !e.loadedAt.IsZero() {
		t := e.loadedAt
		s.LastLoadedAt = &t
	}
	if e.lastErr != nil {
		s.Error = e.lastErr.Error()
	}
	return s
}

// ModelCache is safe for concurrent use.
type ModelCache struct {
	mu       sync.Mutex
	entries  map[ModelKey]*cacheEntry
	cooldown time.Duration
	mirror   StatusMirror
	now      func() time.Time
}

// NewModelCache creates a cache.
//
// Inputs:
//   - cooldown: The minimum delay between two failed loads of the same key.
//   - mirror: Optional status mirror; nil disables mirroring.
//
// Outputs:
//   - *ModelCache: The cache.
func NewModelCache(cooldown time.Duration, mirror StatusMirror) *ModelCache {
	return &ModelCache{
		entries:  make(map[ModelKey]*cacheEntry),
		cooldown: cooldown,
		mirror:   mirror,
		now:      time.Now,
	}
}

func (c *ModelCache) entry(key ModelKey, loader Loader) *cacheEntry {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{key: key}
		c.entries[key] = e
	}
	c.mu.Unlock()

	if loader != nil {
		e.mu.Lock()
		if e.loader == nil {
			e.loader = loader
		}
		e.mu.Unlock()
	}
	return e
}

// Register records a loader without loading, so the key shows up in Status
// and is loaded by Warmup.
func (c *ModelCache) Register(key ModelKey, loader Loader) {
	c.entry(key, loader)
}

// Load returns the handle for key, loading it on first use.
//
// Inputs:
//   - ctx: The context of the calling stage.
//   - key: The cache key.
//   - loader: The loader used if none was registered for key yet.
//
// Outputs:
//   - any: The handle.
//   - error: The load error, wrapping model.ErrTransientBackend.
func (c *ModelCache) Load(ctx context.Context, key ModelKey, loader Loader) (any, error) {
	e := c.entry(key, loader)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle != nil {
		return e.handle, nil
	}
	if e.lastErr != nil && c.now().Sub(e.lastAttempt) < c.cooldown {
		return nil, e.lastErr
	}
	if e.loader == nil {
		return nil, fmt.Errorf("%w: no loader registered for %s", model.ErrInvalidConfiguration, key)
	}

	e.lastAttempt = c.now()
	handle, info, err := e.loader(ctx)
	if err != nil {
		e.lastErr = fmt.Errorf("%w: load %s: %v", model.ErrTransientBackend, key, err)
		slog.WarnContext(ctx, "model load failed", "model", key.String(), "error", err)
	} else {
		e.handle, e.info, e.loadedAt, e.lastErr = handle, info, c.now(), nil
		slog.InfoContext(ctx, "model loaded", "model", key.String(), "device", info.Device, "version", info.Version)
	}
	c.publish(ctx, e.status())
	if e.lastErr != nil {
		return nil, e.lastErr
	}
	return e.handle, nil
}

func (c *ModelCache) publish(ctx context.Context, status ModelStatus) {
	if c.mirror == nil {
		return
	}
	if err := c.mirror.Publish(ctx, status); err != nil {
		slog.WarnContext(ctx, "failed to mirror model status", "model", status.ID, "error", err)
	}
}

// Lookup returns the status of a single key.
func (c *ModelCache) Lookup(key ModelKey) (ModelStatus, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return ModelStatus{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status(), true
}

// Status reports every known entry, sorted by id.
func (c *ModelCache) Status() []ModelStatus {
	c.mu.Lock()
	entries := make([]*cacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	out := make([]ModelStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.status())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Warmup loads every registered entry that is not loaded yet. The cooldown is
// ignored so an operator can force a retry.
func (c *ModelCache) Warmup(ctx context.Context) error {
	c.mu.Lock()
	entries := make([]*cacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].key.String() < entries[j].key.String() })

	var errs error
	for _, e := range entries {
		e.mu.Lock()
		registered := e.loader != nil
		e.lastErr = nil
		e.mu.Unlock()
		if !registered {
			continue
		}
		if _, err := c.Load(ctx, e.key, nil); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// Close releases every handle that implements io.Closer and empties the cache.
func (c *ModelCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs error
	for k, e := range c.entries {
		e.mu.Lock()
		if closer, ok := e.handle.(io.Closer); ok {
			errs = errors.Join(errs, closer.Close())
		}
		e.mu.Unlock()
		delete(c.entries, k)
	}
	return errs
}

// RedisStatusMirror stores every status as a Redis hash under
// "<prefix>:<kind>/<name>/<variant>" so other processes can read it.
type RedisStatusMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStatusMirror creates a mirror. A non-positive ttl keeps keys forever.
func NewRedisStatusMirror(client *redis.Client, prefix string, ttl time.Duration) *RedisStatusMirror {
	return &RedisStatusMirror{client: client, prefix: prefix, ttl: ttl}
}

// Publish implements StatusMirror.
func (m *RedisStatusMirror) Publish(ctx context.Context, status ModelStatus) error {
	key := fmt.Sprintf("%s:%s", m.prefix, status.ID)
	lastLoaded := ""
	if status.LastLoadedAt != nil {
		lastLoaded = status.LastLoadedAt.UTC().Format(time.RFC3339)
	}
	if err := m.client.HSet(ctx, key,
		"loaded", status.Loaded,
		"device", status.Device,
		"version", status.Version,
		"last_loaded_at", lastLoaded,
		"error", status.Error,
	).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	if m.ttl > 0 {
		if err := m.client.Expire(ctx, key, m.ttl).Err(); err != nil {
			return fmt.Errorf("redis expire %s: %w", key, err)
		}
	}
	return nil
}

// Snapshot reads every mirrored status.
func (m *RedisStatusMirror) Snapshot(ctx context.Context) ([]ModelStatus, error) {
	var out []ModelStatus
	iter := m.client.Scan(ctx, 0, m.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := m.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
		}
		status := ModelStatus{
			ID:      strings.TrimPrefix(key, m.prefix+":"),
			Loaded:  fields["loaded"] == "1" || fields["loaded"] == "true",
			Device:  fields["device"],
			Version: fields["version"],
			Error:   fields["error"],
		}
		if t, err := time.Parse(time.RFC3339, fields["last_loaded_at"]); err == nil {
			status.LastLoadedAt = &t
		}
		out = append(out, status)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", m.prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
