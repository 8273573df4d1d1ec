// Copyright 2018-2024 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package content caches full file bodies for repeated small downloads.
package content

import (
	"github.com/bluele/gcache"

	"github.com/oxicloud/oxicloud/pkg/storage"
)

const (
	// DefaultMaxFileBytes is the largest body the cache will hold.
	DefaultMaxFileBytes = 10 * 1024 * 1024
	// DefaultMaxBytes is the cache's total byte budget.
	DefaultMaxBytes = 256 * 1024 * 1024
)

// Cache is an LRU over full file contents, keyed by file id. gcache
// bounds entries, not bytes, so the entry cap is derived from the byte
// budget divided by the per-file limit; actual usage stays at or under
// the budget because no entry may exceed that limit.
type Cache struct {
	lru          gcache.Cache
	maxFileBytes int64
}

// New builds a content cache with the given byte budget and per-file
// size limit. Zero values select the defaults.
func New(maxBytes, maxFileBytes int64) *Cache {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}
	entries := int(maxBytes / maxFileBytes)
	if entries < 1 {
		entries = 1
	}
	return &Cache{
		lru:          gcache.New(entries).LRU().Build(),
		maxFileBytes: maxFileBytes,
	}
}

// ShouldCache reports whether a body of the given size is admissible.
func (c *Cache) ShouldCache(size int64) bool {
	return size >= 0 && size <= c.maxFileBytes
}

// Get returns the cached content for a file id, if present.
func (c *Cache) Get(fileID string) (*storage.CachedContent, bool) {
	v, err := c.lru.Get(fileID)
	if err != nil {
		return nil, false
	}
	cc, ok := v.(*storage.CachedContent)
	return cc, ok
}

// Put stores the content. Oversized bodies are silently dropped; the
// caller does not need to call ShouldCache first.
func (c *Cache) Put(fileID string, data []byte, etag, contentType string) {
	if !c.ShouldCache(int64(len(data))) {
		return
	}
	_ = c.lru.Set(fileID, &storage.CachedContent{Data: data, ETag: etag, ContentType: contentType})
}

// Invalidate drops the entry for a file id. Needed whenever the file's
// content or metadata changes, or its ETag would go stale.
func (c *Cache) Invalidate(fileID string) {
	c.lru.Remove(fileID)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.lru.Purge()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.lru.Len(false)
}
