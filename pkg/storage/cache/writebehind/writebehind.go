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

// Package writebehind stages small uploads in RAM so the client gets its
// ack before the blob hits disk. Every staged entry belongs to a file row
// already registered with the sentinel hash; the background flusher
// stores the blob and swaps the real hash in. An entry stays readable
// through GetPending until its metadata commit succeeds, so a download
// racing the flush never misses the bytes.
package writebehind

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/oxicloud/oxicloud/pkg/appctx"
	"github.com/oxicloud/oxicloud/pkg/errtypes"
	"github.com/oxicloud/oxicloud/pkg/storage"
	"github.com/oxicloud/oxicloud/pkg/storage/blobstore"
)

const (
	// DefaultThreshold is the largest upload admitted to the cache.
	DefaultThreshold = 256 * 1024
	// DefaultMaxBytes caps staged bytes across all entries.
	DefaultMaxBytes = 64 * 1024 * 1024
	// DefaultFlushInterval is how often the flusher drains the cache.
	DefaultFlushInterval = 500 * time.Millisecond
	// DefaultMaxFlushElapsed bounds the per-entry retry window.
	DefaultMaxFlushElapsed = 30 * time.Second
)

type entry struct {
	fileID      string
	data        []byte
	hash        string
	contentType string
	enqueuedAt  time.Time
	flushing    bool
}

// Options configures the cache. Zero values select the defaults above.
type Options struct {
	Threshold       int64
	MaxBytes        int64
	FlushInterval   time.Duration
	MaxFlushElapsed time.Duration
}

// Cache is the write-behind staging area. All state is guarded by a
// single mutex; the flusher snapshots entries under the lock and does
// its IO outside it.
type Cache struct {
	blobs storage.BlobStore
	meta  storage.MetadataStore
	opts  Options

	mu           sync.Mutex
	entries      map[string]*entry
	pendingBytes int64

	totalWrites   int64
	totalBytes    int64
	cacheHits     int64
	flushDuration time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New builds the cache and starts the flusher. The context carries the
// flusher's logger and cancels its in-flight IO on shutdown.
func New(ctx context.Context, blobs storage.BlobStore, meta storage.MetadataStore, opts Options) *Cache {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxFlushElapsed <= 0 {
		opts.MaxFlushElapsed = DefaultMaxFlushElapsed
	}
	c := &Cache{
		blobs:   blobs,
		meta:    meta,
		opts:    opts,
		entries: map[string]*entry{},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

// IsEligible reports whether an upload of the given size belongs in the
// write-behind tier at all.
func (c *Cache) IsEligible(size int64) bool {
	return size >= 0 && size < c.opts.Threshold
}

// PutPending admits the bytes for a registered file id. It reports false
// when the upload is too large, the id is already staged, or admitting
// it would exceed the byte budget; the caller then falls back to the
// buffered tier.
func (c *Cache) PutPending(ctx context.Context, fileID string, data []byte, contentType string) bool {
	if !c.IsEligible(int64(len(data))) {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[fileID]; exists {
		return false
	}
	if c.pendingBytes+int64(len(data)) > c.opts.MaxBytes {
		appctx.GetLogger(ctx).Warn().Str("file_id", fileID).
			Int64("pending_bytes", c.pendingBytes).Msg("write-behind cache saturated, falling back")
		return false
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	c.entries[fileID] = &entry{
		fileID:      fileID,
		data:        buf,
		hash:        blobstore.HashBytes(buf),
		contentType: contentType,
		enqueuedAt:  time.Now(),
	}
	c.pendingBytes += int64(len(buf))
	return true
}

// GetPending returns the staged bytes for a file id, if any. Downloads
// consult this before touching the blob store.
func (c *Cache) GetPending(fileID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fileID]
	if !ok {
		return nil, false
	}
	c.cacheHits++
	buf := make([]byte, len(e.data))
	copy(buf, e.data)
	return buf, true
}

// IsPending reports whether a file id is still staged.
func (c *Cache) IsPending(fileID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[fileID]
	return ok
}

// ForceFlush writes one staged entry through immediately.
func (c *Cache) ForceFlush(ctx context.Context, fileID string) error {
	e, ok := c.claim(fileID)
	if !ok {
		return nil
	}
	return c.flushOne(ctx, e)
}

// FlushAll writes every staged entry through and returns the first
// error, after attempting all of them.
func (c *Cache) FlushAll(ctx context.Context) error {
	var firstErr error
	for _, e := range c.claimAll() {
		if err := c.flushOne(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown stops the flusher and drains the cache. Nothing staged is
// lost unless the final flush itself fails. Safe to call more than once.
func (c *Cache) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
	return c.FlushAll(ctx)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() storage.PendingStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := storage.PendingStats{
		PendingCount:      len(c.entries),
		PendingBytes:      c.pendingBytes,
		TotalWrites:       c.totalWrites,
		TotalBytesWritten: c.totalBytes,
		CacheHits:         c.cacheHits,
	}
	if c.totalWrites > 0 {
		s.AvgFlushTime = c.flushDuration / time.Duration(c.totalWrites)
	}
	return s
}

func (c *Cache) run(ctx context.Context) {
	defer close(c.done)
	log := appctx.GetLogger(ctx)
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range c.claimAll() {
				if err := c.flushOne(ctx, e); err != nil {
					log.Error().Err(err).Str("file_id", e.fileID).Msg("write-behind flush failed, will retry")
				}
			}
		}
	}
}

// claim marks the entry as flushing so concurrent flushers skip it. The
// entry stays in the map; release or finish decide its fate.
func (c *Cache) claim(fileID string) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fileID]
	if !ok || e.flushing {
		return nil, false
	}
	e.flushing = true
	return e, true
}

func (c *Cache) claimAll() []*entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	claimed := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		if !e.flushing {
			e.flushing = true
			claimed = append(claimed, e)
		}
	}
	return claimed
}

// flushOne stores the blob and commits the real hash to the file row,
// retrying transient failures with exponential backoff. The entry is
// removed only after the metadata commit so GetPending covers the whole
// window.
func (c *Cache) flushOne(ctx context.Context, e *entry) error {
	start := time.Now()
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.opts.MaxFlushElapsed

	err := backoff.Retry(func() error {
		ref, err := c.blobs.StoreBytes(ctx, e.data, e.contentType)
		if err != nil {
			return errors.Wrap(err, "storing staged blob")
		}
		if err := c.meta.UpdateFileBlobHash(ctx, e.fileID, ref.Hash, ref.Size); err != nil {
			// the row is gone; retrying can never succeed
			if _, ok := err.(errtypes.IsNotFound); ok {
				return backoff.Permanent(errors.Wrap(err, "committing staged hash"))
			}
			return errors.Wrap(err, "committing staged hash")
		}
		return nil
	}, backoff.WithContext(bo, ctx))

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if _, ok := errors.Cause(err).(errtypes.IsNotFound); ok {
			appctx.GetLogger(ctx).Error().Err(err).Str("file_id", e.fileID).
				Msg("dropping staged bytes, their file row no longer exists")
			delete(c.entries, e.fileID)
			c.pendingBytes -= int64(len(e.data))
			return err
		}
		e.flushing = false
		return err
	}
	delete(c.entries, e.fileID)
	c.pendingBytes -= int64(len(e.data))
	c.totalWrites++
	c.totalBytes += int64(len(e.data))
	c.flushDuration += time.Since(start)
	return nil
}
