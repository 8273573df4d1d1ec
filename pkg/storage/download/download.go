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

// Package download resolves a file id to the cheapest content source:
// the write-behind staging area, the content cache, a cache-populating
// read, or a direct blob stream for large files.
package download

import (
	"bytes"
	"context"
	"io"

	"github.com/oxicloud/oxicloud/pkg/appctx"
	"github.com/oxicloud/oxicloud/pkg/errtypes"
	"github.com/oxicloud/oxicloud/pkg/storage"
	"github.com/oxicloud/oxicloud/pkg/storage/cache/transcode"
)

// StreamThreshold is the size at and above which downloads stream
// straight from the blob store.
const StreamThreshold = 10 * 1024 * 1024

// chunkSize is the copy buffer for cache-populating reads.
const chunkSize = 64 * 1024

// Request carries per-download client preferences.
type Request struct {
	FileID string
	// AcceptWebP is set when the client advertises WebP support.
	AcceptWebP bool
	// PreferOriginal suppresses transcoding even for capable clients.
	PreferOriginal bool
}

// Content is a fully buffered download.
type Content struct {
	Data          []byte
	Mime          string
	ETag          string
	WasTranscoded bool
}

// Pipeline picks the download tier.
type Pipeline struct {
	blobs      storage.BlobStore
	meta       storage.MetadataStore
	pending    storage.PendingCache
	content    storage.ContentCache
	transcoder storage.Transcoder
}

// NewPipeline wires the download tiers. pending, content and transcoder
// may each be nil, disabling their tier.
func NewPipeline(blobs storage.BlobStore, meta storage.MetadataStore, pending storage.PendingCache, content storage.ContentCache, transcoder storage.Transcoder) *Pipeline {
	return &Pipeline{blobs: blobs, meta: meta, pending: pending, content: content, transcoder: transcoder}
}

// GetFileBytes returns the file fully buffered. Files at or above
// StreamThreshold are refused; use GetFileStream for those.
func (p *Pipeline) GetFileBytes(ctx context.Context, req Request) (*Content, error) {
	f, err := p.activeFile(ctx, req.FileID)
	if err != nil {
		return nil, err
	}

	// tier 1: bytes still staged in RAM
	if p.pending != nil {
		if data, ok := p.pending.GetPending(f.ID); ok {
			return p.finish(ctx, f, data)
		}
	}

	if f.Size >= StreamThreshold {
		return nil, errtypes.BadRequest("file too large for buffered download")
	}

	// tier 2: content cache hit
	if p.content != nil {
		if cc, ok := p.content.Get(f.ID); ok && cc.ETag == storage.ETagFor(f.ID, f.UpdatedAt) {
			return p.transcoded(ctx, f, &Content{Data: cc.Data, Mime: cc.ContentType, ETag: cc.ETag}, req)
		}
	}

	// tier 3: populate the cache from the blob store
	data, err := p.readAll(ctx, f)
	if err != nil {
		return nil, err
	}
	c, err := p.finish(ctx, f, data)
	if err != nil {
		return nil, err
	}
	return p.transcoded(ctx, f, c, req)
}

// GetFileStream returns a reader over the blob, never buffering in RAM.
// Small files still staged in the write-behind cache are served from
// there.
func (p *Pipeline) GetFileStream(ctx context.Context, fileID string) (io.ReadCloser, *storage.File, error) {
	f, err := p.activeFile(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	if p.pending != nil {
		if data, ok := p.pending.GetPending(f.ID); ok {
			return io.NopCloser(bytes.NewReader(data)), f, nil
		}
	}
	rc, err := p.blobs.ReadStream(ctx, f.BlobHash)
	if err != nil {
		return nil, nil, err
	}
	return rc, f, nil
}

// GetFileRangeStream returns at most end-start+1 bytes starting at
// start. end is inclusive; nil means read to EOF. A start at or past the
// file size yields an empty stream.
func (p *Pipeline) GetFileRangeStream(ctx context.Context, fileID string, start int64, end *int64) (io.ReadCloser, *storage.File, error) {
	f, err := p.activeFile(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	if p.pending != nil {
		if data, ok := p.pending.GetPending(f.ID); ok {
			if start >= int64(len(data)) {
				return io.NopCloser(bytes.NewReader(nil)), f, nil
			}
			stop := int64(len(data))
			if end != nil && *end+1 < stop {
				stop = *end + 1
			}
			// an end before start means an empty range, same as the blob path
			if stop < start {
				stop = start
			}
			return io.NopCloser(bytes.NewReader(data[start:stop])), f, nil
		}
	}
	rc, err := p.blobs.ReadRangeStream(ctx, f.BlobHash, start, end)
	if err != nil {
		return nil, nil, err
	}
	return rc, f, nil
}

// activeFile resolves the row and hides trashed files from reads; they
// are only reachable through the trash surface until restored.
func (p *Pipeline) activeFile(ctx context.Context, fileID string) (*storage.File, error) {
	f, err := p.meta.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.IsTrashed {
		return nil, errtypes.NotFound("file " + fileID)
	}
	return f, nil
}

// readAll streams the blob into a pre-sized buffer in 64 KiB chunks.
func (p *Pipeline) readAll(ctx context.Context, f *storage.File) ([]byte, error) {
	rc, err := p.blobs.ReadStream(ctx, f.BlobHash)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	buf := bytes.NewBuffer(make([]byte, 0, f.Size))
	if _, err := io.CopyBuffer(buf, rc, make([]byte, chunkSize)); err != nil {
		return nil, errtypes.InternalError("reading blob " + f.BlobHash + ": " + err.Error())
	}
	return buf.Bytes(), nil
}

// finish wraps raw bytes in a response and populates the content cache.
func (p *Pipeline) finish(ctx context.Context, f *storage.File, data []byte) (*Content, error) {
	etag := storage.ETagFor(f.ID, f.UpdatedAt)
	if p.content != nil && p.content.ShouldCache(int64(len(data))) {
		p.content.Put(f.ID, data, etag, f.MimeType)
	}
	return &Content{Data: data, Mime: f.MimeType, ETag: etag}, nil
}

// transcoded applies the optional WebP conversion when the client asked
// for it and the transcoder approves the payload.
func (p *Pipeline) transcoded(ctx context.Context, f *storage.File, c *Content, req Request) (*Content, error) {
	if p.transcoder == nil || !req.AcceptWebP || req.PreferOriginal {
		return c, nil
	}
	if !p.transcoder.ShouldTranscode(c.Mime, int64(len(c.Data))) {
		return c, nil
	}
	res, err := p.transcoder.GetTranscoded(ctx, f.ID, c.Data, c.Mime, transcode.FormatWebP)
	if err != nil {
		// transcode failures degrade to the original payload
		appctx.GetLogger(ctx).Warn().Err(err).Str("file_id", f.ID).Msg("transcode failed, serving original")
		return c, nil
	}
	if res.WasTranscoded {
		c.Data = res.Data
		c.Mime = res.Mime
		c.WasTranscoded = true
	}
	return c, nil
}
