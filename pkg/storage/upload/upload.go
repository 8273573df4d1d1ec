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

// Package upload picks one of three strategies by declared size and runs
// it end to end: write-behind for small payloads, buffered for medium,
// streaming for large. Chunked resumable uploads live in this package
// too and terminate in the streaming tier.
package upload

import (
	"context"
	"io"
	"net/http"

	"github.com/oxicloud/oxicloud/pkg/appctx"
	"github.com/oxicloud/oxicloud/pkg/errtypes"
	"github.com/oxicloud/oxicloud/pkg/mime"
	"github.com/oxicloud/oxicloud/pkg/storage"
	"github.com/oxicloud/oxicloud/pkg/storage/blobstore"
)

const (
	// WriteBehindThreshold is the strict upper bound of the write-behind
	// tier; a payload of exactly this size is buffered.
	WriteBehindThreshold = 256 * 1024
	// BufferedThreshold is the lower bound of the streaming tier.
	BufferedThreshold = 1024 * 1024
)

// Request describes one upload. Size is the declared total; a negative
// size forces the streaming tier.
type Request struct {
	Name        string
	FolderID    *string
	UserID      string
	ContentType string
	Size        int64
	Source      io.Reader
}

// Result is the committed file plus how it got there.
type Result struct {
	File *storage.FileDto
	Tier storage.UploadTier
	// Deduplicated is true when the content already existed and no disk
	// write happened.
	Deduplicated bool
}

// Pipeline executes uploads against the blob and metadata stores.
type Pipeline struct {
	blobs   storage.BlobStore
	meta    storage.MetadataStore
	pending storage.PendingCache
	content storage.ContentCache

	writeBehindEnabled bool
}

// NewPipeline wires the upload tiers. pending may be nil when the
// write-behind tier is disabled.
func NewPipeline(blobs storage.BlobStore, meta storage.MetadataStore, pending storage.PendingCache, content storage.ContentCache, writeBehindEnabled bool) *Pipeline {
	return &Pipeline{
		blobs:              blobs,
		meta:               meta,
		pending:            pending,
		content:            content,
		writeBehindEnabled: writeBehindEnabled && pending != nil,
	}
}

// Upload validates the request, picks a tier by declared size and runs
// it. The blob is durable before the file row commits, except in the
// write-behind tier where the sentinel row is the ack.
func (p *Pipeline) Upload(ctx context.Context, req Request) (*Result, error) {
	if err := storage.ValidateName(req.Name); err != nil {
		return nil, err
	}
	if req.Source == nil {
		return nil, errtypes.BadRequest("upload source must not be nil")
	}

	switch {
	case req.Size >= 0 && req.Size < WriteBehindThreshold && p.writeBehindEnabled:
		return p.writeBehind(ctx, req)
	case req.Size >= 0 && req.Size < BufferedThreshold:
		return p.buffered(ctx, req)
	default:
		return p.streaming(ctx, req)
	}
}

// writeBehind registers the file row with the sentinel hash and stashes
// the bytes in RAM; the flusher makes them durable. When the cache has
// no capacity the bytes are written through synchronously instead, which
// is the buffered tier with the row already in place.
func (p *Pipeline) writeBehind(ctx context.Context, req Request) (*Result, error) {
	data, err := io.ReadAll(req.Source)
	if err != nil {
		return nil, errtypes.InternalError("reading upload: " + err.Error())
	}
	if int64(len(data)) >= WriteBehindThreshold {
		// declared size was a lie; the payload belongs one tier up
		return p.bufferedBytes(ctx, req, data)
	}
	ct := p.contentType(req, data)

	// staging defers the blob write, so dedup is checked against the
	// index up front while the bytes are at hand
	dedup, err := p.blobs.Exists(ctx, blobstore.HashBytes(data))
	if err != nil {
		return nil, err
	}

	f, err := p.meta.RegisterFileDeferred(ctx, req.Name, req.FolderID, req.UserID, int64(len(data)), ct)
	if err != nil {
		return nil, err
	}

	if !p.pending.PutPending(ctx, f.ID, data, ct) {
		appctx.GetLogger(ctx).Debug().Str("file_id", f.ID).Msg("write-behind rejected, writing through")
		ref, err := p.blobs.StoreBytes(ctx, data, ct)
		if err != nil {
			return nil, err
		}
		if err := p.meta.UpdateFileBlobHash(ctx, f.ID, ref.Hash, ref.Size); err != nil {
			return nil, err
		}
		return p.result(ctx, f.ID, storage.TierBuffered, ref.Deduplicated)
	}
	return p.result(ctx, f.ID, storage.TierWriteBehind, dedup)
}

func (p *Pipeline) buffered(ctx context.Context, req Request) (*Result, error) {
	data, err := io.ReadAll(req.Source)
	if err != nil {
		return nil, errtypes.InternalError("reading upload: " + err.Error())
	}
	return p.bufferedBytes(ctx, req, data)
}

func (p *Pipeline) bufferedBytes(ctx context.Context, req Request, data []byte) (*Result, error) {
	ct := p.contentType(req, data)
	ref, err := p.blobs.StoreBytes(ctx, data, ct)
	if err != nil {
		return nil, err
	}
	f, err := p.meta.CreateFile(ctx, req.Name, req.FolderID, req.UserID, ref.Hash, ref.Size, ct)
	if err != nil {
		return nil, err
	}
	return p.result(ctx, f.ID, storage.TierBuffered, ref.Deduplicated)
}

func (p *Pipeline) streaming(ctx context.Context, req Request) (*Result, error) {
	ct := p.contentType(req, nil)
	ref, err := p.blobs.StoreFromStream(ctx, req.Source, "", ct)
	if err != nil {
		return nil, err
	}
	f, err := p.meta.CreateFile(ctx, req.Name, req.FolderID, req.UserID, ref.Hash, ref.Size, ct)
	if err != nil {
		return nil, err
	}
	return p.result(ctx, f.ID, storage.TierStreaming, ref.Deduplicated)
}

// contentType resolves the mime type: the declared one wins, then the
// filename extension, then content sniffing when bytes are at hand.
func (p *Pipeline) contentType(req Request, data []byte) string {
	if req.ContentType != "" {
		return req.ContentType
	}
	ct := mime.Detect(false, req.Name)
	if ct == "application/octet-stream" && len(data) > 0 {
		ct = http.DetectContentType(data)
	}
	return ct
}

func (p *Pipeline) result(ctx context.Context, fileID string, tier storage.UploadTier, dedup bool) (*Result, error) {
	f, err := p.meta.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	path, err := p.meta.FilePath(ctx, f)
	if err != nil {
		return nil, err
	}
	if p.content != nil {
		p.content.Invalidate(fileID)
	}
	return &Result{File: storage.NewFileDto(f, path), Tier: tier, Deduplicated: dedup}, nil
}
