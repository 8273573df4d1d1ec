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

// Package core composes the storage components behind one facade: the
// single entry point outer layers (WebDAV, WOPI, sync clients) talk to.
// It owns startup recovery, the background workers and cross-cutting
// flows like trash-first delete.
package core

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/oxicloud/oxicloud/pkg/appctx"
	"github.com/oxicloud/oxicloud/pkg/errtypes"
	"github.com/oxicloud/oxicloud/pkg/storage"
	"github.com/oxicloud/oxicloud/pkg/storage/blobstore"
	"github.com/oxicloud/oxicloud/pkg/storage/cache/content"
	"github.com/oxicloud/oxicloud/pkg/storage/cache/transcode"
	"github.com/oxicloud/oxicloud/pkg/storage/cache/writebehind"
	"github.com/oxicloud/oxicloud/pkg/storage/core/options"
	"github.com/oxicloud/oxicloud/pkg/storage/download"
	"github.com/oxicloud/oxicloud/pkg/storage/metadata"
	"github.com/oxicloud/oxicloud/pkg/storage/trash"
	"github.com/oxicloud/oxicloud/pkg/storage/upload"
	"github.com/oxicloud/oxicloud/pkg/storage/wopi"
)

// Core is the assembled storage engine.
type Core struct {
	opts *options.Options

	meta       *metadata.Store
	blobs      *blobstore.Blobstore
	pending    storage.PendingCache
	content    storage.ContentCache
	transcoder storage.Transcoder
	locks      storage.LockTable
	trash      *trash.Manager
	uploads    *upload.Pipeline
	chunks     *upload.ChunkManager
	downloads  *download.Pipeline

	cancelWorkers context.CancelFunc
	gcStop        chan struct{}
	gcDone        chan struct{}
}

// New assembles the engine from a config map. The context supplies the
// logger inherited by the background workers; recovery scans run before
// New returns.
func New(ctx context.Context, m map[string]interface{}) (*Core, error) {
	o, err := options.Parse(m)
	if err != nil {
		return nil, err
	}
	log := appctx.GetLogger(ctx)

	var meta *metadata.Store
	switch o.DB.Driver {
	case "postgres":
		meta, err = metadata.NewPostgres(o.DB.DSN)
	case "sqlite3":
		meta, err = metadata.NewSQLite(o.DB.DSN)
	default:
		return nil, errtypes.BadRequest("unknown db driver " + o.DB.Driver)
	}
	if err != nil {
		return nil, err
	}

	blobs, err := blobstore.New(o.Blob.RootPath, o.Blob.TmpPath, meta)
	if err != nil {
		meta.Close()
		return nil, err
	}

	// rows carrying the sentinel hash never got their bytes flushed;
	// drop them before the flusher starts
	if n, err := meta.RecoverSentinelRows(ctx); err != nil {
		meta.Close()
		return nil, err
	} else if n > 0 {
		log.Warn().Int64("rows", n).Msg("removed unflushed file rows from a previous run")
	}

	workerCtx, cancel := context.WithCancel(appctx.WithLogger(context.Background(), log))

	c := &Core{
		opts:          o,
		meta:          meta,
		blobs:         blobs,
		cancelWorkers: cancel,
	}

	if o.WriteBehind.Enabled {
		c.pending = writebehind.New(workerCtx, blobs, meta, writebehind.Options{
			Threshold:     o.WriteBehind.MaxEntryBytes,
			MaxBytes:      o.WriteBehind.MaxTotalBytes,
			FlushInterval: o.FlushInterval(),
		})
	}
	c.content = content.New(o.ContentCache.MaxBytes, o.ContentCache.MaxFileBytes)
	c.transcoder = transcode.New(o.Transcode.Enabled, o.Transcode.SourceSizeCap)
	c.locks = wopi.New(meta)

	c.trash = trash.New(meta, o.Retention(), o.SweepInterval())
	c.trash.Start(workerCtx)

	c.uploads = upload.NewPipeline(blobs, meta, c.pending, c.content, o.WriteBehind.Enabled)
	c.chunks, err = upload.NewChunkManager(c.uploads, o.Blob.TmpPath+"/chunks", o.SessionTTL(), o.ChunkedUpload.ChunkBytes, *log)
	if err != nil {
		c.Shutdown(ctx)
		return nil, err
	}
	c.downloads = download.NewPipeline(blobs, meta, c.pending, c.content, c.transcoder)

	if o.GCInterval() > 0 {
		c.gcStop = make(chan struct{})
		c.gcDone = make(chan struct{})
		go c.runGC(workerCtx)
	}
	return c, nil
}

// Shutdown stops the workers, flushes staged uploads and closes the
// database. Safe to call more than once.
func (c *Core) Shutdown(ctx context.Context) error {
	var firstErr error
	if c.gcStop != nil {
		close(c.gcStop)
		<-c.gcDone
		c.gcStop = nil
	}
	if c.trash != nil {
		c.trash.Stop()
		c.trash = nil
	}
	if c.pending != nil {
		if err := c.pending.Shutdown(ctx); err != nil {
			firstErr = err
		}
		c.pending = nil
	}
	if c.chunks != nil {
		c.chunks.Close()
		c.chunks = nil
	}
	c.cancelWorkers()
	if c.meta != nil {
		if err := c.meta.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.meta = nil
	}
	return firstErr
}

// Metadata exposes the metadata store for read paths the facade does not
// wrap.
func (c *Core) Metadata() storage.MetadataStore { return c.meta }

// Blobs exposes the blob store for administrative tooling.
func (c *Core) Blobs() storage.BlobStore { return c.blobs }

// Locks exposes the WOPI lock table.
func (c *Core) Locks() storage.LockTable { return c.locks }

// Uploads exposes the tiered upload pipeline.
func (c *Core) Uploads() *upload.Pipeline { return c.uploads }

// ChunkedUploads exposes the resumable upload sessions.
func (c *Core) ChunkedUploads() *upload.ChunkManager { return c.chunks }

// Downloads exposes the tiered download pipeline.
func (c *Core) Downloads() *download.Pipeline { return c.downloads }

// Trash exposes the soft-delete lifecycle.
func (c *Core) Trash() *trash.Manager { return c.trash }

// PendingStats reports write-behind counters, zero when the tier is
// disabled.
func (c *Core) PendingStats() storage.PendingStats {
	if c.pending == nil {
		return storage.PendingStats{}
	}
	return c.pending.Stats()
}

// Upload runs the tiered upload pipeline.
func (c *Core) Upload(ctx context.Context, req upload.Request) (*upload.Result, error) {
	ctx, done := c.opTimeout(ctx)
	defer done()
	return c.uploads.Upload(ctx, req)
}

// Download returns the file fully buffered, transcoding when the request
// asks for it.
func (c *Core) Download(ctx context.Context, req download.Request) (*download.Content, error) {
	ctx, done := c.opTimeout(ctx)
	defer done()
	return c.downloads.GetFileBytes(ctx, req)
}

// DownloadStream returns a reader over the file's bytes.
func (c *Core) DownloadStream(ctx context.Context, fileID string) (io.ReadCloser, *storage.File, error) {
	return c.downloads.GetFileStream(ctx, fileID)
}

// DownloadRange returns a reader over a byte range; end is inclusive,
// nil means to EOF.
func (c *Core) DownloadRange(ctx context.Context, fileID string, start int64, end *int64) (io.ReadCloser, *storage.File, error) {
	return c.downloads.GetFileRangeStream(ctx, fileID, start, end)
}

// DeleteFile soft-deletes by default. When the trash move fails the file
// is deleted permanently instead; the triggers decrement the blob refs
// as part of the row delete.
func (c *Core) DeleteFile(ctx context.Context, fileID string) error {
	ctx, done := c.opTimeout(ctx)
	defer done()

	c.invalidate(fileID)
	trashErr := c.meta.MoveFileToTrash(ctx, fileID)
	if trashErr == nil {
		return nil
	}
	if _, ok := trashErr.(errtypes.IsNotFound); ok {
		return trashErr
	}
	appctx.GetLogger(ctx).Warn().Err(trashErr).Str("file_id", fileID).
		Msg("trash move failed, deleting permanently")
	if err := c.meta.DeleteFile(ctx, fileID); err != nil {
		return errors.Wrap(trashErr, "permanent delete fallback also failed: "+err.Error())
	}
	return nil
}

// DeleteFolder soft-deletes the subtree; on failure it falls back to a
// permanent cascade delete.
func (c *Core) DeleteFolder(ctx context.Context, folderID string) error {
	ctx, done := c.opTimeout(ctx)
	defer done()

	trashErr := c.meta.MoveFolderToTrash(ctx, folderID)
	if trashErr == nil {
		return nil
	}
	if _, ok := trashErr.(errtypes.IsNotFound); ok {
		return trashErr
	}
	appctx.GetLogger(ctx).Warn().Err(trashErr).Str("folder_id", folderID).
		Msg("trash move failed, deleting permanently")
	if err := c.meta.DeleteFolder(ctx, folderID); err != nil {
		return errors.Wrap(trashErr, "permanent delete fallback also failed: "+err.Error())
	}
	return nil
}

// UpdateFileContent replaces a file's bytes through the buffered path
// and invalidates the caches.
func (c *Core) UpdateFileContent(ctx context.Context, fileID string, data []byte, contentType string) (*storage.File, error) {
	ctx, done := c.opTimeout(ctx)
	defer done()

	// a still-staged entry must commit first, or the flusher would later
	// overwrite the new hash with the old bytes
	if c.pending != nil {
		if err := c.pending.ForceFlush(ctx, fileID); err != nil {
			return nil, err
		}
	}

	ref, err := c.blobs.StoreBytes(ctx, data, contentType)
	if err != nil {
		return nil, err
	}
	if err := c.meta.UpdateFileBlobHash(ctx, fileID, ref.Hash, ref.Size); err != nil {
		return nil, err
	}
	c.invalidate(fileID)
	return c.meta.GetFile(ctx, fileID)
}

// VerifyIntegrity rehashes the blob directory against the index.
func (c *Core) VerifyIntegrity(ctx context.Context) ([]storage.IntegrityIssue, error) {
	return c.blobs.VerifyIntegrity(ctx)
}

func (c *Core) invalidate(fileID string) {
	c.content.Invalidate(fileID)
	c.transcoder.Invalidate(fileID)
}

func (c *Core) opTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := c.opts.OpTimeout(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return ctx, func() {}
}

func (c *Core) runGC(ctx context.Context) {
	defer close(c.gcDone)
	log := appctx.GetLogger(ctx)
	ticker := time.NewTicker(c.opts.GCInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.gcStop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.blobs.GarbageCollect(ctx)
			if err != nil {
				log.Error().Err(err).Msg("blob garbage collection failed")
				continue
			}
			if n > 0 {
				log.Info().Int("removed", n).Msg("blob garbage collection removed orphans")
			}
		}
	}
}
