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

// Package blobstore implements a content-addressed filesystem blobstore.
// Blobs are named by the SHA-256 hex digest of their content and live in
// a two-level fan-out below the blob root. Files are immutable once
// committed; the commit point is an atomic rename from the spool dir.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/oxicloud/oxicloud/pkg/appctx"
	"github.com/oxicloud/oxicloud/pkg/errtypes"
	"github.com/oxicloud/oxicloud/pkg/storage"
)

// spoolBufferSize bounds the RAM used per streaming store.
const spoolBufferSize = 64 * 1024

// Blobstore provides an interface to a filesystem based blobstore.
type Blobstore struct {
	root  string
	tmp   string
	index storage.BlobIndex
}

// New returns a new Blobstore rooted at root with spool files in tmp.
// Leftover spool files from a previous run are swept away. tmp must live
// on the same filesystem as root so the commit rename stays atomic.
func New(root, tmp string, index storage.BlobIndex) (*Blobstore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, errors.Wrap(err, "blobstore: could not create blob root")
	}
	if err := os.MkdirAll(tmp, 0700); err != nil {
		return nil, errors.Wrap(err, "blobstore: could not create spool dir")
	}

	bs := &Blobstore{root: root, tmp: tmp, index: index}
	if err := bs.sweepSpoolDir(); err != nil {
		return nil, err
	}
	return bs, nil
}

// HashBytes returns the hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile returns the hex SHA-256 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "blobstore: could not open '%s' for hashing", path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "blobstore: could not hash '%s'", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// StoreBytes writes data under its own hash, skipping the disk write when
// the blob already exists.
func (bs *Blobstore) StoreBytes(ctx context.Context, data []byte, contentType string) (*storage.BlobRef, error) {
	hash := HashBytes(data)
	path := bs.path(hash)

	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(err, "blobstore: could not stat blob '%s'", hash)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, wrapIOError(err, hash)
		}
		if err := renameio.WriteFile(path, data, 0600, renameio.WithTempDir(bs.tmp)); err != nil {
			return nil, wrapIOError(err, hash)
		}
	}

	existed, err := bs.index.EnsureBlob(ctx, hash, int64(len(data)), contentType)
	if err != nil {
		return nil, err
	}

	return &storage.BlobRef{
		Hash:         hash,
		Size:         int64(len(data)),
		Path:         path,
		Deduplicated: existed,
	}, nil
}

// StoreFromStream spools the source to a temp file, feeding every chunk
// to a SHA-256 context, and commits it with one rename. Supplying
// precomputedHash skips the hashing (trusted caller). Partial writes only
// ever leave a spool file behind, which the startup sweep reclaims.
func (bs *Blobstore) StoreFromStream(ctx context.Context, source io.Reader, precomputedHash, contentType string) (*storage.BlobRef, error) {
	tmp, err := os.CreateTemp(bs.tmp, "spool-*")
	if err != nil {
		return nil, wrapIOError(err, "spool")
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op once the rename happened
		os.Remove(tmpName)
	}()

	var sink io.Writer = tmp
	h := sha256.New()
	if precomputedHash == "" {
		sink = io.MultiWriter(tmp, h)
	}

	buf := make([]byte, spoolBufferSize)
	size, err := io.CopyBuffer(sink, readerCtx(ctx, source), buf)
	if err != nil {
		tmp.Close()
		return nil, wrapIOError(err, "spool")
	}
	if err := tmp.Close(); err != nil {
		return nil, wrapIOError(err, "spool")
	}

	hash := precomputedHash
	if hash == "" {
		hash = hex.EncodeToString(h.Sum(nil))
	}

	deduplicated, err := bs.commit(tmpName, hash)
	if err != nil {
		return nil, err
	}

	existed, err := bs.index.EnsureBlob(ctx, hash, size, contentType)
	if err != nil {
		return nil, err
	}

	return &storage.BlobRef{
		Hash:         hash,
		Size:         size,
		Path:         bs.path(hash),
		Deduplicated: deduplicated || existed,
	}, nil
}

// commit renames the spool file into the blob directory. A per-hash file
// lock serializes concurrent commits of the same content; the loser
// discards its spool file and reports a dedup hit.
func (bs *Blobstore) commit(tmpName, hash string) (bool, error) {
	path := bs.path(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return false, wrapIOError(err, hash)
	}

	fl := flock.New(path + ".flock")
	if err := fl.Lock(); err != nil {
		return false, errors.Wrapf(err, "blobstore: could not lock blob '%s' for commit", hash)
	}
	defer func() {
		fl.Unlock()
		os.Remove(path + ".flock")
	}()

	if _, err := os.Stat(path); err == nil {
		os.Remove(tmpName)
		return true, nil
	}
	if err := os.Rename(tmpName, path); err != nil {
		return false, wrapIOError(err, hash)
	}
	return false, nil
}

// ReadBytes returns the full content of a blob.
func (bs *Blobstore) ReadBytes(ctx context.Context, hash string) ([]byte, error) {
	data, err := os.ReadFile(bs.path(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errtypes.NotFound("blob " + hash)
		}
		return nil, errors.Wrapf(err, "blobstore: could not read blob '%s'", hash)
	}
	return data, nil
}

// ReadStream retrieves a blob from the blobstore for reading.
func (bs *Blobstore) ReadStream(ctx context.Context, hash string) (io.ReadCloser, error) {
	file, err := os.Open(bs.path(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errtypes.NotFound("blob " + hash)
		}
		return nil, errors.Wrapf(err, "blobstore: could not read blob '%s'", hash)
	}
	return file, nil
}

// ReadRangeStream returns the byte range [start, end] of a blob using
// seek+take, so N requested bytes touch N bytes of disk.
func (bs *Blobstore) ReadRangeStream(ctx context.Context, hash string, start int64, end *int64) (io.ReadCloser, error) {
	file, err := os.Open(bs.path(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errtypes.NotFound("blob " + hash)
		}
		return nil, errors.Wrapf(err, "blobstore: could not read blob '%s'", hash)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "blobstore: could not stat blob '%s'", hash)
	}

	if start >= fi.Size() {
		file.Close()
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	if _, err := file.Seek(start, io.SeekStart); err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "blobstore: could not seek blob '%s'", hash)
	}

	length := fi.Size() - start
	if end != nil && *end-start+1 < length {
		length = *end - start + 1
	}
	return &rangeReader{Reader: io.LimitReader(file, length), file: file}, nil
}

// BlobSize returns the on-disk size of a blob.
func (bs *Blobstore) BlobSize(ctx context.Context, hash string) (int64, error) {
	fi, err := os.Stat(bs.path(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, errtypes.NotFound("blob " + hash)
		}
		return 0, errors.Wrapf(err, "blobstore: could not stat blob '%s'", hash)
	}
	return fi.Size(), nil
}

// Exists reports whether the blob file is present.
func (bs *Blobstore) Exists(ctx context.Context, hash string) (bool, error) {
	_, err := os.Stat(bs.path(hash))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "blobstore: could not stat blob '%s'", hash)
}

// Metadata returns size, ref count and content type from the index.
func (bs *Blobstore) Metadata(ctx context.Context, hash string) (*storage.BlobInfo, error) {
	return bs.index.BlobInfo(ctx, hash)
}

// AddReference increments the blob's reference count. Normal file flows
// never call this; the database triggers do the counting.
func (bs *Blobstore) AddReference(ctx context.Context, hash string) error {
	return bs.index.AddBlobReference(ctx, hash)
}

// RemoveReference decrements the reference count and, at zero, deletes
// the blob file and its index row. It reports whether the blob was
// released.
func (bs *Blobstore) RemoveReference(ctx context.Context, hash string) (bool, error) {
	remaining, err := bs.index.RemoveBlobReference(ctx, hash)
	if err != nil {
		return false, err
	}
	if remaining > 0 {
		return false, nil
	}

	if err := os.Remove(bs.path(hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, errors.Wrapf(err, "blobstore: could not delete blob '%s'", hash)
	}
	if err := bs.index.DeleteBlob(ctx, hash); err != nil {
		return false, err
	}
	return true, nil
}

// GarbageCollect deletes blobs whose ref count is zero in the index,
// together with their files. Blobs on disk that the index does not know
// are logged and left alone; VerifyIntegrity reports them.
func (bs *Blobstore) GarbageCollect(ctx context.Context) (int, error) {
	log := appctx.GetLogger(ctx)

	hashes, err := bs.index.ListUnreferencedBlobs(ctx)
	if err != nil {
		return 0, err
	}

	collected := 0
	for _, hash := range hashes {
		if err := ctx.Err(); err != nil {
			return collected, err
		}
		if err := os.Remove(bs.path(hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Error().Err(err).Str("hash", hash).Msg("blobstore: gc could not delete blob file")
			continue
		}
		if err := bs.index.DeleteBlob(ctx, hash); err != nil {
			log.Error().Err(err).Str("hash", hash).Msg("blobstore: gc could not delete blob row")
			continue
		}
		collected++
	}
	return collected, nil
}

// verifyWorkers bounds the concurrent rehashing of the blob directory.
const verifyWorkers = 4

// VerifyIntegrity walks the blob directory, rehashing every file and
// comparing hash and size with the index. It reports corrupt files,
// orphans on disk and index rows without a file.
func (bs *Blobstore) VerifyIntegrity(ctx context.Context) ([]storage.IntegrityIssue, error) {
	indexed, err := bs.index.ListBlobs(ctx)
	if err != nil {
		return nil, err
	}

	var onDisk []string
	err = filepath.WalkDir(bs.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || strings.HasSuffix(path, ".flock") {
			return err
		}
		onDisk = append(onDisk, path)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "blobstore: could not walk blob dir")
	}

	issues := make([]storage.IntegrityIssue, 0)
	results := make(chan storage.IntegrityIssue, len(onDisk))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyWorkers)
	seen := make(map[string]struct{}, len(onDisk))
	for _, path := range onDisk {
		path := path
		hash := filepath.Base(path)
		seen[hash] = struct{}{}
		size, inIndex := indexed[hash]
		if !inIndex {
			results <- storage.IntegrityIssue{Hash: hash, Path: path, Problem: "not in index"}
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			actual, err := HashFile(path)
			if err != nil {
				return err
			}
			if actual != hash {
				results <- storage.IntegrityIssue{Hash: hash, Path: path, Problem: "content hashes to " + actual}
				return nil
			}
			if fi, err := os.Stat(path); err == nil && fi.Size() != size {
				results <- storage.IntegrityIssue{Hash: hash, Path: path, Problem: "size mismatch with index"}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(results)
	for issue := range results {
		issues = append(issues, issue)
	}

	for hash := range indexed {
		if _, ok := seen[hash]; !ok {
			issues = append(issues, storage.IntegrityIssue{Hash: hash, Path: bs.path(hash), Problem: "missing on disk"})
		}
	}
	return issues, nil
}

func (bs *Blobstore) path(hash string) string {
	// hashes are validated hex, but the layout must never escape the root
	hash = filepath.Base(filepath.Clean(hash))
	return filepath.Join(bs.root, hash[0:2], hash[2:4], hash)
}

func (bs *Blobstore) sweepSpoolDir() error {
	entries, err := os.ReadDir(bs.tmp)
	if err != nil {
		return errors.Wrap(err, "blobstore: could not read spool dir")
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(bs.tmp, e.Name())); err != nil {
			return errors.Wrap(err, "blobstore: could not sweep spool file")
		}
	}
	return nil
}

// wrapIOError maps filesystem failures to the core error kinds.
func wrapIOError(err error, what string) error {
	switch {
	case errors.Is(err, syscall.ENOSPC):
		return errtypes.InsufficientStorage("writing blob " + what)
	case errors.Is(err, fs.ErrPermission):
		return errtypes.PermissionDenied("writing blob " + what)
	default:
		return errors.Wrapf(err, "blobstore: i/o error on '%s'", what)
	}
}

type rangeReader struct {
	io.Reader
	file *os.File
}

func (r *rangeReader) Close() error {
	return r.file.Close()
}

// readerCtx makes a reader fail fast once the context is cancelled, so
// interrupted spools release their goroutine at the next chunk boundary.
func readerCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
