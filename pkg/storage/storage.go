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

// Package storage defines the capability interfaces of the storage core.
// Components depend on each other only through these interfaces, never on
// concrete types.
package storage

import (
	"context"
	"io"
	"time"
)

// BlobStore turns byte sequences into content-addressed files and back,
// keeping an accurate reference count in the blob index.
type BlobStore interface {
	// StoreBytes writes data to the blob directory if its hash is not
	// already present and registers the blob in the index.
	StoreBytes(ctx context.Context, data []byte, contentType string) (*BlobRef, error)
	// StoreFromStream spools the source to a temp file, hashing as it
	// goes, and atomically renames it into the blob directory. If
	// precomputedHash is non-empty the caller is trusted and re-hashing
	// is skipped.
	StoreFromStream(ctx context.Context, source io.Reader, precomputedHash, contentType string) (*BlobRef, error)
	ReadBytes(ctx context.Context, hash string) ([]byte, error)
	ReadStream(ctx context.Context, hash string) (io.ReadCloser, error)
	// ReadRangeStream seeks to start and returns at most end-start+1
	// bytes. end is inclusive; nil means read to EOF. A start at or past
	// the blob size yields an empty stream, not an error.
	ReadRangeStream(ctx context.Context, hash string, start int64, end *int64) (io.ReadCloser, error)
	BlobSize(ctx context.Context, hash string) (int64, error)
	Exists(ctx context.Context, hash string) (bool, error)
	Metadata(ctx context.Context, hash string) (*BlobInfo, error)
	AddReference(ctx context.Context, hash string) error
	// RemoveReference decrements the ref count and deletes the on-disk
	// file when it reaches zero. It reports whether the blob was released.
	RemoveReference(ctx context.Context, hash string) (bool, error)
	// VerifyIntegrity walks the blob directory, rehashes every file and
	// compares the result with the index.
	VerifyIntegrity(ctx context.Context) ([]IntegrityIssue, error)
	// GarbageCollect removes blobs whose ref count dropped to zero
	// without anyone deleting the file, e.g. after a failed metadata
	// insert. Mismatching ref counts are reported, never repaired.
	GarbageCollect(ctx context.Context) (int, error)
}

// BlobIndex is the persistent side of the blob store: the storage.blobs
// table. Reference counts in it are maintained by database triggers on
// file rows; the explicit Add/Remove operations below exist for the blob
// store's own accounting paths (GC, administrative repair) only.
type BlobIndex interface {
	// EnsureBlob inserts the blob row if absent and reports whether it
	// already existed.
	EnsureBlob(ctx context.Context, hash string, size int64, contentType string) (existed bool, err error)
	BlobInfo(ctx context.Context, hash string) (*BlobInfo, error)
	AddBlobReference(ctx context.Context, hash string) error
	// RemoveBlobReference decrements and returns the remaining count.
	RemoveBlobReference(ctx context.Context, hash string) (int64, error)
	DeleteBlob(ctx context.Context, hash string) error
	ListUnreferencedBlobs(ctx context.Context) ([]string, error)
	// ListBlobs returns hash -> recorded size for every indexed blob.
	ListBlobs(ctx context.Context) (map[string]int64, error)
}

// MetadataStore is the relational persistence of files and folders with
// materialized paths and soft delete.
type MetadataStore interface {
	CreateFolder(ctx context.Context, name string, parentID *string, userID string) (*Folder, error)
	GetFolder(ctx context.Context, id string) (*Folder, error)
	GetFolderByPath(ctx context.Context, userID, path string) (*Folder, error)
	ListFolders(ctx context.Context, parentID *string, userID string) ([]*Folder, error)
	ListFoldersPaginated(ctx context.Context, parentID *string, userID string, page, pageSize int, withTotal bool) ([]*Folder, *int64, error)
	RenameFolder(ctx context.Context, id, newName string) (*Folder, error)
	MoveFolder(ctx context.Context, id string, newParentID *string) (*Folder, error)
	DeleteFolder(ctx context.Context, id string) error
	MoveFolderToTrash(ctx context.Context, id string) error
	RestoreFolder(ctx context.Context, id string) error

	CreateFile(ctx context.Context, name string, folderID *string, userID, blobHash string, size int64, mimeType string) (*File, error)
	// RegisterFileDeferred inserts a file row carrying the sentinel hash;
	// the write-behind flusher replaces it via UpdateFileBlobHash.
	RegisterFileDeferred(ctx context.Context, name string, folderID *string, userID string, declaredSize int64, mimeType string) (*File, error)
	UpdateFileBlobHash(ctx context.Context, id, blobHash string, size int64) error
	GetFile(ctx context.Context, id string) (*File, error)
	FindFileByPath(ctx context.Context, userID, path string) (*File, error)
	ListFiles(ctx context.Context, folderID *string, userID string) ([]*File, error)
	CountFiles(ctx context.Context, userID string) (int64, error)
	SearchFilesPaginated(ctx context.Context, criteria SearchCriteria) ([]*File, *int64, error)
	RenameFile(ctx context.Context, id, newName string) (*File, error)
	MoveFile(ctx context.Context, id string, newFolderID *string) (*File, error)
	DeleteFile(ctx context.Context, id string) error
	MoveFileToTrash(ctx context.Context, id string) error
	RestoreFile(ctx context.Context, id string) error
	// FilePath resolves the logical path of a file from its folder's
	// materialized path.
	FilePath(ctx context.Context, f *File) (string, error)

	ListTrash(ctx context.Context, userID string) ([]*TrashedItem, error)
	// DeleteExpiredBulk permanently removes every trashed item older than
	// the cutoff in one transaction and returns the number of rows gone.
	DeleteExpiredBulk(ctx context.Context, olderThan time.Time) (int64, error)
	// RecoverSentinelRows deletes file rows still carrying the sentinel
	// hash; run at startup before the flusher starts.
	RecoverSentinelRows(ctx context.Context) (int64, error)
}

// PendingCache stages small uploads in RAM and flushes them to the blob
// store in the background.
type PendingCache interface {
	IsEligible(size int64) bool
	// PutPending admits the bytes for the given file id. It reports false
	// when the cache is saturated and the caller must fall back to the
	// buffered tier.
	PutPending(ctx context.Context, fileID string, data []byte, contentType string) bool
	GetPending(fileID string) ([]byte, bool)
	IsPending(fileID string) bool
	ForceFlush(ctx context.Context, fileID string) error
	FlushAll(ctx context.Context) error
	// Shutdown flushes all pending entries before returning.
	Shutdown(ctx context.Context) error
	Stats() PendingStats
}

// ContentCache serves small, frequently read file bytes from RAM.
type ContentCache interface {
	ShouldCache(size int64) bool
	Get(fileID string) (*CachedContent, bool)
	Put(fileID string, data []byte, etag, contentType string)
	Invalidate(fileID string)
	Clear()
}

// Transcoder converts image payloads on demand, caching results.
type Transcoder interface {
	CanTranscode(mime string) bool
	ShouldTranscode(mime string, size int64) bool
	// GetTranscoded returns the converted payload, or the source with
	// WasTranscoded=false when conversion is not beneficial.
	GetTranscoded(ctx context.Context, fileID string, data []byte, sourceMime, targetFormat string) (*TranscodeResult, error)
	Invalidate(fileID string)
}

// LockTable implements exclusive edit locks with client-opaque lock ids.
// Conflicting operations fail with errtypes.Locked carrying the holder.
type LockTable interface {
	Lock(ctx context.Context, fileID, lockID string) error
	Unlock(ctx context.Context, fileID, lockID string) error
	Refresh(ctx context.Context, fileID, lockID string) error
	// Get returns the current lock id, if any. Expired locks are absent.
	Get(ctx context.Context, fileID string) (string, bool, error)
}
