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

package storage

import (
	"strconv"
	"strings"
	"time"

	"github.com/oxicloud/oxicloud/pkg/errtypes"
)

// SentinelHash is the reserved blob hash installed on a file row between
// deferred registration and the write-behind flush.
const SentinelHash = "0000000000000000000000000000000000000000000000000000000000000000"

// MaxNameLength is the longest allowed file or folder name.
const MaxNameLength = 255

// Folder is a virtual directory with a materialized path.
type Folder struct {
	ID               string
	Name             string
	ParentID         *string
	UserID           string
	Path             string
	LPath            string
	IsTrashed        bool
	TrashedAt        *time.Time
	OriginalParentID *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// File is a named reference to a content-addressed blob.
type File struct {
	ID               string
	Name             string
	FolderID         *string
	UserID           string
	BlobHash         string
	Size             int64
	MimeType         string
	IsTrashed        bool
	TrashedAt        *time.Time
	OriginalFolderID *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// BlobInfo describes an indexed blob.
type BlobInfo struct {
	Hash        string
	Size        int64
	RefCount    int64
	ContentType string
}

// BlobRef is the result of storing bytes in the blob store.
type BlobRef struct {
	Hash string
	Size int64
	Path string
	// Deduplicated is true when the hash existed before this call and no
	// disk write happened.
	Deduplicated bool
}

// IntegrityIssue is a discrepancy found by the blob directory walk.
type IntegrityIssue struct {
	Hash    string
	Path    string
	Problem string
}

// ItemType distinguishes trashed files from trashed folders.
type ItemType string

// Trash item types.
const (
	ItemTypeFile   ItemType = "file"
	ItemTypeFolder ItemType = "folder"
)

// TrashedItem is the trash-view projection over file and folder rows.
type TrashedItem struct {
	ItemID       string
	ItemType     ItemType
	UserID       string
	Name         string
	OriginalPath string
	TrashedAt    time.Time
	DeletionDate time.Time
}

// SearchCriteria narrows a paginated file search.
type SearchCriteria struct {
	UserID   string
	NameLike string
	FolderID *string
	MimeType string
	Page     int
	PageSize int
}

// UploadTier names the strategy the upload pipeline chose.
type UploadTier string

// Upload tiers in increasing size order.
const (
	TierWriteBehind UploadTier = "write-behind"
	TierBuffered    UploadTier = "buffered"
	TierStreaming   UploadTier = "streaming"
)

// FileDto is the upload/stat response shape.
type FileDto struct {
	ID         string
	Name       string
	FolderID   *string
	Path       string
	Size       int64
	MimeType   string
	ETag       string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// FolderDto is the listing response shape.
type FolderDto struct {
	ID         string
	Name       string
	ParentID   *string
	Path       string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// FolderPage is a paginated folder listing. Total is only filled when the
// caller asked for it.
type FolderPage struct {
	Items    []*FolderDto
	Page     int
	PageSize int
	Total    *int64
}

// CachedContent is a content-cache entry.
type CachedContent struct {
	Data        []byte
	ETag        string
	ContentType string
}

// TranscodeResult is the outcome of an on-demand conversion.
type TranscodeResult struct {
	Data          []byte
	Mime          string
	WasTranscoded bool
}

// PendingStats is a snapshot of write-behind cache counters.
type PendingStats struct {
	PendingCount      int
	PendingBytes      int64
	TotalWrites       int64
	TotalBytesWritten int64
	CacheHits         int64
	AvgFlushTime      time.Duration
}

// ETagFor builds the cache validator for a file version.
func ETagFor(id string, modified time.Time) string {
	return id + "-" + strconv.FormatInt(modified.UnixNano(), 10)
}

// NewFileDto converts a file row plus its resolved path.
func NewFileDto(f *File, path string) *FileDto {
	return &FileDto{
		ID:         f.ID,
		Name:       f.Name,
		FolderID:   f.FolderID,
		Path:       path,
		Size:       f.Size,
		MimeType:   f.MimeType,
		ETag:       ETagFor(f.ID, f.UpdatedAt),
		CreatedAt:  f.CreatedAt,
		ModifiedAt: f.UpdatedAt,
	}
}

// NewFolderDto converts a folder row.
func NewFolderDto(f *Folder) *FolderDto {
	return &FolderDto{
		ID:         f.ID,
		Name:       f.Name,
		ParentID:   f.ParentID,
		Path:       f.Path,
		CreatedAt:  f.CreatedAt,
		ModifiedAt: f.UpdatedAt,
	}
}

// forbiddenNameChars are never allowed in file or folder names.
const forbiddenNameChars = `\:*?"<>|`

// ValidateName enforces the naming rules shared by files and folders:
// non-empty, at most MaxNameLength chars, no path separators or reserved
// characters, no leading dot.
func ValidateName(name string) error {
	switch {
	case name == "":
		return errtypes.BadRequest("name must not be empty")
	case len(name) > MaxNameLength:
		return errtypes.BadRequest("name exceeds " + strconv.Itoa(MaxNameLength) + " characters")
	case strings.HasPrefix(name, "."):
		return errtypes.BadRequest("name must not start with a dot")
	case strings.ContainsAny(name, forbiddenNameChars+"/"):
		return errtypes.BadRequest("name contains forbidden characters")
	}
	return nil
}
