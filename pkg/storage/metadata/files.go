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

package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/oxicloud/oxicloud/pkg/errtypes"
	"github.com/oxicloud/oxicloud/pkg/storage"
)

const fileCols = "id, name, folder_id, user_id, blob_hash, size, mime_type, is_trashed, trashed_at, original_folder_id, created_at, updated_at"

func scanFile(row Scannable) (*storage.File, error) {
	var f storage.File
	var folderID, originalFolderID sql.NullString
	var trashedAt sql.NullTime
	err := row.Scan(&f.ID, &f.Name, &folderID, &f.UserID, &f.BlobHash, &f.Size, &f.MimeType,
		&f.IsTrashed, &trashedAt, &originalFolderID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.FolderID = strPtr(folderID)
	f.OriginalFolderID = strPtr(originalFolderID)
	f.TrashedAt = timePtr(trashedAt)
	f.BlobHash = strings.TrimSpace(f.BlobHash) // char(64) pads on postgres
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	return &f, nil
}

// CreateFile inserts a file row referencing an already stored blob. The
// owner is derived from the folder; userID is only used for files at the
// root level.
func (s *Store) CreateFile(ctx context.Context, name string, folderID *string, userID, blobHash string, size int64, mimeType string) (*storage.File, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}

	if folderID != nil {
		folder, err := s.GetFolder(ctx, *folderID)
		if err != nil {
			return nil, err
		}
		if folder.IsTrashed {
			return nil, errtypes.NotFound("folder " + *folderID)
		}
		userID = folder.UserID
	}

	id := uuid.NewString()
	ts := now()
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)`, s.files, fileCols)
	if _, err := s.exec(ctx, q, id, name, nullString(folderID), userID, blobHash, size, mimeType, false, ts, ts); err != nil {
		return nil, wrapDBError(err, "file "+name)
	}

	return &storage.File{
		ID:        id,
		Name:      name,
		FolderID:  folderID,
		UserID:    userID,
		BlobHash:  blobHash,
		Size:      size,
		MimeType:  mimeType,
		CreatedAt: ts,
		UpdatedAt: ts,
	}, nil
}

// RegisterFileDeferred inserts a file row with the sentinel hash and the
// declared size. The write-behind flusher later swaps in the real hash;
// rows still carrying the sentinel at startup are recovery leftovers.
func (s *Store) RegisterFileDeferred(ctx context.Context, name string, folderID *string, userID string, declaredSize int64, mimeType string) (*storage.File, error) {
	return s.CreateFile(ctx, name, folderID, userID, storage.SentinelHash, declaredSize, mimeType)
}

// UpdateFileBlobHash replaces the file's blob reference. The ref-count
// trigger releases the old hash and counts the new one.
func (s *Store) UpdateFileBlobHash(ctx context.Context, id, blobHash string, size int64) error {
	q := fmt.Sprintf(`UPDATE %s SET blob_hash = ?, size = ?, updated_at = ? WHERE id = ?`, s.files)
	res, err := s.exec(ctx, q, blobHash, size, now(), id)
	if err != nil {
		return wrapDBError(err, "file "+id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errtypes.NotFound("file " + id)
	}
	return nil
}

// GetFile returns the file row, trashed or not.
func (s *Store) GetFile(ctx context.Context, id string) (*storage.File, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, fileCols, s.files)
	f, err := scanFile(s.queryRow(ctx, q, id))
	if err != nil {
		return nil, wrapDBError(err, "file "+id)
	}
	return f, nil
}

// FindFileByPath resolves a file by its logical path: the containing
// folder via the materialized path column, then the name.
func (s *Store) FindFileByPath(ctx context.Context, userID, fpath string) (*storage.File, error) {
	dir, name := path.Split(fpath)
	dir = strings.TrimSuffix(dir, "/")

	q := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = ? AND name = ? AND is_trashed = ?`, fileCols, s.files)
	args := []interface{}{userID, name, false}
	if dir == "" {
		q += " AND folder_id IS NULL"
	} else {
		folder, err := s.GetFolderByPath(ctx, userID, dir)
		if err != nil {
			return nil, err
		}
		q += " AND folder_id = ?"
		args = append(args, folder.ID)
	}

	f, err := scanFile(s.queryRow(ctx, q, args...))
	if err != nil {
		return nil, wrapDBError(err, "file "+fpath)
	}
	return f, nil
}

// ListFiles returns the non-trashed files of a folder (nil for the root
// level), ordered by name.
func (s *Store) ListFiles(ctx context.Context, folderID *string, userID string) ([]*storage.File, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = ? AND is_trashed = ?`, fileCols, s.files)
	args := []interface{}{userID, false}
	if folderID == nil {
		q += " AND folder_id IS NULL"
	} else {
		q += " AND folder_id = ?"
		args = append(args, *folderID)
	}

	rows, err := s.query(ctx, q+" ORDER BY name", args...)
	if err != nil {
		return nil, wrapDBError(err, "list files")
	}
	defer rows.Close()
	return collectFiles(rows)
}

// CountFiles counts non-trashed files; an empty userID counts all users.
func (s *Store) CountFiles(ctx context.Context, userID string) (int64, error) {
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE is_trashed = ?`, s.files)
	args := []interface{}{false}
	if userID != "" {
		q += " AND user_id = ?"
		args = append(args, userID)
	}
	var n int64
	if err := s.queryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, wrapDBError(err, "count files")
	}
	return n, nil
}

// SearchFilesPaginated is the schema-local search used by the search
// collaborator: name substring plus optional folder and mime filters.
func (s *Store) SearchFilesPaginated(ctx context.Context, c storage.SearchCriteria) ([]*storage.File, *int64, error) {
	if c.Page < 1 {
		c.Page = 1
	}
	if c.PageSize < 1 {
		c.PageSize = 50
	}

	q := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = ? AND is_trashed = ?`, fileCols, s.files)
	args := []interface{}{c.UserID, false}
	if c.NameLike != "" {
		q += " AND name LIKE ?"
		args = append(args, "%"+c.NameLike+"%")
	}
	if c.FolderID != nil {
		q += " AND folder_id = ?"
		args = append(args, *c.FolderID)
	}
	if c.MimeType != "" {
		q += " AND mime_type = ?"
		args = append(args, c.MimeType)
	}

	countQ := strings.Replace(q, "SELECT "+fileCols, "SELECT COUNT(*)", 1)
	var total int64
	if err := s.queryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, nil, wrapDBError(err, "count search")
	}

	rows, err := s.query(ctx, q+" ORDER BY name LIMIT ? OFFSET ?", append(args, c.PageSize, (c.Page-1)*c.PageSize)...)
	if err != nil {
		return nil, nil, wrapDBError(err, "search files")
	}
	defer rows.Close()
	files, err := collectFiles(rows)
	if err != nil {
		return nil, nil, err
	}
	return files, &total, nil
}

func collectFiles(rows *sql.Rows) ([]*storage.File, error) {
	files := []*storage.File{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, wrapDBError(err, "scan file")
		}
		files = append(files, f)
	}
	return files, wrapDBError(rows.Err(), "list files")
}

// RenameFile changes the file's name. Renaming to the current name is a
// no-op; renaming onto an existing sibling fails with AlreadyExists.
func (s *Store) RenameFile(ctx context.Context, id, newName string) (*storage.File, error) {
	if err := storage.ValidateName(newName); err != nil {
		return nil, err
	}

	f, err := s.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.IsTrashed {
		return nil, errtypes.NotFound("file " + id)
	}
	if f.Name == newName {
		return f, nil
	}

	ts := now()
	q := fmt.Sprintf(`UPDATE %s SET name = ?, updated_at = ? WHERE id = ?`, s.files)
	if _, err := s.exec(ctx, q, newName, ts, id); err != nil {
		return nil, wrapDBError(err, "file "+newName)
	}
	f.Name = newName
	f.UpdatedAt = ts
	return f, nil
}

// MoveFile reparents the file (nil moves it to the root level).
func (s *Store) MoveFile(ctx context.Context, id string, newFolderID *string) (*storage.File, error) {
	f, err := s.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.IsTrashed {
		return nil, errtypes.NotFound("file " + id)
	}
	if newFolderID != nil {
		folder, err := s.GetFolder(ctx, *newFolderID)
		if err != nil {
			return nil, err
		}
		if folder.IsTrashed {
			return nil, errtypes.NotFound("folder " + *newFolderID)
		}
		if folder.UserID != f.UserID {
			return nil, errtypes.BadRequest("cannot move across owners")
		}
	}

	ts := now()
	q := fmt.Sprintf(`UPDATE %s SET folder_id = ?, updated_at = ? WHERE id = ?`, s.files)
	if _, err := s.exec(ctx, q, nullString(newFolderID), ts, id); err != nil {
		return nil, wrapDBError(err, "file "+f.Name)
	}
	f.FolderID = newFolderID
	f.UpdatedAt = ts
	return f, nil
}

// DeleteFile permanently removes the file row; the ref-count trigger
// releases its blob reference.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.files)
	res, err := s.exec(ctx, q, id)
	if err != nil {
		return wrapDBError(err, "file "+id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errtypes.NotFound("file " + id)
	}
	return nil
}

// MoveFileToTrash soft-deletes a single file.
func (s *Store) MoveFileToTrash(ctx context.Context, id string) error {
	ts := now()
	q := fmt.Sprintf(`UPDATE %s SET is_trashed = ?, trashed_at = ?, original_folder_id = folder_id, updated_at = ?
		WHERE id = ? AND is_trashed = ?`, s.files)
	res, err := s.exec(ctx, q, true, ts, ts, id, false)
	if err != nil {
		return wrapDBError(err, "trash file "+id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errtypes.NotFound("file " + id)
	}
	return nil
}

// RestoreFile returns a file to its original folder. When that folder is
// itself in the trash the file stays trashed and the caller gets a
// parent-trashed error.
func (s *Store) RestoreFile(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, fileCols, s.files)
		f, err := scanFile(tx.QueryRowContext(ctx, s.rebind(q), id))
		if err != nil {
			return wrapDBError(err, "file "+id)
		}
		if !f.IsTrashed {
			return errtypes.NotFound("file " + id + " is not in the trash")
		}
		if f.OriginalFolderID != nil {
			folder, err := s.getFolderTx(ctx, tx, *f.OriginalFolderID)
			if err != nil {
				return err
			}
			if folder.IsTrashed {
				return errtypes.PartiallyTrashed("file " + f.Name)
			}
		}

		q = fmt.Sprintf(`UPDATE %s SET is_trashed = ?, trashed_at = NULL, folder_id = original_folder_id, original_folder_id = NULL, updated_at = ?
			WHERE id = ?`, s.files)
		if _, err := tx.ExecContext(ctx, s.rebind(q), false, now(), id); err != nil {
			return wrapDBError(err, "restore file "+id)
		}
		return nil
	})
}

// FilePath resolves the logical path of a file from its folder's
// materialized path.
func (s *Store) FilePath(ctx context.Context, f *storage.File) (string, error) {
	if f.FolderID == nil {
		return f.Name, nil
	}
	folder, err := s.GetFolder(ctx, *f.FolderID)
	if err != nil {
		return "", err
	}
	return childPath(folder.Path, f.Name), nil
}
