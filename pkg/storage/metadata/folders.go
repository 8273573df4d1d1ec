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
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/oxicloud/oxicloud/pkg/errtypes"
	"github.com/oxicloud/oxicloud/pkg/storage"
)

const folderCols = "id, name, parent_id, user_id, path, lpath, is_trashed, trashed_at, original_parent_id, created_at, updated_at"

// Scannable lets row and rows share the scan helpers.
type Scannable interface {
	Scan(...interface{}) error
}

func scanFolder(row Scannable) (*storage.Folder, error) {
	var f storage.Folder
	var parentID, originalParentID sql.NullString
	var trashedAt sql.NullTime
	err := row.Scan(&f.ID, &f.Name, &parentID, &f.UserID, &f.Path, &f.LPath,
		&f.IsTrashed, &trashedAt, &originalParentID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.ParentID = strPtr(parentID)
	f.OriginalParentID = strPtr(originalParentID)
	f.TrashedAt = timePtr(trashedAt)
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	return &f, nil
}

// CreateFolder inserts a folder below parentID (nil for a root folder).
// The owner is derived from the parent when there is one.
func (s *Store) CreateFolder(ctx context.Context, name string, parentID *string, userID string) (*storage.Folder, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ts := now()
	path := name
	lpath := uuidLabel(id)

	if parentID != nil {
		parent, err := s.GetFolder(ctx, *parentID)
		if err != nil {
			return nil, err
		}
		if parent.IsTrashed {
			return nil, errtypes.NotFound("parent folder " + *parentID)
		}
		userID = parent.UserID
		path = childPath(parent.Path, name)
		lpath = childLPath(parent.LPath, id)
	}

	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)`, s.folders, folderCols)
	if _, err := s.exec(ctx, q, id, name, nullString(parentID), userID, path, lpath, false, ts, ts); err != nil {
		return nil, wrapDBError(err, "folder "+path)
	}

	return &storage.Folder{
		ID:        id,
		Name:      name,
		ParentID:  parentID,
		UserID:    userID,
		Path:      path,
		LPath:     lpath,
		CreatedAt: ts,
		UpdatedAt: ts,
	}, nil
}

// GetFolder returns the folder row, trashed or not.
func (s *Store) GetFolder(ctx context.Context, id string) (*storage.Folder, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, folderCols, s.folders)
	f, err := scanFolder(s.queryRow(ctx, q, id))
	if err != nil {
		return nil, wrapDBError(err, "folder "+id)
	}
	return f, nil
}

func (s *Store) getFolderTx(ctx context.Context, tx *sql.Tx, id string) (*storage.Folder, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, folderCols, s.folders)
	if s.driver == "postgres" {
		q += " FOR UPDATE"
	}
	f, err := scanFolder(tx.QueryRowContext(ctx, s.rebind(q), id))
	if err != nil {
		return nil, wrapDBError(err, "folder "+id)
	}
	return f, nil
}

// GetFolderByPath resolves a folder by its materialized path, O(1).
func (s *Store) GetFolderByPath(ctx context.Context, userID, path string) (*storage.Folder, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = ? AND path = ? AND is_trashed = ?`, folderCols, s.folders)
	f, err := scanFolder(s.queryRow(ctx, q, userID, path, false))
	if err != nil {
		return nil, wrapDBError(err, "folder "+path)
	}
	return f, nil
}

// ListFolders returns the non-trashed children of parentID (nil for the
// root level), ordered by name.
func (s *Store) ListFolders(ctx context.Context, parentID *string, userID string) ([]*storage.Folder, error) {
	q, args := s.listFoldersQuery(parentID, userID)
	rows, err := s.query(ctx, q+" ORDER BY name", args...)
	if err != nil {
		return nil, wrapDBError(err, "list folders")
	}
	defer rows.Close()
	return collectFolders(rows)
}

// ListFoldersPaginated returns one page of children; page is 1-based. The
// total is only counted when withTotal is set.
func (s *Store) ListFoldersPaginated(ctx context.Context, parentID *string, userID string, page, pageSize int, withTotal bool) ([]*storage.Folder, *int64, error) {
	if page < 1 || pageSize < 1 {
		return nil, nil, errtypes.BadRequest("page and page_size must be positive")
	}

	q, args := s.listFoldersQuery(parentID, userID)
	paged := q + " ORDER BY name LIMIT ? OFFSET ?"
	rows, err := s.query(ctx, paged, append(args, pageSize, (page-1)*pageSize)...)
	if err != nil {
		return nil, nil, wrapDBError(err, "list folders")
	}
	defer rows.Close()
	folders, err := collectFolders(rows)
	if err != nil {
		return nil, nil, err
	}

	var total *int64
	if withTotal {
		countQ := strings.Replace(q, "SELECT "+folderCols, "SELECT COUNT(*)", 1)
		var n int64
		if err := s.queryRow(ctx, countQ, args...).Scan(&n); err != nil {
			return nil, nil, wrapDBError(err, "count folders")
		}
		total = &n
	}
	return folders, total, nil
}

func (s *Store) listFoldersQuery(parentID *string, userID string) (string, []interface{}) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = ? AND is_trashed = ?`, folderCols, s.folders)
	args := []interface{}{userID, false}
	if parentID == nil {
		q += " AND parent_id IS NULL"
	} else {
		q += " AND parent_id = ?"
		args = append(args, *parentID)
	}
	return q, args
}

func collectFolders(rows *sql.Rows) ([]*storage.Folder, error) {
	folders := []*storage.Folder{}
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, wrapDBError(err, "scan folder")
		}
		folders = append(folders, f)
	}
	return folders, wrapDBError(rows.Err(), "list folders")
}

// RenameFolder changes the folder's name and rewrites the materialized
// path of the whole subtree in the same transaction. Renaming to the
// current name is a no-op.
func (s *Store) RenameFolder(ctx context.Context, id, newName string) (*storage.Folder, error) {
	if err := storage.ValidateName(newName); err != nil {
		return nil, err
	}

	var out *storage.Folder
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		f, err := s.getFolderTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if f.IsTrashed {
			return errtypes.NotFound("folder " + id)
		}
		if f.Name == newName {
			out = f
			return nil
		}

		ts := now()
		oldPath := f.Path
		newPath := oldPath[:len(oldPath)-len(f.Name)] + newName

		q := fmt.Sprintf(`UPDATE %s SET name = ?, path = ?, updated_at = ? WHERE id = ?`, s.folders)
		if _, err := tx.ExecContext(ctx, s.rebind(q), newName, newPath, ts, id); err != nil {
			return wrapDBError(err, "folder "+newPath)
		}
		if err := s.cascadePaths(ctx, tx, f, newPath, f.LPath, ts); err != nil {
			return err
		}

		f.Name = newName
		f.Path = newPath
		f.UpdatedAt = ts
		out = f
		return nil
	})
	return out, err
}

// MoveFolder reparents the folder and rewrites path and lpath of the
// subtree. Moving a folder into itself or one of its descendants is
// rejected.
func (s *Store) MoveFolder(ctx context.Context, id string, newParentID *string) (*storage.Folder, error) {
	var out *storage.Folder
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		f, err := s.getFolderTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if f.IsTrashed {
			return errtypes.NotFound("folder " + id)
		}

		ts := now()
		newPath := f.Name
		newLPath := uuidLabel(f.ID)
		if newParentID != nil {
			p, err := s.getFolderTx(ctx, tx, *newParentID)
			if err != nil {
				return err
			}
			if p.IsTrashed {
				return errtypes.NotFound("parent folder " + *newParentID)
			}
			if p.UserID != f.UserID {
				return errtypes.BadRequest("cannot move across owners")
			}
			if p.LPath == f.LPath || strings.HasPrefix(p.LPath, f.LPath+".") {
				return errtypes.BadRequest("cannot move a folder into its own subtree")
			}
			newPath = childPath(p.Path, f.Name)
			newLPath = childLPath(p.LPath, f.ID)
		}

		q := fmt.Sprintf(`UPDATE %s SET parent_id = ?, path = ?, lpath = ?, updated_at = ? WHERE id = ?`, s.folders)
		if _, err := tx.ExecContext(ctx, s.rebind(q), nullString(newParentID), newPath, newLPath, ts, id); err != nil {
			return wrapDBError(err, "folder "+newPath)
		}
		if err := s.cascadePathsAndLabels(ctx, tx, f, newPath, newLPath, ts); err != nil {
			return err
		}

		f.ParentID = newParentID
		f.Path = newPath
		f.LPath = newLPath
		f.UpdatedAt = ts
		out = f
		return nil
	})
	return out, err
}

// cascadePaths rewrites the path prefix of every descendant of f. The
// subtree is addressed through the (unchanged) label path. Prefix
// arithmetic is done in characters, matching substr semantics on both
// engines.
func (s *Store) cascadePaths(ctx context.Context, tx *sql.Tx, f *storage.Folder, newPath, lpath string, ts interface{}) error {
	after := utf8.RuneCountInString(f.Path) + 1
	var q string
	var args []interface{}
	if s.driver == "postgres" {
		q = fmt.Sprintf(`UPDATE %s SET path = ? || substr(path, ?), updated_at = ? WHERE lpath <@ ?::ltree AND id <> ?`, s.folders)
		args = []interface{}{newPath, after, ts, lpath, f.ID}
	} else {
		q = fmt.Sprintf(`UPDATE %s SET path = ? || substr(path, ?), updated_at = ? WHERE lpath LIKE ? AND id <> ?`, s.folders)
		args = []interface{}{newPath, after, ts, lpath + ".%", f.ID}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(q), args...); err != nil {
		return wrapDBError(err, "cascade paths")
	}
	return nil
}

// cascadePathsAndLabels rewrites both prefixes after a move. It must run
// after the moved folder's own row was updated; descendants still carry
// the old label prefix, which is how they are matched.
func (s *Store) cascadePathsAndLabels(ctx context.Context, tx *sql.Tx, f *storage.Folder, newPath, newLPath string, ts interface{}) error {
	pathAfter := utf8.RuneCountInString(f.Path) + 1
	labelAfter := utf8.RuneCountInString(f.LPath) + 1
	var q string
	var args []interface{}
	if s.driver == "postgres" {
		q = fmt.Sprintf(`UPDATE %s
			SET path = ? || substr(path, ?),
			    lpath = text2ltree(? || substr(lpath::text, ?)),
			    updated_at = ?
			WHERE lpath <@ ?::ltree AND id <> ?`, s.folders)
		args = []interface{}{newPath, pathAfter, newLPath, labelAfter, ts, f.LPath, f.ID}
	} else {
		q = fmt.Sprintf(`UPDATE %s
			SET path = ? || substr(path, ?),
			    lpath = ? || substr(lpath, ?),
			    updated_at = ?
			WHERE lpath LIKE ? AND id <> ?`, s.folders)
		args = []interface{}{newPath, pathAfter, newLPath, labelAfter, ts, f.LPath + ".%", f.ID}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(q), args...); err != nil {
		return wrapDBError(err, "cascade paths")
	}
	return nil
}

// DeleteFolder permanently removes a folder. Descendant folders and files
// go with it through the foreign keys; the ref-count triggers fire for
// every removed file row.
func (s *Store) DeleteFolder(ctx context.Context, id string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.folders)
	res, err := s.exec(ctx, q, id)
	if err != nil {
		return wrapDBError(err, "folder "+id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errtypes.NotFound("folder " + id)
	}
	return nil
}

// MoveFolderToTrash flags the folder and every descendant folder and file
// in one transaction. Observers never see a half-trashed subtree.
func (s *Store) MoveFolderToTrash(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		f, err := s.getFolderTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if f.IsTrashed {
			return errtypes.NotFound("folder " + id)
		}

		ts := now()
		cond, condArgs := s.subtreeCond("lpath", f.LPath)

		q := fmt.Sprintf(`UPDATE %s SET is_trashed = ?, trashed_at = ?, original_parent_id = parent_id, updated_at = ?
			WHERE %s AND is_trashed = ?`, s.folders, cond)
		args := append([]interface{}{true, ts, ts}, condArgs...)
		if _, err := tx.ExecContext(ctx, s.rebind(q), append(args, false)...); err != nil {
			return wrapDBError(err, "trash folder "+id)
		}

		q = fmt.Sprintf(`UPDATE %s SET is_trashed = ?, trashed_at = ?, original_folder_id = folder_id, updated_at = ?
			WHERE folder_id IN (SELECT id FROM %s WHERE %s) AND is_trashed = ?`, s.files, s.folders, cond)
		args = append([]interface{}{true, ts, ts}, condArgs...)
		if _, err := tx.ExecContext(ctx, s.rebind(q), append(args, false)...); err != nil {
			return wrapDBError(err, "trash folder files "+id)
		}
		return nil
	})
}

// RestoreFolder brings the folder and its trashed subtree back. When the
// original parent is itself in the trash the restore fails and the folder
// stays where it is.
func (s *Store) RestoreFolder(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		f, err := s.getFolderTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !f.IsTrashed {
			return errtypes.NotFound("folder " + id + " is not in the trash")
		}
		if f.OriginalParentID != nil {
			p, err := s.getFolderTx(ctx, tx, *f.OriginalParentID)
			if err != nil {
				return err
			}
			if p.IsTrashed {
				return errtypes.PartiallyTrashed("folder " + f.Name)
			}
		}

		ts := now()
		cond, condArgs := s.subtreeCond("lpath", f.LPath)

		q := fmt.Sprintf(`UPDATE %s SET is_trashed = ?, trashed_at = NULL, original_parent_id = NULL, updated_at = ?
			WHERE %s AND is_trashed = ?`, s.folders, cond)
		args := append([]interface{}{false, ts}, condArgs...)
		if _, err := tx.ExecContext(ctx, s.rebind(q), append(args, true)...); err != nil {
			return wrapDBError(err, "restore folder "+id)
		}

		q = fmt.Sprintf(`UPDATE %s SET is_trashed = ?, trashed_at = NULL, original_folder_id = NULL, updated_at = ?
			WHERE folder_id IN (SELECT id FROM %s WHERE %s) AND is_trashed = ?`, s.files, s.folders, cond)
		args = append([]interface{}{false, ts}, condArgs...)
		if _, err := tx.ExecContext(ctx, s.rebind(q), append(args, true)...); err != nil {
			return wrapDBError(err, "restore folder files "+id)
		}
		return nil
	})
}
