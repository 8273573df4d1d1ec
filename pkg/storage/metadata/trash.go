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
	"time"

	"github.com/oxicloud/oxicloud/pkg/storage"
)

// ListTrash returns the user's trash as the user sees it: explicitly
// trashed roots only. Items trashed by cascade are displayed as part of
// their trashed ancestor, so a folder or file only shows up when its
// parent is not itself in the trash.
func (s *Store) ListTrash(ctx context.Context, userID string) ([]*storage.TrashedItem, error) {
	q := fmt.Sprintf(`SELECT f.id, 'folder', f.user_id, f.name, f.path, f.trashed_at
		FROM %s f
		LEFT JOIN %s p ON p.id = f.parent_id
		WHERE f.user_id = ? AND f.is_trashed = ? AND (f.parent_id IS NULL OR p.is_trashed = ?)
	UNION ALL
	SELECT fi.id, 'file', fi.user_id, fi.name,
		CASE WHEN fo.path IS NULL THEN fi.name ELSE fo.path || '/' || fi.name END,
		fi.trashed_at
		FROM %s fi
		LEFT JOIN %s fo ON fo.id = fi.folder_id
		WHERE fi.user_id = ? AND fi.is_trashed = ? AND (fi.folder_id IS NULL OR fo.is_trashed = ?)
	ORDER BY 6 DESC`, s.folders, s.folders, s.files, s.folders)

	rows, err := s.query(ctx, q, userID, true, false, userID, true, false)
	if err != nil {
		return nil, wrapDBError(err, "list trash")
	}
	defer rows.Close()

	items := []*storage.TrashedItem{}
	for rows.Next() {
		var item storage.TrashedItem
		var itemType string
		var trashedAt sql.NullTime
		if err := rows.Scan(&item.ItemID, &itemType, &item.UserID, &item.Name, &item.OriginalPath, &trashedAt); err != nil {
			return nil, wrapDBError(err, "scan trash item")
		}
		item.ItemType = storage.ItemType(itemType)
		if trashedAt.Valid {
			item.TrashedAt = trashedAt.Time.UTC()
		}
		items = append(items, &item)
	}
	return items, wrapDBError(rows.Err(), "list trash")
}

// DeleteExpiredBulk permanently removes every trashed item older than the
// cutoff. Files go first so their ref-count triggers fire row by row;
// folders follow and take any remaining descendants with them through the
// foreign keys, whose triggers likewise decrement blob refs. Both run in
// one transaction.
func (s *Store) DeleteExpiredBulk(ctx context.Context, olderThan time.Time) (int64, error) {
	var removed int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		q := fmt.Sprintf(`DELETE FROM %s WHERE is_trashed = ? AND trashed_at < ?`, s.files)
		res, err := tx.ExecContext(ctx, s.rebind(q), true, olderThan)
		if err != nil {
			return wrapDBError(err, "expire files")
		}
		n, _ := res.RowsAffected()
		removed += n

		q = fmt.Sprintf(`DELETE FROM %s WHERE is_trashed = ? AND trashed_at < ?`, s.folders)
		res, err = tx.ExecContext(ctx, s.rebind(q), true, olderThan)
		if err != nil {
			return wrapDBError(err, "expire folders")
		}
		n, _ = res.RowsAffected()
		removed += n
		return nil
	})
	return removed, err
}

// RecoverSentinelRows deletes file rows still carrying the sentinel hash.
// Such rows are leftovers of a crash between deferred registration and
// the write-behind flush; the client never received a durable ack for
// them. Must run at startup before the flusher starts.
func (s *Store) RecoverSentinelRows(ctx context.Context) (int64, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE blob_hash = ?`, s.files)
	res, err := s.exec(ctx, q, storage.SentinelHash)
	if err != nil {
		return 0, wrapDBError(err, "recover sentinel rows")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
