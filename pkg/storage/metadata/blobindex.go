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

	"github.com/oxicloud/oxicloud/pkg/errtypes"
	"github.com/oxicloud/oxicloud/pkg/storage"
)

// The blobs table is the blob store's index. ref_count is written by the
// file triggers; the explicit reference operations below exist for the
// blob store's administrative paths only.

// EnsureBlob inserts the blob row if absent and reports whether it
// already existed.
func (s *Store) EnsureBlob(ctx context.Context, hash string, size int64, contentType string) (bool, error) {
	var ct interface{}
	if contentType != "" {
		ct = contentType
	}

	// same upsert syntax on both engines
	q := fmt.Sprintf(`INSERT INTO %s (hash, size, ref_count, content_type) VALUES (?, ?, 0, ?)
		ON CONFLICT (hash) DO NOTHING`, s.blobs)
	res, err := s.exec(ctx, q, hash, size, ct)
	if err != nil {
		return false, wrapDBError(err, "blob "+hash)
	}
	n, _ := res.RowsAffected()
	return n == 0, nil
}

// BlobInfo returns size, ref count and content type for a hash.
func (s *Store) BlobInfo(ctx context.Context, hash string) (*storage.BlobInfo, error) {
	q := fmt.Sprintf(`SELECT hash, size, ref_count, content_type FROM %s WHERE hash = ?`, s.blobs)
	var info storage.BlobInfo
	var ct sql.NullString
	if err := s.queryRow(ctx, q, hash).Scan(&info.Hash, &info.Size, &info.RefCount, &ct); err != nil {
		return nil, wrapDBError(err, "blob "+hash)
	}
	info.Hash = strings.TrimSpace(info.Hash)
	info.ContentType = ct.String
	return &info, nil
}

// AddBlobReference increments the reference count.
func (s *Store) AddBlobReference(ctx context.Context, hash string) error {
	q := fmt.Sprintf(`UPDATE %s SET ref_count = ref_count + 1 WHERE hash = ?`, s.blobs)
	res, err := s.exec(ctx, q, hash)
	if err != nil {
		return wrapDBError(err, "blob "+hash)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errtypes.NotFound("blob " + hash)
	}
	return nil
}

// RemoveBlobReference decrements the reference count, never below zero,
// and returns the remaining count.
func (s *Store) RemoveBlobReference(ctx context.Context, hash string) (int64, error) {
	var remaining int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		q := fmt.Sprintf(`UPDATE %s SET ref_count = ref_count - 1 WHERE hash = ? AND ref_count > 0`, s.blobs)
		if _, err := tx.ExecContext(ctx, s.rebind(q), hash); err != nil {
			return wrapDBError(err, "blob "+hash)
		}
		q = fmt.Sprintf(`SELECT ref_count FROM %s WHERE hash = ?`, s.blobs)
		if err := tx.QueryRowContext(ctx, s.rebind(q), hash).Scan(&remaining); err != nil {
			return wrapDBError(err, "blob "+hash)
		}
		return nil
	})
	return remaining, err
}

// DeleteBlob removes the index row. Only valid once the ref count is
// zero and the file is gone.
func (s *Store) DeleteBlob(ctx context.Context, hash string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE hash = ? AND ref_count = 0`, s.blobs)
	if _, err := s.exec(ctx, q, hash); err != nil {
		return wrapDBError(err, "blob "+hash)
	}
	return nil
}

// ListUnreferencedBlobs returns the hashes whose ref count is zero.
func (s *Store) ListUnreferencedBlobs(ctx context.Context) ([]string, error) {
	q := fmt.Sprintf(`SELECT hash FROM %s WHERE ref_count = 0`, s.blobs)
	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, wrapDBError(err, "list unreferenced blobs")
	}
	defer rows.Close()

	hashes := []string{}
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, wrapDBError(err, "scan blob")
		}
		hashes = append(hashes, strings.TrimSpace(hash))
	}
	return hashes, wrapDBError(rows.Err(), "list unreferenced blobs")
}

// ListBlobs returns hash -> recorded size for every indexed blob.
func (s *Store) ListBlobs(ctx context.Context) (map[string]int64, error) {
	q := fmt.Sprintf(`SELECT hash, size FROM %s`, s.blobs)
	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, wrapDBError(err, "list blobs")
	}
	defer rows.Close()

	blobs := map[string]int64{}
	for rows.Next() {
		var hash string
		var size int64
		if err := rows.Scan(&hash, &size); err != nil {
			return nil, wrapDBError(err, "scan blob")
		}
		blobs[strings.TrimSpace(hash)] = size
	}
	return blobs, wrapDBError(rows.Err(), "list blobs")
}
