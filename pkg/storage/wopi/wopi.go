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

// Package wopi implements the exclusive edit-lock table used by external
// office editors. Lock ids are client-opaque and compared byte-exact;
// conflicting calls fail with errtypes.Locked carrying the holder's id.
// Expiry is lazy: any access past expires_at treats the lock as absent.
package wopi

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oxicloud/oxicloud/pkg/errtypes"
	"github.com/oxicloud/oxicloud/pkg/storage/metadata"
)

// LockDuration is how long a lock lives after acquire or refresh.
const LockDuration = 30 * time.Minute

// Table is the WOPI lock table over a relational database. It shares the
// metadata store's handle; at most one lock per file is enforced by the
// primary key.
type Table struct {
	driver string
	db     *sql.DB
	table  string
}

// New returns a lock table on the given metadata store's database.
func New(ms *metadata.Store) *Table {
	table := "wopi_locks"
	if ms.Driver() == "postgres" {
		table = "storage.wopi_locks"
	}
	return &Table{driver: ms.Driver(), db: ms.DB(), table: table}
}

// Lock acquires the lock for fileID. It succeeds when no lock exists,
// the existing lock expired, or the holder re-locks with the same id; in
// every success case expires_at is reset to now + LockDuration.
func (t *Table) Lock(ctx context.Context, fileID, lockID string) error {
	return t.inTx(ctx, func(tx *sql.Tx) error {
		current, ok, err := t.getTx(ctx, tx, fileID)
		if err != nil {
			return err
		}
		if ok && current != lockID {
			return errtypes.Locked(current)
		}
		return t.upsertTx(ctx, tx, fileID, lockID)
	})
}

// Unlock releases the lock. It succeeds only on an exact lock id match.
func (t *Table) Unlock(ctx context.Context, fileID, lockID string) error {
	return t.inTx(ctx, func(tx *sql.Tx) error {
		current, ok, err := t.getTx(ctx, tx, fileID)
		if err != nil {
			return err
		}
		if !ok || current != lockID {
			return errtypes.Locked(current)
		}
		q := fmt.Sprintf(`DELETE FROM %s WHERE file_id = ?`, t.table)
		_, err = tx.ExecContext(ctx, t.rebind(q), fileID)
		return wrap(err, fileID)
	})
}

// Refresh advances expires_at by LockDuration. It succeeds only on an
// exact lock id match.
func (t *Table) Refresh(ctx context.Context, fileID, lockID string) error {
	return t.inTx(ctx, func(tx *sql.Tx) error {
		current, ok, err := t.getTx(ctx, tx, fileID)
		if err != nil {
			return err
		}
		if !ok || current != lockID {
			return errtypes.Locked(current)
		}
		return t.upsertTx(ctx, tx, fileID, lockID)
	})
}

// Get returns the current lock id, if any.
func (t *Table) Get(ctx context.Context, fileID string) (string, bool, error) {
	var lockID string
	var ok bool
	err := t.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		lockID, ok, err = t.getTx(ctx, tx, fileID)
		return err
	})
	return lockID, ok, err
}

// getTx reads the lock row, dropping it when it expired.
func (t *Table) getTx(ctx context.Context, tx *sql.Tx, fileID string) (string, bool, error) {
	q := fmt.Sprintf(`SELECT lock_id, expires_at FROM %s WHERE file_id = ?`, t.table)
	var lockID string
	var expiresAt time.Time
	err := tx.QueryRowContext(ctx, t.rebind(q), fileID).Scan(&lockID, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err, fileID)
	}

	if !expiresAt.After(time.Now().UTC()) {
		q = fmt.Sprintf(`DELETE FROM %s WHERE file_id = ?`, t.table)
		if _, err := tx.ExecContext(ctx, t.rebind(q), fileID); err != nil {
			return "", false, wrap(err, fileID)
		}
		return "", false, nil
	}
	return lockID, true, nil
}

func (t *Table) upsertTx(ctx context.Context, tx *sql.Tx, fileID, lockID string) error {
	expires := time.Now().UTC().Add(LockDuration)
	q := fmt.Sprintf(`INSERT INTO %s (file_id, lock_id, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (file_id) DO UPDATE SET lock_id = excluded.lock_id, expires_at = excluded.expires_at`, t.table)
	_, err := tx.ExecContext(ctx, t.rebind(q), fileID, lockID, expires)
	return wrap(err, fileID)
}

func (t *Table) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err, "begin")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return wrap(tx.Commit(), "commit")
}

func (t *Table) rebind(q string) string {
	return metadata.Rebind(t.driver, q)
}

func wrap(err error, what string) error {
	if err == nil {
		return nil
	}
	if err == context.DeadlineExceeded {
		return errtypes.Timeout("wopi lock " + what)
	}
	return errtypes.InternalError("wopi lock " + what + ": " + err.Error())
}
