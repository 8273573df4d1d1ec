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
	"github.com/pkg/errors"

	"github.com/oxicloud/oxicloud/pkg/storage"
)

// The ref-count triggers are the only writer of blobs.ref_count. They
// ignore the sentinel hash a deferred registration installs, so a file
// row only counts once its bytes were flushed.

var postgresSchema = []string{
	`CREATE EXTENSION IF NOT EXISTS ltree`,
	`CREATE SCHEMA IF NOT EXISTS storage`,
	`CREATE TABLE IF NOT EXISTS storage.blobs (
		hash char(64) PRIMARY KEY,
		size bigint NOT NULL,
		ref_count int NOT NULL DEFAULT 0,
		content_type text
	)`,
	`CREATE TABLE IF NOT EXISTS storage.folders (
		id uuid PRIMARY KEY,
		name text NOT NULL,
		parent_id uuid REFERENCES storage.folders(id) ON DELETE CASCADE,
		user_id text NOT NULL,
		path text NOT NULL,
		lpath ltree NOT NULL,
		is_trashed boolean NOT NULL DEFAULT FALSE,
		trashed_at timestamptz,
		original_parent_id uuid,
		created_at timestamptz NOT NULL,
		updated_at timestamptz NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS u_folder_sibling
		ON storage.folders (user_id, COALESCE(parent_id::text, 'nil'), name)
		WHERE NOT is_trashed`,
	`CREATE INDEX IF NOT EXISTS i_folder_lpath ON storage.folders USING gist (lpath)`,
	`CREATE TABLE IF NOT EXISTS storage.files (
		id uuid PRIMARY KEY,
		name text NOT NULL,
		folder_id uuid REFERENCES storage.folders(id) ON DELETE CASCADE,
		user_id text NOT NULL,
		blob_hash char(64) NOT NULL,
		size bigint NOT NULL,
		mime_type text NOT NULL,
		is_trashed boolean NOT NULL DEFAULT FALSE,
		trashed_at timestamptz,
		original_folder_id uuid,
		created_at timestamptz NOT NULL,
		updated_at timestamptz NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS u_file_sibling
		ON storage.files (user_id, COALESCE(folder_id::text, 'nil'), name)
		WHERE NOT is_trashed`,
	`CREATE INDEX IF NOT EXISTS i_file_folder ON storage.files (folder_id)`,
	`CREATE INDEX IF NOT EXISTS i_file_hash ON storage.files (blob_hash)`,
	`CREATE TABLE IF NOT EXISTS storage.wopi_locks (
		file_id uuid PRIMARY KEY,
		lock_id text NOT NULL,
		expires_at timestamptz NOT NULL
	)`,
	`CREATE OR REPLACE FUNCTION storage.maintain_blob_refs() RETURNS trigger AS $$
	BEGIN
		IF TG_OP = 'INSERT' THEN
			IF NEW.blob_hash <> '` + storage.SentinelHash + `' THEN
				UPDATE storage.blobs SET ref_count = ref_count + 1 WHERE hash = NEW.blob_hash;
			END IF;
			RETURN NEW;
		ELSIF TG_OP = 'UPDATE' THEN
			IF OLD.blob_hash <> NEW.blob_hash THEN
				IF OLD.blob_hash <> '` + storage.SentinelHash + `' THEN
					UPDATE storage.blobs SET ref_count = ref_count - 1 WHERE hash = OLD.blob_hash;
				END IF;
				IF NEW.blob_hash <> '` + storage.SentinelHash + `' THEN
					UPDATE storage.blobs SET ref_count = ref_count + 1 WHERE hash = NEW.blob_hash;
				END IF;
			END IF;
			RETURN NEW;
		END IF;
		IF OLD.blob_hash <> '` + storage.SentinelHash + `' THEN
			UPDATE storage.blobs SET ref_count = ref_count - 1 WHERE hash = OLD.blob_hash;
		END IF;
		RETURN OLD;
	END $$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS files_blob_refs ON storage.files`,
	`CREATE TRIGGER files_blob_refs
		AFTER INSERT OR DELETE OR UPDATE OF blob_hash ON storage.files
		FOR EACH ROW EXECUTE FUNCTION storage.maintain_blob_refs()`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS blobs (
		hash TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		ref_count INTEGER NOT NULL DEFAULT 0,
		content_type TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS folders (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		parent_id TEXT REFERENCES folders(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		path TEXT NOT NULL,
		lpath TEXT NOT NULL,
		is_trashed INTEGER NOT NULL DEFAULT 0,
		trashed_at TIMESTAMP,
		original_parent_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS u_folder_sibling
		ON folders (user_id, COALESCE(parent_id, 'nil'), name)
		WHERE is_trashed = 0`,
	`CREATE INDEX IF NOT EXISTS i_folder_lpath ON folders (lpath)`,
	`CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		folder_id TEXT REFERENCES folders(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		blob_hash TEXT NOT NULL,
		size INTEGER NOT NULL,
		mime_type TEXT NOT NULL,
		is_trashed INTEGER NOT NULL DEFAULT 0,
		trashed_at TIMESTAMP,
		original_folder_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS u_file_sibling
		ON files (user_id, COALESCE(folder_id, 'nil'), name)
		WHERE is_trashed = 0`,
	`CREATE INDEX IF NOT EXISTS i_file_folder ON files (folder_id)`,
	`CREATE INDEX IF NOT EXISTS i_file_hash ON files (blob_hash)`,
	`CREATE TABLE IF NOT EXISTS wopi_locks (
		file_id TEXT PRIMARY KEY,
		lock_id TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL
	)`,
	`CREATE TRIGGER IF NOT EXISTS files_ref_ins AFTER INSERT ON files
		WHEN NEW.blob_hash <> '` + storage.SentinelHash + `'
	BEGIN
		UPDATE blobs SET ref_count = ref_count + 1 WHERE hash = NEW.blob_hash;
	END`,
	`CREATE TRIGGER IF NOT EXISTS files_ref_del AFTER DELETE ON files
		WHEN OLD.blob_hash <> '` + storage.SentinelHash + `'
	BEGIN
		UPDATE blobs SET ref_count = ref_count - 1 WHERE hash = OLD.blob_hash;
	END`,
	`CREATE TRIGGER IF NOT EXISTS files_ref_upd AFTER UPDATE OF blob_hash ON files
		WHEN OLD.blob_hash <> NEW.blob_hash
	BEGIN
		UPDATE blobs SET ref_count = ref_count - 1
			WHERE hash = OLD.blob_hash AND OLD.blob_hash <> '` + storage.SentinelHash + `';
		UPDATE blobs SET ref_count = ref_count + 1
			WHERE hash = NEW.blob_hash AND NEW.blob_hash <> '` + storage.SentinelHash + `';
	END`,
}

func (s *Store) initSchema() error {
	stmts := sqliteSchema
	if s.driver == "postgres" {
		stmts = postgresSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "metadata: error initializing schema")
		}
	}
	return nil
}
