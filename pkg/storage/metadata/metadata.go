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

// Package metadata implements the relational persistence of files and
// folders with materialized paths, soft delete and trigger-maintained
// blob reference counts. Two engines are supported: postgres for
// deployments and sqlite3 for embedded use and tests. Application code
// never touches ref_count; the triggers installed by the schema do.
package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	// both supported drivers register themselves on import
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/oxicloud/oxicloud/pkg/errtypes"
)

// Store is the metadata store over a relational database.
type Store struct {
	driver string
	db     *sql.DB

	// qualified table names; postgres puts them in the storage schema
	folders string
	files   string
	blobs   string
	locks   string
}

// NewPostgres connects to a postgres database and initializes the schema.
func NewPostgres(dsn string) (*Store, error) {
	sqldb, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "metadata: error connecting to the database")
	}
	sqldb.SetConnMaxLifetime(time.Minute * 3)
	sqldb.SetMaxOpenConns(10)
	sqldb.SetMaxIdleConns(10)

	if err = sqldb.Ping(); err != nil {
		return nil, errors.Wrap(err, "metadata: error connecting to the database")
	}

	return New("postgres", sqldb)
}

// NewSQLite opens (or creates) a sqlite database file and initializes the
// schema. Foreign keys and recursive triggers are switched on so cascade
// deletes keep firing the ref-count triggers.
func NewSQLite(path string) (*Store, error) {
	sqldb, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_recursive_triggers=on")
	if err != nil {
		return nil, errors.Wrap(err, "metadata: error opening the database")
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	sqldb.SetMaxOpenConns(1)

	return New("sqlite3", sqldb)
}

// New wraps an already opened database handle. driver must be "postgres"
// or "sqlite3".
func New(driver string, sqldb *sql.DB) (*Store, error) {
	s := &Store{
		driver:  driver,
		db:      sqldb,
		folders: "folders",
		files:   "files",
		blobs:   "blobs",
		locks:   "wopi_locks",
	}
	if driver == "postgres" {
		s.folders = "storage.folders"
		s.files = "storage.files"
		s.blobs = "storage.blobs"
		s.locks = "storage.wopi_locks"
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the handle so sibling components (the WOPI lock table) can
// share the connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns the active sql driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ?-style placeholders into the $n form postgres wants.
func (s *Store) rebind(query string) string {
	return Rebind(s.driver, query)
}

// Rebind rewrites ?-style placeholders for the given driver.
func Rebind(driver, query string) string {
	if driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBError(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapDBError(err, "commit transaction")
	}
	return nil
}

// wrapDBError maps database failures to the core error kinds, keeping the
// original cause chained.
func wrapDBError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return errtypes.NotFound(what)
	case errors.Is(err, context.DeadlineExceeded):
		return errtypes.Timeout(what)
	case isUniqueViolation(err):
		return errtypes.AlreadyExists(what)
	default:
		return errors.Wrap(err, "metadata: error on "+what)
	}
}

// isUniqueViolation detects duplicate-key failures across both engines.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "duplicate key value") // postgres 23505
}

// uuidLabel turns a uuid into a label usable in an ltree path.
func uuidLabel(id string) string {
	return strings.ReplaceAll(id, "-", "")
}

func childLPath(parentLPath, id string) string {
	if parentLPath == "" {
		return uuidLabel(id)
	}
	return parentLPath + "." + uuidLabel(id)
}

func childPath(parentPath, name string) string {
	if parentPath == "" {
		return name
	}
	return parentPath + "/" + name
}

// subtreeCond returns a WHERE fragment matching a folder and all its
// descendants via the label path, plus the arguments to bind. Labels are
// plain hex, so LIKE needs no escaping on sqlite; postgres uses the
// ltree ancestor operator.
func (s *Store) subtreeCond(column, lpath string) (string, []interface{}) {
	if s.driver == "postgres" {
		return fmt.Sprintf("%s <@ ?::ltree", column), []interface{}{lpath}
	}
	return fmt.Sprintf("(%s = ? OR %s LIKE ?)", column, column), []interface{}{lpath, lpath + ".%"}
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time.UTC()
	return &v
}

func now() time.Time {
	return time.Now().UTC()
}
