// Copyright 2025 The coderelay Authors
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

// Package sqlite provides a durable document store backed by SQLite for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// Store is a SQLite-backed document store.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. Use ":memory:" for an ephemeral store.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite document store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids lock thrash and
	// makes BEGIN IMMEDIATE transactions serializable.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// migrate creates the documents table and its indexes.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			data TEXT NOT NULL,
			fields TEXT NOT NULL DEFAULT '{}',
			version INTEGER NOT NULL,
			expires_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_tenant_created
			ON documents (collection, tenant_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_expires
			ON documents (expires_at) WHERE expires_at IS NOT NULL`,
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Get retrieves a single document.
func (s *Store) Get(ctx context.Context, collection, id string) (*store.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, data, fields, version, expires_at, created_at, updated_at
		FROM documents
		WHERE collection = ? AND id = ?
		AND (expires_at IS NULL OR expires_at > ?)`,
		collection, id, time.Now().UnixNano())

	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: collection, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// Query returns documents matching q.
func (s *Store) Query(ctx context.Context, collection string, q store.Query) ([]*store.Document, error) {
	if q.TenantID == "" {
		return nil, &errors.ValidationError{Field: "tenant_id", Message: "required"}
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT id, tenant_id, data, fields, version, expires_at, created_at, updated_at
		FROM documents
		WHERE collection = ? AND tenant_id = ?
		AND (expires_at IS NULL OR expires_at > ?)`)
	args := []any{collection, q.TenantID, time.Now().UnixNano()}

	for field, want := range q.Eq {
		sb.WriteString(" AND json_extract(fields, ?) = ?")
		args = append(args, "$."+field, want)
	}
	if q.CreatedAfter != nil {
		sb.WriteString(" AND created_at >= ?")
		args = append(args, q.CreatedAfter.UnixNano())
	}
	if q.CreatedBefore != nil {
		sb.WriteString(" AND created_at < ?")
		args = append(args, q.CreatedBefore.UnixNano())
	}

	if q.OrderByCreated {
		if q.Desc {
			sb.WriteString(" ORDER BY created_at DESC, id DESC")
		} else {
			sb.WriteString(" ORDER BY created_at ASC, id ASC")
		}
	} else {
		sb.WriteString(" ORDER BY id ASC")
	}

	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	} else if q.Offset > 0 {
		sb.WriteString(" LIMIT -1")
	}
	if q.Offset > 0 {
		sb.WriteString(" OFFSET ?")
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var result []*store.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		result = append(result, doc)
	}
	return result, rows.Err()
}

// RunTransaction executes fn inside a database transaction. With a single
// connection, transactions are fully serialized.
func (s *Store) RunTransaction(ctx context.Context, fn func(tx store.Txn) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &txn{ctx: ctx, tx: sqlTx}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// PurgeExpired removes documents whose TTL elapsed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired documents: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// txn implements store.Txn over a sql.Tx.
type txn struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *txn) Get(collection, id string) (*store.Document, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT id, tenant_id, data, fields, version, expires_at, created_at, updated_at
		FROM documents
		WHERE collection = ? AND id = ?
		AND (expires_at IS NULL OR expires_at > ?)`,
		collection, id, time.Now().UnixNano())

	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: collection, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (t *txn) Put(collection string, doc *store.Document) error {
	now := time.Now()

	var currentVersion int64
	var createdAt int64
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT version, created_at FROM documents
		WHERE collection = ? AND id = ?
		AND (expires_at IS NULL OR expires_at > ?)`,
		collection, doc.ID, now.UnixNano()).Scan(&currentVersion, &createdAt)

	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read current version: %w", err)
	}

	if !exists && doc.Version != 0 {
		return &errors.ConflictError{Resource: collection, ID: doc.ID, Reason: "document does not exist"}
	}
	if exists && doc.Version != currentVersion {
		return &errors.ConflictError{Resource: collection, ID: doc.ID, Reason: "version mismatch"}
	}

	fields, err := json.Marshal(fieldsOrEmpty(doc.Fields))
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	var expires *int64
	if doc.ExpiresAt != nil {
		v := doc.ExpiresAt.UnixNano()
		expires = &v
	}

	newVersion := doc.Version + 1
	if exists {
		_, err = t.tx.ExecContext(t.ctx, `
			UPDATE documents
			SET tenant_id = ?, data = ?, fields = ?, version = ?, expires_at = ?, updated_at = ?
			WHERE collection = ? AND id = ?`,
			doc.TenantID, string(doc.Data), string(fields), newVersion, expires, now.UnixNano(),
			collection, doc.ID)
		doc.CreatedAt = time.Unix(0, createdAt)
	} else {
		// An expired row may still be physically present under this id.
		if _, derr := t.tx.ExecContext(t.ctx,
			`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, doc.ID); derr != nil {
			return fmt.Errorf("failed to clear expired document: %w", derr)
		}
		_, err = t.tx.ExecContext(t.ctx, `
			INSERT INTO documents (collection, id, tenant_id, data, fields, version, expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			collection, doc.ID, doc.TenantID, string(doc.Data), string(fields), newVersion, expires,
			now.UnixNano(), now.UnixNano())
		doc.CreatedAt = now
	}
	if err != nil {
		return fmt.Errorf("failed to put document: %w", err)
	}

	doc.Version = newVersion
	doc.UpdatedAt = now
	return nil
}

func (t *txn) Delete(collection, id string) error {
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*store.Document, error) {
	var (
		doc       store.Document
		data      string
		fields    string
		expiresAt sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&doc.ID, &doc.TenantID, &data, &fields, &doc.Version, &expiresAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	doc.Data = json.RawMessage(data)
	if err := json.Unmarshal([]byte(fields), &doc.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	if expiresAt.Valid {
		exp := time.Unix(0, expiresAt.Int64)
		doc.ExpiresAt = &exp
	}
	doc.CreatedAt = time.Unix(0, createdAt)
	doc.UpdatedAt = time.Unix(0, updatedAt)
	return &doc, nil
}

func fieldsOrEmpty(fields map[string]string) map[string]string {
	if fields == nil {
		return map[string]string{}
	}
	return fields
}
