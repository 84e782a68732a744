package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/stepsync/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on documents.updated_at for listing
// 2 - Added documents.project_id
const currentSchemaVersion = 2

const documentColumns = `id, project_id, tree, version, steps, schema_version, created_at, updated_at`

// SQLite stores documents in a SQLite database.
// Uses WAL mode for concurrent read access.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time. A single connection also
	// serializes write transactions inside this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn inside a database transaction.
func (s *SQLite) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ReadDocument retrieves a document by ID.
// Returns ErrNotFound if it does not exist.
func (s *SQLite) ReadDocument(ctx context.Context, id string) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return doc, nil
}

// CreateDocument inserts a document row.
// Uses ON CONFLICT(id) DO NOTHING and reports ErrExists when nothing was inserted.
func (s *SQLite) CreateDocument(ctx context.Context, doc model.Document) error {
	stepsJSON, err := marshalSteps(doc.Steps)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	now := nowMillis()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		doc.ID,
		doc.ProjectID,
		string(doc.Tree),
		doc.Version,
		stepsJSON,
		doc.SchemaVersion,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("create document: rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrExists
	}
	return nil
}

// ListDocuments returns document summaries ordered by updated_at DESC, id ASC.
func (s *SQLite) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, version, json_array_length(steps), schema_version, updated_at
		FROM documents
		ORDER BY updated_at DESC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	infos := []DocumentInfo{}
	for rows.Next() {
		var info DocumentInfo
		var updatedAt int64
		if err := rows.Scan(&info.ID, &info.ProjectID, &info.Version, &info.StepCount, &info.SchemaVersion, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		info.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return infos, nil
}

// ClearHistory empties the step log of a document. The version is kept.
func (s *SQLite) ClearHistory(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET steps = '[]', updated_at = ? WHERE id = ?
	`, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("clear history: rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DocumentProject returns the project_id of a document.
func (s *SQLite) DocumentProject(ctx context.Context, id string) (string, error) {
	var projectID string
	err := s.db.QueryRowContext(ctx, `SELECT project_id FROM documents WHERE id = ?`, id).Scan(&projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("document project: %w", err)
	}
	return projectID, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) FindDocument(ctx context.Context, id string) (*model.Document, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find document: %w", err)
	}
	return doc, nil
}

func (t *sqliteTx) UpdateDocument(ctx context.Context, doc model.Document, expectedVersion int64) error {
	stepsJSON, err := marshalSteps(doc.Steps)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE documents
		SET tree = ?, version = ?, steps = ?, schema_version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		string(doc.Tree),
		doc.Version,
		stepsJSON,
		doc.SchemaVersion,
		nowMillis(),
		doc.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document: rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the listing index.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_documents_updated_at
		ON documents(updated_at)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// migrateToV2 binds documents to projects. Rows written before it get an
// empty project_id.
func migrateToV2(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE documents ADD COLUMN project_id TEXT NOT NULL DEFAULT ''`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if !strings.EqualFold(value, expected) {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
