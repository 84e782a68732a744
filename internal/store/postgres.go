package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/stepsync/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
    id             TEXT PRIMARY KEY,
    tree           JSON NOT NULL,
    version        BIGINT NOT NULL DEFAULT 0 CHECK (version >= 0),
    steps          JSON NOT NULL DEFAULT '[]'::json,
    schema_version TEXT NOT NULL DEFAULT '',
    created_at     BIGINT NOT NULL,
    updated_at     BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents(updated_at);
ALTER TABLE documents ADD COLUMN IF NOT EXISTS project_id TEXT NOT NULL DEFAULT '';
`

// Postgres stores documents in PostgreSQL through a pgx connection pool.
// Trees and step logs use JSON rather than JSONB so payloads keep the bytes
// clients sent.
// Write transactions lock the document row with SELECT ... FOR UPDATE and
// still use the conditional update, so a stale expectedVersion is reported
// the same way as on SQLite.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects to dsn and creates the documents table if needed.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // No-op if committed

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *Postgres) ReadDocument(ctx context.Context, id string) (*model.Document, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return doc, nil
}

func (p *Postgres) CreateDocument(ctx context.Context, doc model.Document) error {
	stepsJSON, err := marshalSteps(doc.Steps)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	now := nowMillis()
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, doc.ID, doc.ProjectID, string(doc.Tree), doc.Version, stepsJSON, doc.SchemaVersion, now, now)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (p *Postgres) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, project_id, version, json_array_length(steps), schema_version, updated_at
		FROM documents
		ORDER BY updated_at DESC, id COLLATE "C" ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	infos := []DocumentInfo{}
	for rows.Next() {
		var info DocumentInfo
		var stepCount int32
		var updatedAt int64
		if err := rows.Scan(&info.ID, &info.ProjectID, &info.Version, &stepCount, &info.SchemaVersion, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		info.StepCount = int(stepCount)
		info.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return infos, nil
}

func (p *Postgres) ClearHistory(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE documents SET steps = '[]'::json, updated_at = $1 WHERE id = $2
	`, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DocumentProject(ctx context.Context, id string) (string, error) {
	var projectID string
	err := p.pool.QueryRow(ctx, `SELECT project_id FROM documents WHERE id = $1`, id).Scan(&projectID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("document project: %w", err)
	}
	return projectID, nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) FindDocument(ctx context.Context, id string) (*model.Document, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1 FOR UPDATE`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find document: %w", err)
	}
	return doc, nil
}

func (t *postgresTx) UpdateDocument(ctx context.Context, doc model.Document, expectedVersion int64) error {
	stepsJSON, err := marshalSteps(doc.Steps)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE documents
		SET tree = $1, version = $2, steps = $3, schema_version = $4, updated_at = $5
		WHERE id = $6 AND version = $7
	`, string(doc.Tree), doc.Version, stepsJSON, doc.SchemaVersion, nowMillis(), doc.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}
