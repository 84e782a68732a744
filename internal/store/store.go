package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/stepsync/internal/model"
)

var (
	// ErrNotFound is returned when a document row does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrExists is returned when creating a document whose id is taken.
	ErrExists = errors.New("document already exists")

	// ErrVersionConflict is returned when a conditional update matched no row
	// because the stored version moved on.
	ErrVersionConflict = errors.New("document version changed")
)

// Store is the document persistence contract.
type Store interface {
	// WithTx runs fn in a single transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// ReadDocument reads a document outside any write transaction.
	ReadDocument(ctx context.Context, id string) (*model.Document, error)

	// CreateDocument inserts a new document row.
	CreateDocument(ctx context.Context, doc model.Document) error

	// ListDocuments returns document summaries, most recently updated first.
	ListDocuments(ctx context.Context) ([]DocumentInfo, error)

	// ClearHistory empties the step log and keeps the version.
	ClearHistory(ctx context.Context, id string) error

	// DocumentProject returns the project a document belongs to, "" when it
	// was created without one.
	DocumentProject(ctx context.Context, id string) (string, error)

	Close() error
}

// Tx is the transactional view of the store.
type Tx interface {
	FindDocument(ctx context.Context, id string) (*model.Document, error)
	// UpdateDocument writes doc if the stored version still equals expectedVersion.
	UpdateDocument(ctx context.Context, doc model.Document, expectedVersion int64) error
}

// DocumentInfo summarizes a document without its tree or step log.
type DocumentInfo struct {
	ID            string
	ProjectID     string
	Version       int64
	StepCount     int
	SchemaVersion string
	UpdatedAt     time.Time
}

// Config selects and configures a backend.
type Config struct {
	Driver string // "sqlite" | "postgres"
	Path   string // sqlite database file
	DSN    string // postgres connection string
}

// Connect opens the backend named by cfg.Driver.
func Connect(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("connect store: sqlite path is required")
		}
		return Open(cfg.Path)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("connect store: postgres dsn is required")
		}
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("connect store: unknown driver %q", cfg.Driver)
	}
}

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*model.Document, error) {
	var (
		doc                  model.Document
		tree, steps          []byte
		createdAt, updatedAt int64
	)
	if err := row.Scan(&doc.ID, &doc.ProjectID, &tree, &doc.Version, &steps, &doc.SchemaVersion, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	records, err := unmarshalSteps(steps)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", doc.ID, err)
	}
	doc.Tree = tree
	doc.Steps = records
	doc.CreatedAt = time.UnixMilli(createdAt).UTC()
	doc.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &doc, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
