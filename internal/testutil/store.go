// Package testutil provides fixtures shared by package tests: temp-dir
// stores, document trees, step payload builders and deterministic IDs.
package testutil

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/stepsync/internal/model"
	"github.com/roach88/stepsync/internal/store"
)

// NewStore opens a SQLite store in a temp dir, closed on cleanup.
func NewStore(t testing.TB) *store.SQLite {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "stepsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// SeedDocument inserts a document at version 0 with the given tree and no
// project.
func SeedDocument(t testing.TB, s store.Store, id, tree string) {
	t.Helper()
	SeedProjectDocument(t, s, "", id, tree)
}

// SeedProjectDocument inserts a document bound to projectID.
func SeedProjectDocument(t testing.TB, s store.Store, projectID, id, tree string) {
	t.Helper()
	err := s.CreateDocument(context.Background(), model.Document{
		ID:            id,
		ProjectID:     projectID,
		Tree:          json.RawMessage(tree),
		Steps:         []model.StepRecord{},
		SchemaVersion: "2.1.0",
	})
	require.NoError(t, err)
}
