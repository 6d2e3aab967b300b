// Package storagetest opens throwaway databases for package tests.
package storagetest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/field-dispatch/internal/storage"
)

// NewDB returns a migrated in-memory sqlite client closed on test cleanup.
func NewDB(t testing.TB) *storage.Client {
	t.Helper()
	client, err := storage.Open(storage.Options{Driver: "sqlite", DSN: ":memory:", Timeout: 5 * time.Second})
	require.NoError(t, err, "open sqlite test db")
	require.NoError(t, client.AutoMigrate(), "migrate sqlite test db")
	t.Cleanup(func() { _ = client.Close() })
	return client
}
