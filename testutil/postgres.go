package testutil

import (
	"os"
	"testing"

	"github.com/onnwee/chatbridge/credstore"
)

// SetupTestCredStore opens a Postgres-backed credential store for integration
// tests. It skips the test if TEST_PG_DSN is not set.
func SetupTestCredStore(t *testing.T) *credstore.PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	store, err := credstore.NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("failed to open credential store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
