//go:build integration

package profile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/takgate/pkg/credential"
)

func setupPostgresStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("takgate_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, dialect, err := Open(ctx, ConnectionConfig{Driver: "postgres", DSN: connStr, MaxConns: 10, MinConns: 2})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(ctx, db))
	return NewSQLStore(db, dialect)
}

func TestPostgres_CommitAndGet(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	update := NewUpdate("pg@example.org")
	update.SetRoles(false, []int{9})
	update.SetCredential(&credential.Credential{Certificate: "C", PrivateKey: "K"})
	update.Touch(time.Now())

	_, err := store.Commit(ctx, update)
	require.NoError(t, err)

	got, err := store.Get(ctx, "pg@example.org")
	require.NoError(t, err)
	assert.Equal(t, []int{9}, got.AgencyAdmin)
	assert.Equal(t, "C", got.Credential.Certificate)
	assert.NotNil(t, got.LastLogin)
}

func TestPostgres_ConcurrentCommits(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			update := NewUpdate("race@example.org")
			update.SetCallsign("UNIT")
			update.Touch(time.Now())
			_, err := store.Commit(ctx, update)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, "race@example.org")
	require.NoError(t, err)
	assert.Equal(t, "UNIT", got.TAKCallsign)
}
