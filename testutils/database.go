package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/litongjava/tio-mail-wing/db"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/crypto/bcrypt"
)

// TestDatabase wraps a migrated database running in a container.
type TestDatabase struct {
	*db.Database
	ConnString string
}

// SetupTestDatabase starts PostgreSQL in a container, applies the embedded
// migrations and returns a ready *db.Database. The container is removed when
// the test finishes. Skipped in -short mode or without a container runtime.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("mailwing_test"),
		postgres.WithUsername("mailwing"),
		postgres.WithPassword("mailwing"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("failed to terminate container: %v", err)
		}
	})

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, db.MigrateUp(ctx, connString), "failed to apply migrations")

	poolConfig, err := pgxpool.ParseConfig(connString)
	require.NoError(t, err)
	poolConfig.MaxConns = 20
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	require.NoError(t, err)

	database := db.NewDatabase(pool, pool)
	database.BcryptCost = bcrypt.MinCost
	t.Cleanup(database.Close)

	return &TestDatabase{Database: database, ConnString: connString}
}

// CreateTestAccount provisions an account with its default mailboxes.
func (td *TestDatabase) CreateTestAccount(t *testing.T, address, password string) int64 {
	t.Helper()
	id, err := td.CreateAccount(context.Background(), address, password)
	require.NoError(t, err)
	return id
}
