package repository

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/streamlane/embedhub/pkg/database"
)

const pgvectorImage = "pgvector/pgvector:pg16"

var (
	dbOnce      sync.Once
	dbPool      *pgxpool.Pool
	dbErr       error
	dbContainer *postgres.PostgresContainer
)

func TestMain(m *testing.M) {
	code := m.Run()

	if dbPool != nil {
		dbPool.Close()
	}

	if dbContainer != nil {
		_ = testcontainers.TerminateContainer(dbContainer)
	}

	os.Exit(code)
}

// testDB returns a migrated pool with every table emptied. EMBEDHUB_TEST_DATABASE_URL points the
// tests at an existing database; otherwise a pgvector container is started once per package run.
func testDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("postgres integration test")
	}

	dsn := os.Getenv("EMBEDHUB_TEST_DATABASE_URL")
	if dsn == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
	}

	dbOnce.Do(func() {
		dbPool, dbErr = startDB(dsn)
	})
	require.NoError(t, dbErr)

	_, err := dbPool.Exec(context.Background(), `
		TRUNCATE embedding_jobs, embedding_job_items, video_embeddings, user_embeddings,
		         comment_embeddings, search_embeddings, embedding_model_versions CASCADE`)
	require.NoError(t, err)

	return dbPool
}

func startDB(dsn string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if dsn == "" {
		ctr, err := postgres.Run(ctx, pgvectorImage,
			postgres.WithDatabase("embedhub"),
			postgres.WithUsername("embedhub"),
			postgres.WithPassword("embedhub"),
			postgres.BasicWaitStrategies(),
		)
		dbContainer = ctr

		if err != nil {
			return nil, err
		}

		dsn, err = ctr.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			return nil, err
		}
	}

	if err := database.EnsureVectorExtension(ctx, dsn); err != nil {
		return nil, err
	}

	pool, err := database.NewPostgresPool(ctx, dsn, database.WithVectorTypes())
	if err != nil {
		return nil, err
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()

		return nil, err
	}

	return pool, nil
}
