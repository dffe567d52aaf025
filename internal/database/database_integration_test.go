//go:build integration

package database

import (
	"context"
	"testing"
	"time"

	"ml-workbench/internal/database/versions/migration_0"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) string {
	dbName, dbUser, dbPassword := "test_db", "test_user", "test_password"

	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	t.Cleanup(func() {
		err := postgresContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate PostgreSQL container")
	})

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get PostgreSQL connection string")

	return connStr
}

func TestPostgresMigrations(t *testing.T) {
	ctx := context.Background()
	db, err := NewDatabase(setupPostgresContainer(t, ctx))
	require.NoError(t, err)

	job := createTrainingJob(t, db)
	require.NoError(t, UpdateTrainingJobStatus(ctx, db, job.Id, JobCompleted))

	var loaded TrainingJob
	require.NoError(t, db.First(&loaded, "id = ?", job.Id).Error)
	assert.Equal(t, JobCompleted, loaded.Status)

	SaveTaskError(ctx, db, uuid.New(), "error")

	// Migrating an up to date database is a no-op.
	require.NoError(t, GetMigrator(db).Migrate())
}

func TestPostgresStepwiseMigrationBackfillsEnvironment(t *testing.T) {
	ctx := context.Background()
	db, err := gorm.Open(pgdriver.Open(setupPostgresContainer(t, ctx)), &gorm.Config{})
	require.NoError(t, err)

	// Without InitSchema every migration is replayed in order.
	require.NoError(t, gormigrate.New(db, gormigrate.DefaultOptions, migrations()).MigrateTo("0"))

	job := createTrainingJob(t, db)
	legacy := migration_0.Endpoint{
		Id:            uuid.New(),
		Name:          "ag-news-nb",
		TrainingJobId: job.Id,
		Image:         job.Image,
		InstanceType:  "ml.m5.large",
		InstanceCount: 1,
		Status:        EndpointInService,
		CreationTime:  time.Now().UTC(),
	}
	require.NoError(t, db.Create(&legacy).Error)

	require.NoError(t, gormigrate.New(db, gormigrate.DefaultOptions, migrations()).Migrate())

	var endpoint Endpoint
	require.NoError(t, db.First(&endpoint, "id = ?", legacy.Id).Error)
	assert.JSONEq(t, "{}", string(endpoint.Environment))

	env, err := FromJSON[map[string]string](endpoint.Environment)
	require.NoError(t, err)
	assert.Empty(t, env)
}
