package database

import (
	"context"
	"testing"

	"ml-workbench/internal/database/versions/migration_0"
	"ml-workbench/internal/database/versions/migration_1"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, GetMigrator(db).Migrate())
	return db
}

func createTrainingJob(t *testing.T, db *gorm.DB) TrainingJob {
	dataset := Dataset{Id: uuid.New(), Name: "ag-news", SourceURL: "https://example.com/train.csv", Format: "csv", Bucket: "datasets", Prefix: "ag-news", Status: JobCompleted}
	require.NoError(t, db.Create(&dataset).Error)

	hyperparameters, err := ToJSON(map[string]string{"alpha": "0.5"})
	require.NoError(t, err)

	job := TrainingJob{
		Id:              uuid.New(),
		Name:            "ag-news-nb",
		DatasetId:       dataset.Id,
		Image:           "bayes-text:latest",
		InstanceType:    "ml.m5.large",
		InstanceCount:   1,
		Hyperparameters: hyperparameters,
		OutputPath:      "s3://models/ag-news",
		Status:          JobQueued,
	}
	require.NoError(t, db.Create(&job).Error)
	return job
}

func TestMigrateAndCreate(t *testing.T) {
	db := setupTestDB(t)
	job := createTrainingJob(t, db)

	var loaded TrainingJob
	require.NoError(t, db.Preload("Dataset").First(&loaded, "id = ?", job.Id).Error)
	assert.Equal(t, "ag-news", loaded.Dataset.Name)

	hp, err := FromJSON[map[string]string](loaded.Hyperparameters)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alpha": "0.5"}, hp)

	env, err := ToJSON(map[string]string{"SAGEMAKER_PROGRAM": "bayes"})
	require.NoError(t, err)
	endpoint := Endpoint{Id: uuid.New(), Name: "news", TrainingJobId: job.Id, Image: job.Image, InstanceType: "ml.t2.medium", InstanceCount: 1, Environment: env, Status: EndpointQueued}
	require.NoError(t, db.Create(&endpoint).Error)

	duplicate := endpoint
	duplicate.Id = uuid.New()
	assert.Error(t, db.Create(&duplicate).Error)
}

func TestUpdateStatus(t *testing.T) {
	db := setupTestDB(t)
	job := createTrainingJob(t, db)
	ctx := context.Background()

	require.NoError(t, UpdateTrainingJobStatus(ctx, db, job.Id, JobRunning))
	var loaded TrainingJob
	require.NoError(t, db.First(&loaded, "id = ?", job.Id).Error)
	assert.Equal(t, JobRunning, loaded.Status)
	assert.False(t, loaded.CompletionTime.Valid)

	require.NoError(t, UpdateTrainingJobStatus(ctx, db, job.Id, JobStopped))
	require.NoError(t, db.First(&loaded, "id = ?", job.Id).Error)
	assert.Equal(t, JobStopped, loaded.Status)
	assert.True(t, loaded.CompletionTime.Valid)

	require.NoError(t, UpdateDatasetStatus(ctx, db, job.DatasetId, JobFailed))
	var dataset Dataset
	require.NoError(t, db.First(&dataset, "id = ?", job.DatasetId).Error)
	assert.Equal(t, JobFailed, dataset.Status)
	assert.True(t, dataset.CompletionTime.Valid)
}

func TestTransitionStatus(t *testing.T) {
	db := setupTestDB(t)
	job := createTrainingJob(t, db)
	ctx := context.Background()

	changed, err := TransitionTrainingJobStatus(ctx, db, job.Id, JobRunning, ActiveTrainingJobStatuses, map[string]any{"platform_job_name": "ag-news-nb-1"})
	require.NoError(t, err)
	assert.True(t, changed)

	require.NoError(t, UpdateTrainingJobStatus(ctx, db, job.Id, JobStopped))

	changed, err = TransitionTrainingJobStatus(ctx, db, job.Id, JobCompleted, ActiveTrainingJobStatuses, map[string]any{"model_artifacts": "s3://models/model.tar.gz"})
	require.NoError(t, err)
	assert.False(t, changed)

	var loaded TrainingJob
	require.NoError(t, db.First(&loaded, "id = ?", job.Id).Error)
	assert.Equal(t, JobStopped, loaded.Status)
	assert.Equal(t, "ag-news-nb-1", loaded.PlatformJobName.String)
	assert.False(t, loaded.ModelArtifacts.Valid)

	endpoint := Endpoint{Id: uuid.New(), Name: "news", TrainingJobId: job.Id, Image: job.Image, InstanceType: "ml.t2.medium", InstanceCount: 1, Status: EndpointDeleted}
	require.NoError(t, db.Create(&endpoint).Error)

	changed, err = TransitionEndpointStatus(ctx, db, endpoint.Id, EndpointInService, ActiveEndpointStatuses, nil)
	require.NoError(t, err)
	assert.False(t, changed)

	var loadedEndpoint Endpoint
	require.NoError(t, db.First(&loadedEndpoint, "id = ?", endpoint.Id).Error)
	assert.Equal(t, EndpointDeleted, loadedEndpoint.Status)
}

func TestTaskErrors(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	id := uuid.New()
	SaveTaskError(ctx, db, id, "fetch failed")
	SaveTaskError(ctx, db, id, "retry failed")
	SaveTaskError(ctx, db, uuid.New(), "other resource")

	errs, err := GetTaskErrors(ctx, db, id)
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.Equal(t, "fetch failed", errs[0].Error)
}

func TestFromJSON_Empty(t *testing.T) {
	out, err := FromJSON[[]string](nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = FromJSON[[]string]([]byte("{not json"))
	assert.Error(t, err)
}

func TestMigration1(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration_0.Migration(db))

	old := migration_0.Endpoint{Id: uuid.New(), Name: "old", Image: "img", InstanceType: "ml.t2.medium", Status: EndpointInService}
	require.NoError(t, db.Create(&old).Error)

	require.NoError(t, migration_1.Migration(db))
	assert.True(t, db.Migrator().HasColumn(&Endpoint{}, "environment"))

	var endpoint Endpoint
	require.NoError(t, db.First(&endpoint, "id = ?", old.Id).Error)
	assert.JSONEq(t, "{}", string(endpoint.Environment))

	require.NoError(t, migration_1.Rollback(db))
	assert.False(t, db.Migrator().HasColumn(&Endpoint{}, "environment"))
}
