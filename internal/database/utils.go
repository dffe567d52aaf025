package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func completionUpdates(status string, terminal ...string) map[string]any {
	updates := map[string]any{"status": status}
	for _, t := range terminal {
		if status == t {
			updates["completion_time"] = time.Now().UTC()
			break
		}
	}
	return updates
}

func UpdateDatasetStatus(ctx context.Context, txn *gorm.DB, datasetId uuid.UUID, status string) error {
	updates := completionUpdates(status, JobCompleted, JobFailed)
	if err := txn.WithContext(ctx).Model(&Dataset{Id: datasetId}).Updates(updates).Error; err != nil {
		slog.Error("error updating dataset status", "dataset_id", datasetId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateTrainingJobStatus(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, status string) error {
	updates := completionUpdates(status, JobCompleted, JobFailed, JobStopped)
	if err := txn.WithContext(ctx).Model(&TrainingJob{Id: jobId}).Updates(updates).Error; err != nil {
		slog.Error("error updating training job status", "training_job_id", jobId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateEndpointStatus(ctx context.Context, txn *gorm.DB, endpointId uuid.UUID, status string) error {
	updates := completionUpdates(status, EndpointInService, EndpointFailed, EndpointDeleted)
	if err := txn.WithContext(ctx).Model(&Endpoint{Id: endpointId}).Updates(updates).Error; err != nil {
		slog.Error("error updating endpoint status", "endpoint_id", endpointId, "status", status, "error", err)
		return err
	}
	return nil
}

// Records in these states still have work pending on the worker.
var (
	ActiveTrainingJobStatuses = []string{JobQueued, JobRunning}
	ActiveEndpointStatuses    = []string{EndpointQueued, EndpointCreating}
)

// transition applies status and fields only while the record is in one of
// the from states, reporting whether a row changed.
func transition(ctx context.Context, txn *gorm.DB, model any, updates map[string]any, fields map[string]any, from []string) (bool, error) {
	for k, v := range fields {
		updates[k] = v
	}
	result := txn.WithContext(ctx).Model(model).Where("status IN ?", from).Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func TransitionTrainingJobStatus(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, status string, from []string, fields map[string]any) (bool, error) {
	updates := completionUpdates(status, JobCompleted, JobFailed, JobStopped)
	changed, err := transition(ctx, txn, &TrainingJob{Id: jobId}, updates, fields, from)
	if err != nil {
		slog.Error("error updating training job status", "training_job_id", jobId, "status", status, "error", err)
		return false, err
	}
	return changed, nil
}

func TransitionEndpointStatus(ctx context.Context, txn *gorm.DB, endpointId uuid.UUID, status string, from []string, fields map[string]any) (bool, error) {
	updates := completionUpdates(status, EndpointInService, EndpointFailed, EndpointDeleted)
	changed, err := transition(ctx, txn, &Endpoint{Id: endpointId}, updates, fields, from)
	if err != nil {
		slog.Error("error updating endpoint status", "endpoint_id", endpointId, "status", status, "error", err)
		return false, err
	}
	return changed, nil
}

func SaveTaskError(ctx context.Context, txn *gorm.DB, resourceId uuid.UUID, errorMessage string) {
	taskError := TaskError{
		ResourceId: resourceId,
		ErrorId:    uuid.New(),
		Error:      errorMessage,
		Timestamp:  time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&taskError).Error; err != nil {
		slog.Error("error saving task error", "resource_id", resourceId, "error", err)
	}
}

func GetTaskErrors(ctx context.Context, txn *gorm.DB, resourceId uuid.UUID) ([]TaskError, error) {
	var errs []TaskError
	if err := txn.WithContext(ctx).Where("resource_id = ?", resourceId).Order("timestamp").Find(&errs).Error; err != nil {
		return nil, fmt.Errorf("error listing task errors: %w", err)
	}
	return errs, nil
}

func ToJSON(v any) (datatypes.JSON, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("error encoding json column: %w", err)
	}
	return datatypes.JSON(data), nil
}

// FromJSON decodes a json column; empty columns decode to the zero value.
func FromJSON[T any](data datatypes.JSON) (T, error) {
	var out T
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("error decoding json column: %w", err)
	}
	return out, nil
}

func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
