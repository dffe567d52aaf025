package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueue(t *testing.T) {
	queue := NewInMemoryQueue()

	jobId := uuid.New()
	require.NoError(t, queue.PublishTrainingTask(context.Background(), TrainingTaskPayload{TrainingJobId: jobId}))
	require.NoError(t, queue.PublishDeployTask(context.Background(), DeployTaskPayload{EndpointId: jobId}))

	task := <-queue.Tasks()
	assert.Equal(t, TrainingQueue, task.Type())

	var payload TrainingTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, jobId, payload.TrainingJobId)
	assert.NoError(t, task.Ack())

	task = <-queue.Tasks()
	assert.Equal(t, DeployQueue, task.Type())

	queue.Close()
	queue.Close()

	_, ok := <-queue.Tasks()
	assert.False(t, ok)

	err := queue.PublishDatasetTask(context.Background(), DatasetTaskPayload{DatasetId: jobId})
	assert.ErrorIs(t, err, ErrQueueClosed)
}
