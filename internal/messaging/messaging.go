package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	DatasetQueue    = "dataset_queue"
	TrainingQueue   = "training_queue"
	DeployQueue     = "deploy_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

var queues = []string{DatasetQueue, TrainingQueue, DeployQueue}

// FailedQueue names the queue that rejected and nacked tasks from queue are
// dead-lettered to.
func FailedQueue(queue string) string {
	return queue + ".failed"
}

var ErrQueueClosed = errors.New("queue is closed")

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type DatasetTaskPayload struct {
	DatasetId uuid.UUID
}

type TrainingTaskPayload struct {
	TrainingJobId uuid.UUID
}

type DeployTaskPayload struct {
	EndpointId uuid.UUID
}

type Publisher interface {
	PublishDatasetTask(ctx context.Context, payload DatasetTaskPayload) error

	PublishTrainingTask(ctx context.Context, payload TrainingTaskPayload) error

	PublishDeployTask(ctx context.Context, payload DeployTaskPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
