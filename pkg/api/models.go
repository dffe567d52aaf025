package api

import (
	"time"

	"github.com/google/uuid"
)

type Dataset struct {
	Id            uuid.UUID
	Name          string
	SourceURL     string
	TestSourceURL string `json:",omitempty"`
	Format        string
	TestFraction  float64
	Bucket        string
	Prefix        string

	Status         string
	CreationTime   time.Time
	CompletionTime *time.Time `json:",omitempty"`

	TrainURI   string `json:",omitempty"`
	TestURI    string `json:",omitempty"`
	TrainCount int
	TestCount  int

	Errors []string `json:",omitempty"`
}

type CreateDatasetRequest struct {
	Name          string
	SourceURL     string
	TestSourceURL string
	Format        string

	TextFields  []string
	LabelField  string
	LabelOffset int
	Header      []string

	TestFraction float64
	Seed         int64

	Bucket string
	Prefix string
}

type CreateDatasetResponse struct {
	Id uuid.UUID
}

type TrainingJob struct {
	Id        uuid.UUID
	Name      string
	DatasetId uuid.UUID

	Image           string
	InstanceType    string
	InstanceCount   int
	Hyperparameters map[string]string
	OutputPath      string

	PlatformJobName string `json:",omitempty"`
	Status          string
	FailureReason   string `json:",omitempty"`
	ModelArtifacts  string `json:",omitempty"`
	CreationTime    time.Time
	CompletionTime  *time.Time `json:",omitempty"`

	Errors []string `json:",omitempty"`
}

type CreateTrainingJobRequest struct {
	Name      string
	DatasetId uuid.UUID

	Image             string
	InstanceType      string
	InstanceCount     int
	VolumeSizeGB      int
	MaxRuntimeSeconds int
	Hyperparameters   map[string]string
	OutputPath        string
}

type CreateTrainingJobResponse struct {
	Id uuid.UUID
}

type Endpoint struct {
	Id            uuid.UUID
	Name          string
	TrainingJobId uuid.UUID

	Image         string
	InstanceType  string
	InstanceCount int
	Environment   map[string]string

	ModelName      string `json:",omitempty"`
	Status         string
	FailureReason  string `json:",omitempty"`
	CreationTime   time.Time
	CompletionTime *time.Time `json:",omitempty"`

	Errors []string `json:",omitempty"`
}

type CreateEndpointRequest struct {
	Name          string
	TrainingJobId uuid.UUID

	// Image defaults to the training image.
	Image         string
	InstanceType  string
	InstanceCount int
	Environment   map[string]string
}

type CreateEndpointResponse struct {
	Id uuid.UUID
}

type ListParams struct {
	Status string `schema:"status"`
	Limit  int    `schema:"limit"`
}
