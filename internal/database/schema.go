package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
	JobStopped   string = "STOPPED"
)

const (
	EndpointQueued    string = "QUEUED"
	EndpointCreating  string = "CREATING"
	EndpointInService string = "IN_SERVICE"
	EndpointFailed    string = "FAILED"
	EndpointDeleted   string = "DELETED"
)

type Dataset struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"not null"`

	SourceURL     string `gorm:"not null"`
	TestSourceURL sql.NullString
	Format        string         `gorm:"size:20;not null"`
	TextFields    datatypes.JSON // ["title","description"]
	LabelField    string
	LabelOffset   int
	Header        datatypes.JSON
	TestFraction  float64
	Seed          int64

	Bucket string `gorm:"not null"`
	Prefix string `gorm:"not null"`

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	CompletionTime sql.NullTime

	TrainURI   sql.NullString
	TestURI    sql.NullString
	TrainCount int `gorm:"default:0"`
	TestCount  int `gorm:"default:0"`
}

type TrainingJob struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"not null"`

	DatasetId uuid.UUID `gorm:"type:uuid"`
	Dataset   *Dataset  `gorm:"foreignKey:DatasetId"`

	Image             string `gorm:"not null"`
	InstanceType      string `gorm:"not null"`
	InstanceCount     int    `gorm:"default:1"`
	VolumeSizeGB      int
	MaxRuntimeSeconds int
	Hyperparameters   datatypes.JSON // {"alpha":"0.5"}
	OutputPath        string         `gorm:"not null"`

	PlatformJobName sql.NullString
	Status          string `gorm:"size:20;not null"`
	FailureReason   sql.NullString
	ModelArtifacts  sql.NullString
	CreationTime    time.Time
	CompletionTime  sql.NullTime
}

type Endpoint struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"not null;uniqueIndex"`

	TrainingJobId uuid.UUID    `gorm:"type:uuid"`
	TrainingJob   *TrainingJob `gorm:"foreignKey:TrainingJobId"`

	Image         string `gorm:"not null"`
	InstanceType  string `gorm:"not null"`
	InstanceCount int    `gorm:"default:1"`
	Environment   datatypes.JSON

	ModelName      sql.NullString
	ConfigName     sql.NullString
	Status         string `gorm:"size:20;not null"`
	FailureReason  sql.NullString
	CreationTime   time.Time
	CompletionTime sql.NullTime
}

// TaskError records a failure of the task processing a dataset, training job
// or endpoint. ResourceId is the id of that record.
type TaskError struct {
	ResourceId uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorId    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Error      string
	Timestamp  time.Time
}
