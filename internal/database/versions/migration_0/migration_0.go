package migration_0

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Dataset struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"not null"`

	SourceURL     string `gorm:"not null"`
	TestSourceURL sql.NullString
	Format        string `gorm:"size:20;not null"`
	TextFields    datatypes.JSON
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
	Hyperparameters   datatypes.JSON
	OutputPath        string `gorm:"not null"`

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

	ModelName      sql.NullString
	ConfigName     sql.NullString
	Status         string `gorm:"size:20;not null"`
	FailureReason  sql.NullString
	CreationTime   time.Time
	CompletionTime sql.NullTime
}

type TaskError struct {
	ResourceId uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorId    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Error      string
	Timestamp  time.Time
}

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&Dataset{}, &TrainingJob{}, &Endpoint{}, &TaskError{}); err != nil {
		return fmt.Errorf("initial migration failed: %w", err)
	}
	return nil
}
