package config

import (
	"context"
	"fmt"
	"log"
	"time"

	"ml-workbench/internal/platform"
	"ml-workbench/internal/storage"
)

const (
	StorageS3    = "s3"
	StorageLocal = "local"
)

// StorageConfig selects and configures the object store. It is embedded in
// the config of every binary that reads or writes datasets and models.
type StorageConfig struct {
	Backend           string `env:"STORAGE" envDefault:"s3"`
	LocalDir          string `env:"LOCAL_STORAGE_DIR" envDefault:"./workbench/storage"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	DatasetBucket     string `env:"DATASET_BUCKET" envDefault:"datasets"`
}

func (c StorageConfig) S3ClientConfig() storage.S3ClientConfig {
	if c.S3EndpointURL != "" && (c.S3AccessKeyID == "" || c.S3SecretAccessKey == "") {
		log.Println("Warning: S3_ENDPOINT_URL is set, but AWS_ACCESS_KEY_ID or AWS_SECRET_ACCESS_KEY are missing.")
	}
	return storage.S3ClientConfig{
		Endpoint:        c.S3EndpointURL,
		Region:          c.S3Region,
		AccessKeyID:     c.S3AccessKeyID,
		SecretAccessKey: c.S3SecretAccessKey,
	}
}

func (c StorageConfig) NewObjectStore(ctx context.Context) (storage.ObjectStore, error) {
	switch c.Backend {
	case StorageS3, "":
		return storage.NewS3ObjectStore(ctx, c.S3ClientConfig())
	case StorageLocal:
		return storage.NewLocalObjectStore(c.LocalDir)
	default:
		return nil, fmt.Errorf("unknown storage backend '%s', must be '%s' or '%s'", c.Backend, StorageS3, StorageLocal)
	}
}

type PlatformConfig struct {
	Region       string        `env:"AWS_REGION"`
	RoleARN      string        `env:"SAGEMAKER_ROLE_ARN"`
	PollInterval time.Duration `env:"PLATFORM_POLL_INTERVAL" envDefault:"30s"`
}

func (c PlatformConfig) NewSession(ctx context.Context) (*platform.Session, error) {
	return platform.NewSession(ctx, platform.Config{Region: c.Region, PollInterval: c.PollInterval})
}
