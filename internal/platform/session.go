package platform

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/aws/smithy-go"
)

// SageMakerAPI is the subset of the SageMaker client used by Session.
type SageMakerAPI interface {
	CreateTrainingJob(ctx context.Context, params *sagemaker.CreateTrainingJobInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateTrainingJobOutput, error)
	DescribeTrainingJob(ctx context.Context, params *sagemaker.DescribeTrainingJobInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeTrainingJobOutput, error)
	StopTrainingJob(ctx context.Context, params *sagemaker.StopTrainingJobInput, optFns ...func(*sagemaker.Options)) (*sagemaker.StopTrainingJobOutput, error)

	CreateModel(ctx context.Context, params *sagemaker.CreateModelInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateModelOutput, error)
	CreateEndpointConfig(ctx context.Context, params *sagemaker.CreateEndpointConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateEndpointConfigOutput, error)
	CreateEndpoint(ctx context.Context, params *sagemaker.CreateEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateEndpointOutput, error)
	DescribeEndpoint(ctx context.Context, params *sagemaker.DescribeEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointOutput, error)

	DeleteEndpoint(ctx context.Context, params *sagemaker.DeleteEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteEndpointOutput, error)
	DeleteEndpointConfig(ctx context.Context, params *sagemaker.DeleteEndpointConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteEndpointConfigOutput, error)
	DeleteModel(ctx context.Context, params *sagemaker.DeleteModelInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteModelOutput, error)
}

// RuntimeAPI is the subset of the SageMaker runtime client used by Predictor.
type RuntimeAPI interface {
	InvokeEndpoint(ctx context.Context, params *sagemakerruntime.InvokeEndpointInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error)
}

type Config struct {
	Region       string
	PollInterval time.Duration
}

const defaultPollInterval = 30 * time.Second

type Session struct {
	api          SageMakerAPI
	runtime      RuntimeAPI
	pollInterval time.Duration
	now          func() time.Time
}

func NewSession(ctx context.Context, cfg Config) (*Session, error) {
	opts := []func(*aws_config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, aws_config.WithRegion(cfg.Region))
	}

	awsCfg, err := aws_config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading aws config: %w", err)
	}

	return NewSessionFromClients(sagemaker.NewFromConfig(awsCfg), sagemakerruntime.NewFromConfig(awsCfg), cfg.PollInterval), nil
}

func NewSessionFromClients(api SageMakerAPI, runtime RuntimeAPI, pollInterval time.Duration) *Session {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Session{api: api, runtime: runtime, pollInterval: pollInterval, now: time.Now}
}

func (s *Session) Runtime() RuntimeAPI {
	return s.runtime
}

// poll calls check every poll interval until it reports done or ctx ends.
func (s *Session) poll(ctx context.Context, check func(ctx context.Context) (bool, error)) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		done, err := check(ctx)
		if err != nil || done {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

const (
	maxNameLength   = 63
	timestampFormat = "2006-01-02-15-04-05.000"
)

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// NameFromBase appends a millisecond timestamp to base, trimming base so the
// result fits the platform's 63 character name limit.
func NameFromBase(base string, t time.Time) string {
	timestamp := strings.Replace(t.UTC().Format(timestampFormat), ".", "-", 1)

	base = strings.Trim(invalidNameChars.ReplaceAllString(base, "-"), "-")
	if base == "" {
		base = "job"
	}
	if maxBase := maxNameLength - len(timestamp) - 1; len(base) > maxBase {
		base = strings.TrimRight(base[:maxBase], "-")
	}

	return base + "-" + timestamp
}

// BaseNameFromImage returns the repository part of an image uri,
// e.g. "bayes-text" for "123.dkr.ecr.us-east-1.amazonaws.com/bayes-text:latest".
func BaseNameFromImage(image string) string {
	name := image[strings.LastIndex(image, "/")+1:]
	if i := strings.IndexAny(name, ":@"); i >= 0 {
		name = name[:i]
	}
	return name
}

// isNotFound reports whether err is the platform's response for a missing resource.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ResourceNotFound":
		return true
	case "ValidationException":
		return strings.Contains(apiErr.ErrorMessage(), "Could not find")
	}
	return false
}

func int32Ptr(v int) *int32 {
	return aws.Int32(int32(v))
}
