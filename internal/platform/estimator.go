package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
)

type MetricDefinition struct {
	Name  string `yaml:"name" json:"name"`
	Regex string `yaml:"regex" json:"regex"`
}

// DefaultMetricDefinitions match the metric lines the training container logs.
var DefaultMetricDefinitions = []MetricDefinition{
	{Name: "train:accuracy", Regex: `train_accuracy=([0-9\.]+);`},
	{Name: "test:accuracy", Regex: `test_accuracy=([0-9\.]+);`},
}

// Estimator describes how the platform runs a training job. Values are passed
// through verbatim; the platform does its own validation.
type Estimator struct {
	Image             string
	RoleARN           string
	InstanceType      string
	InstanceCount     int
	VolumeSizeGB      int
	MaxRuntime        time.Duration
	Hyperparameters   map[string]string
	Environment       map[string]string
	OutputPath        string
	BaseJobName       string
	InputMode         string
	ContentType       string
	MetricDefinitions []MetricDefinition
}

const (
	defaultVolumeSizeGB = 30
	defaultMaxRuntime   = 24 * time.Hour
	defaultInputMode    = "File"
	defaultContentType  = "text/csv"
)

func (e *Estimator) validate(inputs map[string]string) error {
	var errs []error
	if e.Image == "" {
		errs = append(errs, errors.New("image is required"))
	}
	if e.RoleARN == "" {
		errs = append(errs, errors.New("role arn is required"))
	}
	if e.InstanceType == "" {
		errs = append(errs, errors.New("instance type is required"))
	}
	if e.InstanceCount < 1 {
		errs = append(errs, fmt.Errorf("instance count must be at least 1, got %d", e.InstanceCount))
	}
	if e.OutputPath == "" {
		errs = append(errs, errors.New("output path is required"))
	}
	if len(inputs) == 0 {
		errs = append(errs, errors.New("at least one input channel is required"))
	}
	return errors.Join(errs...)
}

func (e *Estimator) trainingJobInput(name string, inputs map[string]string) *sagemaker.CreateTrainingJobInput {
	volume := e.VolumeSizeGB
	if volume <= 0 {
		volume = defaultVolumeSizeGB
	}
	maxRuntime := e.MaxRuntime
	if maxRuntime <= 0 {
		maxRuntime = defaultMaxRuntime
	}
	inputMode := e.InputMode
	if inputMode == "" {
		inputMode = defaultInputMode
	}
	contentType := e.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	metrics := e.MetricDefinitions
	if metrics == nil {
		metrics = DefaultMetricDefinitions
	}

	channelNames := make([]string, 0, len(inputs))
	for name := range inputs {
		channelNames = append(channelNames, name)
	}
	sort.Strings(channelNames)

	channels := make([]types.Channel, 0, len(inputs))
	for _, channel := range channelNames {
		channels = append(channels, types.Channel{
			ChannelName: aws.String(channel),
			ContentType: aws.String(contentType),
			DataSource: &types.DataSource{
				S3DataSource: &types.S3DataSource{
					S3DataType:             types.S3DataTypeS3Prefix,
					S3Uri:                  aws.String(inputs[channel]),
					S3DataDistributionType: types.S3DataDistributionFullyReplicated,
				},
			},
		})
	}

	metricDefs := make([]types.MetricDefinition, 0, len(metrics))
	for _, m := range metrics {
		metricDefs = append(metricDefs, types.MetricDefinition{Name: aws.String(m.Name), Regex: aws.String(m.Regex)})
	}

	return &sagemaker.CreateTrainingJobInput{
		TrainingJobName: aws.String(name),
		AlgorithmSpecification: &types.AlgorithmSpecification{
			TrainingImage:     aws.String(e.Image),
			TrainingInputMode: types.TrainingInputMode(inputMode),
			MetricDefinitions: metricDefs,
		},
		RoleArn:         aws.String(e.RoleARN),
		InputDataConfig: channels,
		OutputDataConfig: &types.OutputDataConfig{
			S3OutputPath: aws.String(e.OutputPath),
		},
		ResourceConfig: &types.ResourceConfig{
			InstanceType:   types.TrainingInstanceType(e.InstanceType),
			InstanceCount:  int32Ptr(e.InstanceCount),
			VolumeSizeInGB: int32Ptr(volume),
		},
		StoppingCondition: &types.StoppingCondition{
			MaxRuntimeInSeconds: int32Ptr(int(maxRuntime / time.Second)),
		},
		HyperParameters: e.Hyperparameters,
		Environment:     e.Environment,
	}
}

type TrainingJob struct {
	Name            string
	Status          types.TrainingJobStatus
	SecondaryStatus types.SecondaryStatus
	FailureReason   string
	ModelArtifacts  string
}

func (j *TrainingJob) Done() bool {
	switch j.Status {
	case types.TrainingJobStatusCompleted, types.TrainingJobStatusFailed, types.TrainingJobStatusStopped:
		return true
	}
	return false
}

// Fit submits a training job reading the given channel -> s3 prefix inputs.
// When wait is set it blocks until the job reaches a terminal status.
func (s *Session) Fit(ctx context.Context, est Estimator, inputs map[string]string, wait bool) (*TrainingJob, error) {
	if err := est.validate(inputs); err != nil {
		return nil, fmt.Errorf("invalid estimator: %w", err)
	}

	base := est.BaseJobName
	if base == "" {
		base = BaseNameFromImage(est.Image)
	}
	name := NameFromBase(base, s.now())

	if _, err := s.api.CreateTrainingJob(ctx, est.trainingJobInput(name, inputs)); err != nil {
		return nil, fmt.Errorf("error creating training job %s: %w", name, err)
	}
	slog.Info("training job created", "job_name", name, "image", est.Image, "instance_type", est.InstanceType, "instance_count", est.InstanceCount)

	if !wait {
		return &TrainingJob{Name: name, Status: types.TrainingJobStatusInProgress}, nil
	}
	return s.WaitForTrainingJob(ctx, name)
}

func (s *Session) DescribeTrainingJob(ctx context.Context, name string) (*TrainingJob, error) {
	out, err := s.api.DescribeTrainingJob(ctx, &sagemaker.DescribeTrainingJobInput{TrainingJobName: aws.String(name)})
	if err != nil {
		return nil, fmt.Errorf("error describing training job %s: %w", name, err)
	}

	job := &TrainingJob{
		Name:            name,
		Status:          out.TrainingJobStatus,
		SecondaryStatus: out.SecondaryStatus,
		FailureReason:   aws.ToString(out.FailureReason),
	}
	if out.ModelArtifacts != nil {
		job.ModelArtifacts = aws.ToString(out.ModelArtifacts.S3ModelArtifacts)
	}
	return job, nil
}

// WaitForTrainingJob polls until the job is Completed, Failed or Stopped. A
// failed job is returned along with an error carrying its failure reason.
func (s *Session) WaitForTrainingJob(ctx context.Context, name string) (*TrainingJob, error) {
	var job *TrainingJob
	var lastStatus types.SecondaryStatus

	err := s.poll(ctx, func(ctx context.Context) (bool, error) {
		var err error
		job, err = s.DescribeTrainingJob(ctx, name)
		if err != nil {
			return false, err
		}
		if job.SecondaryStatus != lastStatus {
			slog.Info("training job status", "job_name", name, "status", job.Status, "secondary_status", job.SecondaryStatus)
			lastStatus = job.SecondaryStatus
		}
		return job.Done(), nil
	})
	if err != nil {
		return job, err
	}

	if job.Status == types.TrainingJobStatusFailed {
		return job, fmt.Errorf("training job %s failed: %s", name, job.FailureReason)
	}
	return job, nil
}

func (s *Session) StopTrainingJob(ctx context.Context, name string) error {
	if _, err := s.api.StopTrainingJob(ctx, &sagemaker.StopTrainingJobInput{TrainingJobName: aws.String(name)}); err != nil {
		return fmt.Errorf("error stopping training job %s: %w", name, err)
	}
	slog.Info("training job stop requested", "job_name", name)
	return nil
}
