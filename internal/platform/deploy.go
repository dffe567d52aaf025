package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
)

type Model struct {
	Name         string
	Image        string
	ModelDataURL string
	RoleARN      string
	Environment  map[string]string
}

type DeployOptions struct {
	EndpointName  string
	InstanceType  string
	InstanceCount int
	VariantName   string
}

const defaultVariantName = "AllTraffic"

type Endpoint struct {
	Name          string
	ConfigName    string
	ModelName     string
	Status        types.EndpointStatus
	FailureReason string
}

func (e *Endpoint) Done() bool {
	return e.Status == types.EndpointStatusInService || e.Status == types.EndpointStatusFailed
}

// Deploy registers the model, creates an endpoint config with a single variant
// and creates the endpoint. When wait is set it blocks until the endpoint is
// InService or Failed. If a later step fails the resources already created are
// removed, and the returned Endpoint names them in case removal failed too.
func (s *Session) Deploy(ctx context.Context, model Model, opts DeployOptions, wait bool) (*Endpoint, error) {
	if model.Image == "" || model.RoleARN == "" {
		return nil, errors.New("model image and role arn are required")
	}
	if opts.InstanceType == "" || opts.InstanceCount < 1 {
		return nil, errors.New("deploy requires an instance type and an instance count of at least 1")
	}

	now := s.now()
	if model.Name == "" {
		model.Name = NameFromBase(BaseNameFromImage(model.Image), now)
	}
	endpointName := opts.EndpointName
	if endpointName == "" {
		endpointName = model.Name
	}
	variant := opts.VariantName
	if variant == "" {
		variant = defaultVariantName
	}

	container := &types.ContainerDefinition{
		Image:       aws.String(model.Image),
		Environment: model.Environment,
	}
	if model.ModelDataURL != "" {
		container.ModelDataUrl = aws.String(model.ModelDataURL)
	}

	if _, err := s.api.CreateModel(ctx, &sagemaker.CreateModelInput{
		ModelName:        aws.String(model.Name),
		ExecutionRoleArn: aws.String(model.RoleARN),
		PrimaryContainer: container,
	}); err != nil {
		return nil, fmt.Errorf("error creating model %s: %w", model.Name, err)
	}
	slog.Info("model created", "model_name", model.Name, "model_data", model.ModelDataURL)

	partial := &Endpoint{Name: endpointName, ModelName: model.Name, Status: types.EndpointStatusFailed}

	if _, err := s.api.CreateEndpointConfig(ctx, &sagemaker.CreateEndpointConfigInput{
		EndpointConfigName: aws.String(endpointName),
		ProductionVariants: []types.ProductionVariant{{
			VariantName:          aws.String(variant),
			ModelName:            aws.String(model.Name),
			InitialInstanceCount: int32Ptr(opts.InstanceCount),
			InstanceType:         types.ProductionVariantInstanceType(opts.InstanceType),
			InitialVariantWeight: aws.Float32(1),
		}},
	}); err != nil {
		s.rollbackDeploy(ctx, partial)
		return partial, fmt.Errorf("error creating endpoint config %s: %w", endpointName, err)
	}
	partial.ConfigName = endpointName

	if _, err := s.api.CreateEndpoint(ctx, &sagemaker.CreateEndpointInput{
		EndpointName:       aws.String(endpointName),
		EndpointConfigName: aws.String(endpointName),
	}); err != nil {
		s.rollbackDeploy(ctx, partial)
		return partial, fmt.Errorf("error creating endpoint %s: %w", endpointName, err)
	}
	slog.Info("endpoint creation started", "endpoint_name", endpointName, "instance_type", opts.InstanceType)

	endpoint := &Endpoint{
		Name:       endpointName,
		ConfigName: endpointName,
		ModelName:  model.Name,
		Status:     types.EndpointStatusCreating,
	}
	if !wait {
		return endpoint, nil
	}
	return s.WaitForEndpoint(ctx, endpoint)
}

// WaitForEndpoint polls until the endpoint is InService or Failed.
func (s *Session) WaitForEndpoint(ctx context.Context, endpoint *Endpoint) (*Endpoint, error) {
	err := s.poll(ctx, func(ctx context.Context) (bool, error) {
		out, err := s.api.DescribeEndpoint(ctx, &sagemaker.DescribeEndpointInput{EndpointName: aws.String(endpoint.Name)})
		if err != nil {
			return false, fmt.Errorf("error describing endpoint %s: %w", endpoint.Name, err)
		}
		if out.EndpointStatus != endpoint.Status {
			slog.Info("endpoint status", "endpoint_name", endpoint.Name, "status", out.EndpointStatus)
		}
		endpoint.Status = out.EndpointStatus
		endpoint.FailureReason = aws.ToString(out.FailureReason)
		return endpoint.Done(), nil
	})
	if err != nil {
		return endpoint, err
	}

	if endpoint.Status == types.EndpointStatusFailed {
		return endpoint, fmt.Errorf("endpoint %s failed: %s", endpoint.Name, endpoint.FailureReason)
	}
	return endpoint, nil
}

// DeleteEndpoint removes the endpoint, its config and its model. Resources that
// no longer exist are skipped so deletion can be repeated.
func (s *Session) DeleteEndpoint(ctx context.Context, endpoint Endpoint) error {
	if endpoint.ConfigName == "" {
		endpoint.ConfigName = endpoint.Name
	}

	if _, err := s.api.DeleteEndpoint(ctx, &sagemaker.DeleteEndpointInput{EndpointName: aws.String(endpoint.Name)}); err != nil && !isNotFound(err) {
		return fmt.Errorf("error deleting endpoint %s: %w", endpoint.Name, err)
	}

	if _, err := s.api.DeleteEndpointConfig(ctx, &sagemaker.DeleteEndpointConfigInput{EndpointConfigName: aws.String(endpoint.ConfigName)}); err != nil && !isNotFound(err) {
		return fmt.Errorf("error deleting endpoint config %s: %w", endpoint.ConfigName, err)
	}

	if endpoint.ModelName != "" {
		if _, err := s.api.DeleteModel(ctx, &sagemaker.DeleteModelInput{ModelName: aws.String(endpoint.ModelName)}); err != nil && !isNotFound(err) {
			return fmt.Errorf("error deleting model %s: %w", endpoint.ModelName, err)
		}
	}

	slog.Info("endpoint deleted", "endpoint_name", endpoint.Name)
	return nil
}

// rollbackDeploy removes the model and, when set, the endpoint config of a
// deploy that did not reach CreateEndpoint.
func (s *Session) rollbackDeploy(ctx context.Context, endpoint *Endpoint) {
	if endpoint.ConfigName != "" {
		if _, err := s.api.DeleteEndpointConfig(ctx, &sagemaker.DeleteEndpointConfigInput{EndpointConfigName: aws.String(endpoint.ConfigName)}); err != nil && !isNotFound(err) {
			slog.Error("error removing endpoint config after failed deploy", "config_name", endpoint.ConfigName, "error", err)
		}
	}
	if _, err := s.api.DeleteModel(ctx, &sagemaker.DeleteModelInput{ModelName: aws.String(endpoint.ModelName)}); err != nil && !isNotFound(err) {
		slog.Error("error removing model after failed deploy", "model_name", endpoint.ModelName, "error", err)
	}
}
