package images

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	docker "github.com/fsouza/go-dockerclient"
)

type ECRAPI interface {
	DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	CreateRepository(ctx context.Context, params *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// DockerAPI is the subset of the docker daemon client used to build and push images.
type DockerAPI interface {
	BuildImage(opts docker.BuildImageOptions) error
	TagImage(name string, opts docker.TagImageOptions) error
	PushImage(opts docker.PushImageOptions, auth docker.AuthConfiguration) error
}

// Registry builds images locally and pushes them to the account's private registry.
type Registry struct {
	ecr    ECRAPI
	sts    STSAPI
	docker DockerAPI
	region string
	out    io.Writer

	account string
}

func NewRegistry(ctx context.Context, region string) (*Registry, error) {
	opts := []func(*aws_config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, aws_config.WithRegion(region))
	}

	awsCfg, err := aws_config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading aws config: %w", err)
	}
	if awsCfg.Region == "" {
		return nil, errors.New("aws region must be set to resolve the registry")
	}

	dockerClient, err := docker.NewClientFromEnv()
	if err != nil {
		return nil, fmt.Errorf("error creating docker client: %w", err)
	}

	return NewRegistryFromClients(ecr.NewFromConfig(awsCfg), sts.NewFromConfig(awsCfg), dockerClient, awsCfg.Region, os.Stdout), nil
}

// NewRegistryFromClients creates a registry from explicit clients. Build and push
// progress is streamed to out.
func NewRegistryFromClients(ecrClient ECRAPI, stsClient STSAPI, dockerClient DockerAPI, region string, out io.Writer) *Registry {
	if out == nil {
		out = io.Discard
	}
	return &Registry{ecr: ecrClient, sts: stsClient, docker: dockerClient, region: region, out: out}
}

// Host returns <account>.dkr.ecr.<region>.amazonaws.com for the caller's account.
func (r *Registry) Host(ctx context.Context) (string, error) {
	if r.account == "" {
		out, err := r.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			return "", fmt.Errorf("error getting caller identity: %w", err)
		}
		r.account = aws.ToString(out.Account)
	}
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com", r.account, r.region), nil
}

// EnsureRepository creates the repository if it does not exist yet.
func (r *Registry) EnsureRepository(ctx context.Context, name string) error {
	_, err := r.ecr.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{RepositoryNames: []string{name}})
	if err == nil {
		return nil
	}

	var notFound *types.RepositoryNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("error describing repository %s: %w", name, err)
	}

	if _, err := r.ecr.CreateRepository(ctx, &ecr.CreateRepositoryInput{RepositoryName: aws.String(name)}); err != nil {
		return fmt.Errorf("error creating repository %s: %w", name, err)
	}
	slog.Info("created repository", "repository", name)
	return nil
}

// Login exchanges the registry authorization token for docker credentials.
func (r *Registry) Login(ctx context.Context) (docker.AuthConfiguration, error) {
	out, err := r.ecr.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return docker.AuthConfiguration{}, fmt.Errorf("error getting authorization token: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return docker.AuthConfiguration{}, errors.New("registry returned no authorization data")
	}

	data := out.AuthorizationData[0]
	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return docker.AuthConfiguration{}, fmt.Errorf("error decoding authorization token: %w", err)
	}

	user, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return docker.AuthConfiguration{}, errors.New("malformed authorization token")
	}

	return docker.AuthConfiguration{
		Username:      user,
		Password:      password,
		ServerAddress: aws.ToString(data.ProxyEndpoint),
	}, nil
}
