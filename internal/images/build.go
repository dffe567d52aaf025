package images

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/google/go-containerregistry/pkg/name"
)

type BuildOptions struct {
	ContextDir string
	Dockerfile string
	Repository string
	Tag        string
	BuildArgs  map[string]string
}

const (
	defaultTag        = "latest"
	defaultDockerfile = "Dockerfile"
)

// ImageReference returns the full reference of repository:tag in the registry.
func (r *Registry) ImageReference(ctx context.Context, repository, tag string) (name.Tag, error) {
	if tag == "" {
		tag = defaultTag
	}

	host, err := r.Host(ctx)
	if err != nil {
		return name.Tag{}, err
	}

	ref, err := name.NewTag(fmt.Sprintf("%s/%s:%s", host, repository, tag), name.StrictValidation)
	if err != nil {
		return name.Tag{}, fmt.Errorf("invalid image reference for %s:%s: %w", repository, tag, err)
	}
	return ref, nil
}

// BuildAndPush builds the image in opts.ContextDir, tags it into the registry
// and pushes it. It returns the pushed image uri.
func (r *Registry) BuildAndPush(ctx context.Context, opts BuildOptions) (string, error) {
	if opts.Repository == "" {
		return "", errors.New("repository is required")
	}
	if opts.ContextDir == "" {
		opts.ContextDir = "."
	}
	if opts.Dockerfile == "" {
		opts.Dockerfile = defaultDockerfile
	}
	if opts.Tag == "" {
		opts.Tag = defaultTag
	}

	ref, err := r.ImageReference(ctx, opts.Repository, opts.Tag)
	if err != nil {
		return "", err
	}

	if err := r.EnsureRepository(ctx, opts.Repository); err != nil {
		return "", err
	}

	local := opts.Repository + ":" + opts.Tag
	slog.Info("building image", "image", local, "context_dir", opts.ContextDir, "dockerfile", opts.Dockerfile)
	if err := r.docker.BuildImage(docker.BuildImageOptions{
		Context:        ctx,
		Name:           local,
		Dockerfile:     opts.Dockerfile,
		ContextDir:     opts.ContextDir,
		BuildArgs:      buildArgs(opts.BuildArgs),
		RmTmpContainer: true,
		OutputStream:   r.out,
	}); err != nil {
		return "", fmt.Errorf("error building image %s: %w", local, err)
	}

	repo := ref.Context().Name()
	if err := r.docker.TagImage(local, docker.TagImageOptions{
		Context: ctx,
		Repo:    repo,
		Tag:     ref.TagStr(),
		Force:   true,
	}); err != nil {
		return "", fmt.Errorf("error tagging image %s as %s: %w", local, ref.Name(), err)
	}

	auth, err := r.Login(ctx)
	if err != nil {
		return "", err
	}

	slog.Info("pushing image", "image", ref.Name())
	if err := r.docker.PushImage(docker.PushImageOptions{
		Context:      ctx,
		Name:         repo,
		Tag:          ref.TagStr(),
		OutputStream: r.out,
	}, auth); err != nil {
		return "", fmt.Errorf("error pushing image %s: %w", ref.Name(), err)
	}

	return ref.Name(), nil
}

func buildArgs(args map[string]string) []docker.BuildArg {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]docker.BuildArg, 0, len(args))
	for _, k := range keys {
		out = append(out, docker.BuildArg{Name: k, Value: args[k]})
	}
	return out
}
