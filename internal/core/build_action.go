package core

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"blockci/internal/container"
)

// BuildAction builds a container image and records the image as the stage artifact.
type BuildAction struct {
	Builder container.Builder
	Options container.BuildOptions
}

// BuildKind returns the builder for stages of kind build.
func BuildKind(builder container.Builder) ActionBuilder {
	return func(spec StageSpec) (Action, error) {
		if builder == nil {
			return nil, container.ErrNoBuilder
		}
		b := spec.Build
		return &BuildAction{
			Builder: builder,
			Options: container.BuildOptions{
				ContextDir: b.Context,
				Dockerfile: b.Dockerfile,
				Tag:        b.Tag,
				Platform:   b.Platform,
				BuildArgs:  maps.Clone(b.Args),
			},
		}, nil
	}
}

func (a *BuildAction) Execute(ctx context.Context, sc *StageContext) (*ActionResult, error) {
	opts := a.Options
	expand := func(s string) string {
		return os.Expand(s, func(k string) string {
			switch k {
			case "COMMIT_SHA":
				return sc.Run.CommitSHA()
			case "BRANCH":
				return sc.Run.Branch()
			case "RUN_ID":
				return sc.RunID
			}
			return sc.Env[k]
		})
	}
	opts.Tag = expand(opts.Tag)
	opts.BuildArgs = make(map[string]string, len(a.Options.BuildArgs))
	for k, v := range a.Options.BuildArgs {
		opts.BuildArgs[k] = expand(v)
	}
	opts.Labels = maps.Clone(a.Options.Labels)
	if opts.Labels == nil {
		opts.Labels = make(map[string]string, 2)
	}
	opts.Labels["org.opencontainers.image.revision"] = sc.Run.CommitSHA()
	opts.Labels["io.blockci.run-id"] = sc.RunID
	if wd := sc.Run.WorkDir(); wd != "" {
		ctxDir := opts.ContextDir
		if ctxDir == "" {
			ctxDir = "."
		}
		if !filepath.IsAbs(ctxDir) {
			opts.ContextDir = filepath.Join(wd, ctxDir)
		}
		if opts.Dockerfile != "" && !filepath.IsAbs(opts.Dockerfile) {
			opts.Dockerfile = filepath.Join(wd, opts.Dockerfile)
		}
	}

	res, err := a.Builder.Build(ctx, opts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, container.ErrUnavailable) {
			return nil, Transient(err)
		}
		return nil, Fail(err)
	}
	ref := res.Ref()
	if ref == "" {
		return &ActionResult{Output: res.Output}, Fail(fmt.Errorf("%s build produced no image reference", a.Builder.Name()))
	}
	return &ActionResult{Artifact: ref, Output: res.Output}, nil
}
