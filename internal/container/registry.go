package container

import (
	"context"
	"errors"
)

// Registry publishes local images to a remote registry through a CLI.
type Registry struct {
	cli *CLI
}

// NewRegistry returns a Registry backed by cli.
func NewRegistry(cli *CLI) *Registry {
	return &Registry{cli: cli}
}

func (r *Registry) Login(ctx context.Context, server, username, password string) error {
	return r.cli.Login(ctx, server, username, password)
}

// Push tags the local image artifact as ref and pushes ref. A push the
// registry answers with "already exists" is reported as ErrAlreadyExists.
func (r *Registry) Push(ctx context.Context, artifact, ref string) error {
	if artifact != ref {
		if err := r.cli.Tag(ctx, artifact, ref); err != nil {
			return err
		}
	}
	err := r.cli.Push(ctx, ref)
	if errors.Is(err, ErrAlreadyExists) {
		return ErrAlreadyExists
	}
	return err
}
