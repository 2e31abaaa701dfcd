// Package publish implements the publish stage: it tags the artifact of a
// build stage and pushes it to a container registry.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"blockci/internal/container"
	"blockci/internal/core"
)

// Registry is the remote image registry.
type Registry interface {
	Login(ctx context.Context, server, username, password string) error
	// Push makes ref point at the local artifact and uploads it. A registry
	// that already holds ref with that content may answer container.ErrAlreadyExists.
	Push(ctx context.Context, artifact, ref string) error
}

// Publisher is the Action of a publish stage.
type Publisher struct {
	Registry Registry
	History  History
	Spec     core.PublishSpec
}

// Kind returns the builder for stages of kind publish.
func Kind(reg Registry, history History) core.ActionBuilder {
	if history == nil {
		history = NewMemoryHistory()
	}
	return func(spec core.StageSpec) (core.Action, error) {
		if reg == nil {
			return nil, errors.New("no registry configured")
		}
		return &Publisher{Registry: reg, History: history, Spec: *spec.Publish}, nil
	}
}

// Tags returns the references a publish of commitSHA applies, "latest" first.
func (p *Publisher) Tags(commitSHA string) []string {
	repo := strings.TrimSuffix(p.Spec.Repository, "/")
	return []string{repo + ":latest", repo + ":" + commitSHA}
}

func (p *Publisher) Execute(ctx context.Context, sc *core.StageContext) (*core.ActionResult, error) {
	run := sc.Run
	if !run.IsDefaultBranch() {
		return nil, core.Fail(fmt.Errorf("refusing to publish from branch %q: only %q publishes", run.Branch(), run.DefaultBranch()))
	}
	artifact, ok := run.Artifact(p.Spec.Source)
	if !ok || artifact == "" {
		return nil, core.Fail(fmt.Errorf("stage %q recorded no artifact to publish", p.Spec.Source))
	}

	var out strings.Builder
	if p.Spec.UsernameSecret != "" && p.Spec.PasswordSecret != "" {
		user := sc.Env[core.EnvName(p.Spec.UsernameSecret)]
		pass := sc.Env[core.EnvName(p.Spec.PasswordSecret)]
		if err := p.Registry.Login(ctx, p.Spec.Server, user, pass); err != nil {
			return &core.ActionResult{Output: out.String()}, classify(ctx, err)
		}
		fmt.Fprintf(&out, "logged in to %s\n", serverName(p.Spec.Server))
	}

	var applied []string
	for _, ref := range p.Tags(run.CommitSHA()) {
		if prev, ok := p.History.Published(ref); ok && prev == artifact {
			fmt.Fprintf(&out, "%s already points at %s\n", ref, artifact)
			applied = append(applied, ref)
			continue
		}
		err := p.Registry.Push(ctx, artifact, ref)
		switch {
		case errors.Is(err, container.ErrAlreadyExists):
			fmt.Fprintf(&out, "%s already present in registry\n", ref)
		case err != nil:
			return &core.ActionResult{Tags: applied, Output: out.String()}, classify(ctx, fmt.Errorf("pushing %s: %w", ref, err))
		default:
			fmt.Fprintf(&out, "pushed %s -> %s\n", artifact, ref)
		}
		if err := p.History.RecordPublish(sc.RunID, ref, artifact); err != nil {
			return &core.ActionResult{Tags: applied, Output: out.String()}, core.Fail(fmt.Errorf("recording publish of %s: %w", ref, err))
		}
		applied = append(applied, ref)
	}

	return &core.ActionResult{
		Artifact: applied[len(applied)-1],
		Tags:     applied,
		Output:   out.String(),
	}, nil
}

// classify maps registry errors onto the failure taxonomy: auth problems are
// fatal, network problems are retryable.
func classify(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, container.ErrUnauthorized):
		return core.Fail(err)
	case errors.Is(err, container.ErrUnavailable):
		return core.Transient(err)
	default:
		return core.Fail(err)
	}
}

func serverName(s string) string {
	if s == "" {
		return "default registry"
	}
	return s
}
