package core

import (
	"fmt"
	"path"
	"slices"
)

// ActionBuilder creates the Action for one stage spec.
type ActionBuilder func(spec StageSpec) (Action, error)

// Kinds maps stage kinds to their action builders.
type Kinds map[string]ActionBuilder

// NewKinds returns the kinds every pipeline may use: run.
func NewKinds() Kinds {
	return Kinds{KindRun: runAction}
}

// Register adds or replaces the builder for kind.
func (k Kinds) Register(kind string, b ActionBuilder) Kinds {
	k[kind] = b
	return k
}

func runAction(spec StageSpec) (Action, error) {
	if spec.Run == "" {
		return nil, fmt.Errorf("run stage needs a command")
	}
	a := &CommandAction{
		Command:            Command{Run: spec.Run, Env: spec.Env},
		ArtifactFromStdout: spec.Artifact == "stdout",
	}
	if spec.Retry != nil {
		a.TransientExitCodes = slices.Clone(spec.Retry.ExitCodes)
	}
	return a, nil
}

// Compile turns a parsed pipeline definition into an immutable Graph.
// Publish stages always carry the default-branch predicate, and get
// DefaultPublishRetry when they declare no retry policy.
func Compile(p *Pipeline, kinds Kinds) (*Graph, error) {
	if p == nil {
		return nil, configf("nil pipeline")
	}
	if kinds == nil {
		kinds = NewKinds()
	}

	stages := make([]Stage, 0, len(p.Stages))
	for _, spec := range p.Stages {
		st, err := compileStage(spec, kinds)
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	return NewGraph(p.Name, p.DefaultBranch, stages)
}

func compileStage(spec StageSpec, kinds Kinds) (Stage, error) {
	kind := spec.KindOrDefault()
	build, ok := kinds[kind]
	if !ok {
		return Stage{}, configf("stage %q: no action registered for kind %q", spec.Name, kind)
	}
	if err := checkKindFields(spec, kind); err != nil {
		return Stage{}, err
	}

	pred, err := whenPredicate(spec)
	if err != nil {
		return Stage{}, err
	}

	action, err := build(spec)
	if err != nil {
		return Stage{}, configf("stage %q: %v", spec.Name, err)
	}

	st := Stage{
		Name:      spec.Name,
		DependsOn: slices.Clone(spec.DependsOn),
		Predicate: pred,
		Retry:     spec.Retry.Policy(),
		Timeout:   spec.Timeout.Duration(),
		Secrets:   slices.Clone(spec.Secrets),
		Action:    action,
	}

	if kind == KindPublish {
		st.Predicate = All(OnDefaultBranch(), pred)
		if spec.Retry == nil {
			st.Retry = DefaultPublishRetry
		}
		for _, s := range []string{spec.Publish.UsernameSecret, spec.Publish.PasswordSecret} {
			if s != "" && !slices.Contains(st.Secrets, s) {
				st.Secrets = append(st.Secrets, s)
			}
		}
	}
	return st, nil
}

func checkKindFields(spec StageSpec, kind string) error {
	if spec.Build != nil && kind != KindBuild {
		return configf("stage %q: build settings on a %s stage", spec.Name, kind)
	}
	if spec.Publish != nil && kind != KindPublish {
		return configf("stage %q: publish settings on a %s stage", spec.Name, kind)
	}
	switch kind {
	case KindBuild:
		if spec.Build == nil {
			return configf("stage %q: build stage needs build settings", spec.Name)
		}
	case KindPublish:
		if spec.Publish == nil {
			return configf("stage %q: publish stage needs publish settings", spec.Name)
		}
		if !slices.Contains(spec.DependsOn, spec.Publish.Source) {
			return configf("stage %q: publish source %q must be listed in dependsOn", spec.Name, spec.Publish.Source)
		}
	}
	return nil
}

func whenPredicate(spec StageSpec) (Predicate, error) {
	if spec.When == nil {
		return nil, nil
	}
	var preds []Predicate
	if len(spec.When.Branches) > 0 {
		for _, p := range spec.When.Branches {
			if p == DefaultBranchToken {
				continue
			}
			if _, err := path.Match(p, ""); err != nil {
				return nil, configf("stage %q: bad branch pattern %q: %v", spec.Name, p, err)
			}
		}
		preds = append(preds, OnBranches(spec.When.Branches...))
	}
	if len(spec.When.Triggers) > 0 {
		types := make([]TriggerType, 0, len(spec.When.Triggers))
		for _, t := range spec.When.Triggers {
			tt, err := ParseTriggerType(t)
			if err != nil {
				return nil, configf("stage %q: %v", spec.Name, err)
			}
			types = append(types, tt)
		}
		preds = append(preds, OnTriggers(types...))
	}
	if len(preds) == 0 {
		return nil, nil
	}
	return All(preds...), nil
}
