package core

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Stage kinds understood by Compile.
const (
	KindRun     = "run"
	KindBuild   = "build"
	KindPublish = "publish"
)

// Pipeline represents the entire CI/CD pipeline as written in pipeline.yaml.
type Pipeline struct {
	Name          string      `yaml:"name"`
	DefaultBranch string      `yaml:"defaultBranch,omitempty"`
	Concurrency   int         `yaml:"concurrency,omitempty"`
	StageTimeout  Duration    `yaml:"stageTimeout,omitempty"`
	Stages        []StageSpec `yaml:"stages"`
}

// StageSpec is one stage entry of a pipeline definition.
type StageSpec struct {
	Name      string            `yaml:"name"`
	Kind      string            `yaml:"kind,omitempty"`
	Run       string            `yaml:"run,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	DependsOn []string          `yaml:"dependsOn,omitempty"`
	When      *WhenSpec         `yaml:"when,omitempty"`
	Retry     *RetrySpec        `yaml:"retry,omitempty"`
	Timeout   Duration          `yaml:"timeout,omitempty"`
	Secrets   []string          `yaml:"secrets,omitempty"`
	Artifact  string            `yaml:"artifact,omitempty"` // "stdout"
	Build     *BuildSpec        `yaml:"build,omitempty"`
	Publish   *PublishSpec      `yaml:"publish,omitempty"`
}

// KindOrDefault returns the stage kind, KindRun when unset.
func (s StageSpec) KindOrDefault() string {
	if s.Kind == "" {
		return KindRun
	}
	return s.Kind
}

// WhenSpec restricts a stage to some branches and trigger types. Empty lists
// do not restrict.
type WhenSpec struct {
	Branches []string `yaml:"branches,omitempty"`
	Triggers []string `yaml:"triggers,omitempty"`
}

// RetrySpec is the YAML form of a RetryPolicy.
type RetrySpec struct {
	MaxAttempts  int      `yaml:"maxAttempts"`
	InitialDelay Duration `yaml:"initialDelay,omitempty"`
	Factor       float64  `yaml:"factor,omitempty"`
	MaxDelay     Duration `yaml:"maxDelay,omitempty"`
	Jitter       bool     `yaml:"jitter,omitempty"`
	// ExitCodes lists process exit codes treated as transient.
	ExitCodes []int `yaml:"exitCodes,omitempty"`
}

// Policy converts the spec to a RetryPolicy.
func (r *RetrySpec) Policy() RetryPolicy {
	if r == nil {
		return RetryPolicy{}
	}
	return RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		Backoff: BackoffConfig{
			InitialDelay: r.InitialDelay.Duration(),
			Factor:       r.Factor,
			MaxDelay:     r.MaxDelay.Duration(),
			Jitter:       r.Jitter,
		},
	}
}

// BuildSpec configures a container image build.
type BuildSpec struct {
	Context    string            `yaml:"context,omitempty"`
	Dockerfile string            `yaml:"dockerfile,omitempty"`
	Tag        string            `yaml:"tag,omitempty"`
	Platform   string            `yaml:"platform,omitempty"`
	Args       map[string]string `yaml:"args,omitempty"`
}

// PublishSpec configures a publish stage.
type PublishSpec struct {
	Source         string `yaml:"source"`
	Repository     string `yaml:"repository"`
	Server         string `yaml:"server,omitempty"`
	UsernameSecret string `yaml:"usernameSecret,omitempty"`
	PasswordSecret string `yaml:"passwordSecret,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("90s", "5m").
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"30s\"", value.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	if parsed < 0 {
		return fmt.Errorf("line %d: duration %q is negative", value.Line, s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
