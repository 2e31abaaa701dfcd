package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"blockci/internal/security"

	"github.com/google/uuid"
)

// TriggerType identifies what started a run.
type TriggerType string

const (
	TriggerPush        TriggerType = "push"
	TriggerPullRequest TriggerType = "pull_request"
	TriggerManual      TriggerType = "manual"
)

// ParseTriggerType parses a trigger name.
func ParseTriggerType(s string) (TriggerType, error) {
	switch t := TriggerType(strings.ToLower(strings.TrimSpace(s))); t {
	case TriggerPush, TriggerPullRequest, TriggerManual:
		return t, nil
	default:
		return "", fmt.Errorf("unknown trigger type %q (want push, pull_request or manual)", s)
	}
}

// Trigger is the inbound source-control event that starts a run.
type Trigger struct {
	Type      TriggerType `json:"type"`
	Branch    string      `json:"branch"`
	CommitSHA string      `json:"commitSHA"`
}

// Validate checks that the trigger identifies the code under test.
func (t Trigger) Validate() error {
	if _, err := ParseTriggerType(string(t.Type)); err != nil {
		return err
	}
	if t.Branch == "" {
		return fmt.Errorf("trigger branch is required")
	}
	if t.CommitSHA == "" {
		return fmt.Errorf("trigger commitSHA is required")
	}
	return nil
}

// ContextOptions configures a new Context.
type ContextOptions struct {
	DefaultBranch string
	WorkDir       string
	Secrets       security.SecretResolver
}

// Context is the per-run execution environment. Everything but the artifact
// map is read-only after creation; artifacts only grow, one key per producing stage.
type Context struct {
	runID         string
	trigger       Trigger
	defaultBranch string
	workDir       string
	secrets       security.SecretResolver

	mu        sync.Mutex
	artifacts map[string]string
}

// NewContext creates the execution context for one run of trigger.
func NewContext(t Trigger, opts ContextOptions) (*Context, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.Type, _ = ParseTriggerType(string(t.Type))
	def := opts.DefaultBranch
	if def == "" {
		def = DefaultBranchName
	}
	return &Context{
		runID:         uuid.NewString(),
		trigger:       t,
		defaultBranch: def,
		workDir:       opts.WorkDir,
		secrets:       opts.Secrets,
		artifacts:     make(map[string]string),
	}, nil
}

func (c *Context) RunID() string            { return c.runID }
func (c *Context) Trigger() Trigger         { return c.trigger }
func (c *Context) TriggerType() TriggerType { return c.trigger.Type }
func (c *Context) Branch() string           { return c.trigger.Branch }
func (c *Context) CommitSHA() string        { return c.trigger.CommitSHA }
func (c *Context) DefaultBranch() string    { return c.defaultBranch }
func (c *Context) WorkDir() string          { return c.workDir }
func (c *Context) IsDefaultBranch() bool    { return c.trigger.Branch == c.defaultBranch }

// Secret resolves a logical secret name. Callers must not log the value.
func (c *Context) Secret(name string) (string, error) {
	if c.secrets == nil {
		return "", fmt.Errorf("%w: %s (no secret store configured)", security.ErrSecretNotFound, name)
	}
	return c.secrets.Resolve(name)
}

// AddArtifact records the artifact produced by stage. Each stage may write
// its own key once.
func (c *Context) AddArtifact(stage, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.artifacts[stage]; ok {
		return fmt.Errorf("artifact for stage %q already recorded", stage)
	}
	c.artifacts[stage] = ref
	return nil
}

// Artifact returns the artifact produced by stage, if any.
func (c *Context) Artifact(stage string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.artifacts[stage]
	return ref, ok
}

// Artifacts returns a copy of the artifact map.
func (c *Context) Artifacts() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.artifacts))
	for k, v := range c.artifacts {
		out[k] = v
	}
	return out
}

// String describes the run without secrets.
func (c *Context) String() string {
	arts := c.Artifacts()
	names := make([]string, 0, len(arts))
	for k := range arts {
		names = append(names, k)
	}
	sort.Strings(names)
	return fmt.Sprintf("run %s: %s %s@%s artifacts=%v", c.runID, c.trigger.Type, c.trigger.Branch, c.trigger.CommitSHA, names)
}
