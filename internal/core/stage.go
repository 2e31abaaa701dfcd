package core

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Command is an opaque invocation descriptor handed to the ProcessExecutor.
type Command struct {
	Run string            // shell command, e.g. "go test ./..."
	Env map[string]string // extra environment on top of the runner's
}

// Stage is one named, independently invocable unit of work.
type Stage struct {
	Name      string
	DependsOn []string
	Predicate Predicate
	Retry     RetryPolicy
	Timeout   time.Duration // zero means the runner default
	Secrets   []string      // logical secret names resolved at invocation time
	Action    Action
}

func (s Stage) clone() Stage {
	s.DependsOn = slices.Clone(s.DependsOn)
	s.Secrets = slices.Clone(s.Secrets)
	return s
}

// Action performs a stage's work. It returns a TransientFailure for errors the
// runner may retry; any other error fails the stage. The result may be non-nil
// alongside an error to carry output.
type Action interface {
	Execute(ctx context.Context, sc *StageContext) (*ActionResult, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, sc *StageContext) (*ActionResult, error)

func (f ActionFunc) Execute(ctx context.Context, sc *StageContext) (*ActionResult, error) {
	return f(ctx, sc)
}

// ActionResult is what a stage reports back to the runner.
type ActionResult struct {
	Artifact string   // recorded in the run's artifact map under the stage name
	Tags     []string // registry references applied by a publish stage
	Output   string   // combined process output, stored in the stage log
	ExitCode int
}

// StageContext is handed to an Action for one attempt.
type StageContext struct {
	RunID   string
	Stage   string
	Attempt int
	Run     *Context
	Exec    ProcessExecutor
	Env     map[string]string // CI variables and resolved secrets; never log
}

// CommandAction runs a shell command through the ProcessExecutor.
type CommandAction struct {
	Command Command
	// ArtifactFromStdout records the last non-empty stdout line as the stage artifact.
	ArtifactFromStdout bool
	// TransientExitCodes lists exit codes treated as retryable.
	TransientExitCodes []int
}

func (a *CommandAction) Execute(ctx context.Context, sc *StageContext) (*ActionResult, error) {
	env := make(map[string]string, len(a.Command.Env)+len(sc.Env))
	for k, v := range a.Command.Env {
		env[k] = v
	}
	for k, v := range sc.Env {
		env[k] = v
	}
	cmd := Command{Run: a.Command.Run, Env: env}

	res, err := sc.Exec.Exec(ctx, cmd, sc.Run.WorkDir())
	if err != nil {
		if ctx.Err() != nil {
			return outputOf(res), ctx.Err()
		}
		return outputOf(res), Fail(fmt.Errorf("starting command: %w", err))
	}

	out := &ActionResult{Output: res.Combined(), ExitCode: res.ExitCode}
	if res.ExitCode != 0 {
		sf := &StageFailure{ExitCode: res.ExitCode, Err: fmt.Errorf("command %q", a.Command.Run)}
		if slices.Contains(a.TransientExitCodes, res.ExitCode) {
			return out, Transient(fmt.Errorf("exit code %d", res.ExitCode))
		}
		return out, sf
	}
	if a.ArtifactFromStdout {
		out.Artifact = lastLine(res.Stdout)
		if out.Artifact == "" {
			return out, Fail(fmt.Errorf("command produced no artifact reference on stdout"))
		}
	}
	return out, nil
}

func outputOf(res *ProcessResult) *ActionResult {
	if res == nil {
		return nil
	}
	return &ActionResult{Output: res.Combined(), ExitCode: res.ExitCode}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
