package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptStep is what the fake executor does for one invocation of a command.
type scriptStep struct {
	exit   int
	stdout string
	block  bool // wait for ctx to end
}

// scriptExec is a ProcessExecutor driven by a per-command script. Commands
// without a script succeed with no output.
type scriptExec struct {
	mu     sync.Mutex
	script map[string][]scriptStep
	calls  []string
	envs   map[string]map[string]string
}

func newScriptExec() *scriptExec {
	return &scriptExec{script: make(map[string][]scriptStep), envs: make(map[string]map[string]string)}
}

func (e *scriptExec) on(run string, steps ...scriptStep) *scriptExec {
	e.script[run] = steps
	return e
}

func (e *scriptExec) Exec(ctx context.Context, cmd Command, _ string) (*ProcessResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, cmd.Run)
	e.envs[cmd.Run] = cmd.Env
	var step scriptStep
	if steps := e.script[cmd.Run]; len(steps) > 0 {
		step = steps[0]
		if len(steps) > 1 {
			e.script[cmd.Run] = steps[1:]
		}
	}
	e.mu.Unlock()

	if step.block {
		<-ctx.Done()
		return &ProcessResult{ExitCode: -1}, ctx.Err()
	}
	return &ProcessResult{ExitCode: step.exit, Stdout: step.stdout}, nil
}

func (e *scriptExec) called() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *scriptExec) env(run string) map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.envs[run]
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func cmdStage(name string, deps ...string) Stage {
	return Stage{
		Name:      name,
		DependsOn: deps,
		Action:    &CommandAction{Command: Command{Run: name}},
	}
}

// sixStageGraph is build -> {unit-test, lint, format-check} -> publish -> deploy,
// with publish gated on the default branch.
func sixStageGraph(t *testing.T) *Graph {
	t.Helper()
	publish := cmdStage("publish", "build", "unit-test", "lint", "format-check")
	publish.Predicate = OnDefaultBranch()
	g, err := NewGraph("app", "main", []Stage{
		cmdStage("build"),
		cmdStage("unit-test", "build"),
		cmdStage("lint", "build"),
		cmdStage("format-check", "build"),
		publish,
		cmdStage("deploy", "publish"),
	})
	require.NoError(t, err)
	return g
}

func newTestContext(t *testing.T, branch string) *Context {
	t.Helper()
	c, err := NewContext(Trigger{Type: TriggerPush, Branch: branch, CommitSHA: "abc123"}, ContextOptions{DefaultBranch: "main"})
	require.NoError(t, err)
	return c
}

func newTestRunner(exec ProcessExecutor) *Runner {
	r := NewRunner(exec)
	r.Sleeper = &recordingSleeper{}
	return r
}
