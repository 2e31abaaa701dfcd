package core

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"time"
)

// ProcessExecutor runs a command descriptor in a working directory.
// A non-zero exit is reported through ProcessResult.ExitCode, not as an error;
// an error means the process could not be run at all or ctx ended.
type ProcessExecutor interface {
	Exec(ctx context.Context, cmd Command, dir string) (*ProcessResult, error)
}

// ProcessResult is the outcome of one process invocation.
type ProcessResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Combined returns stdout followed by stderr.
func (r *ProcessResult) Combined() string {
	if r == nil {
		return ""
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Executor runs commands in a shell (sh -c).
type Executor struct {
	Shell string
}

func NewExecutor() *Executor {
	return &Executor{Shell: "sh"}
}

// Exec runs cmd.Run with the current environment plus cmd.Env. The process is
// killed when ctx ends.
func (e *Executor) Exec(ctx context.Context, cmd Command, dir string) (*ProcessResult, error) {
	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}

	c := exec.CommandContext(ctx, shell, "-c", cmd.Run)
	c.Dir = dir
	c.WaitDelay = 2 * time.Second
	c.Env = append(os.Environ(), envList(cmd.Env)...)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := &ProcessResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
