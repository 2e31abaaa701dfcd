package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfig marks an invalid pipeline definition or stage graph.
	ErrConfig = errors.New("invalid pipeline configuration")
	// ErrCycle marks a dependency cycle; it always comes wrapped in a ConfigError.
	ErrCycle = errors.New("dependency cycle")
	// ErrStageFailed marks a deterministic stage failure.
	ErrStageFailed = errors.New("stage failed")
	// ErrTransient marks a failure that may succeed when retried.
	ErrTransient = errors.New("transient failure")
	// ErrCancelled marks an operator-initiated abort.
	ErrCancelled = errors.New("run cancelled")
)

// ConfigError is returned before any stage runs when the graph cannot be executed.
type ConfigError struct {
	Kind error // ErrConfig or ErrCycle
	Msg  string
}

func (e *ConfigError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *ConfigError) Unwrap() []error {
	if e.Kind == ErrConfig {
		return []error{ErrConfig}
	}
	return []error{ErrConfig, e.Kind}
}

func configf(format string, args ...any) error {
	return &ConfigError{Kind: ErrConfig, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	return &ConfigError{Kind: ErrCycle, Msg: strings.Join(path, " -> ")}
}

// StageFailure is a deterministic failure: a non-zero exit, a refused
// precondition, or a transient failure whose retries ran out. It is never retried.
type StageFailure struct {
	ExitCode int
	Err      error
}

func (e *StageFailure) Error() string {
	switch {
	case e.Err != nil && e.ExitCode != 0:
		return fmt.Sprintf("exit code %d: %v", e.ExitCode, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return fmt.Sprintf("exit code %d", e.ExitCode)
	}
}

func (e *StageFailure) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStageFailed}
	}
	return []error{ErrStageFailed, e.Err}
}

// TransientFailure wraps an error that the runner may retry under the
// stage's retry policy.
type TransientFailure struct {
	Err error
}

func (e *TransientFailure) Error() string {
	if e.Err == nil {
		return ErrTransient.Error()
	}
	return "transient: " + e.Err.Error()
}

func (e *TransientFailure) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransient}
	}
	return []error{ErrTransient, e.Err}
}

// CancelledFailure records that a stage was aborted by run cancellation.
type CancelledFailure struct {
	Cause error
}

func (e *CancelledFailure) Error() string {
	if e.Cause == nil {
		return ErrCancelled.Error()
	}
	return fmt.Sprintf("%s: %v", ErrCancelled, e.Cause)
}

func (e *CancelledFailure) Unwrap() error { return ErrCancelled }

// Fail wraps err as a deterministic stage failure.
func Fail(err error) error {
	return &StageFailure{Err: err}
}

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return &TransientFailure{Err: err}
}

// IsTransient reports whether err is retryable. A StageFailure anywhere in the
// chain takes precedence over an inner TransientFailure.
func IsTransient(err error) bool {
	var sf *StageFailure
	if errors.As(err, &sf) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
