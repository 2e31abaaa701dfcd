package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"blockci/internal/ledger"
	"blockci/internal/security"
	"blockci/internal/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultConcurrency  = 4
	DefaultStageTimeout = 30 * time.Minute
)

// Runner ties together Resolver + Scheduler + Executor + log storage + ledger.
// It executes one run at a time; independent stages within a run execute
// concurrently up to Concurrency.
type Runner struct {
	Scheduler    *Scheduler
	Executor     ProcessExecutor
	LogStorage   *storage.LogStorage // optional
	Ledger       *ledger.Ledger      // optional
	Concurrency  int
	StageTimeout time.Duration
	Sleeper      Sleeper
	Logger       *slog.Logger
	Events       *EventEmitter
	Tracer       trace.Tracer

	mu sync.Mutex
}

// NewRunner returns a Runner with default limits that runs commands with exec.
func NewRunner(exec ProcessExecutor) *Runner {
	return &Runner{
		Scheduler:    NewScheduler(),
		Executor:     exec,
		Concurrency:  DefaultConcurrency,
		StageTimeout: DefaultStageTimeout,
		Sleeper:      DefaultSleeper,
		Logger:       slog.New(slog.DiscardHandler),
		Events:       NewEventEmitter(),
		Tracer:       otel.Tracer("blockci/core"),
	}
}

func (r *Runner) tracer() trace.Tracer {
	if r.Tracer == nil {
		return otel.Tracer("blockci/core")
	}
	return r.Tracer
}

// On registers an event listener.
func (r *Runner) On(listener func(Event)) {
	r.Events.On(listener)
}

type completion struct {
	idx    int
	result StageResult
	output string
}

// Run executes g for ectx and returns the Run Report. Stage failures are
// reported as outcomes, never as an error; an error means the run could not
// be carried out at all. Cancelling ctx skips every stage that has not
// finished with reason cancelled.
func (r *Runner) Run(ctx context.Context, g *Graph, ectx *Context) (*Report, error) {
	if g == nil {
		return nil, errors.New("nil stage graph")
	}
	if ectx == nil {
		return nil, errors.New("nil execution context")
	}
	if r.Executor == nil {
		return nil, errors.New("runner has no process executor")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := r.tracer().Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("pipeline.name", g.name),
		attribute.String("run.id", ectx.RunID()),
		attribute.String("trigger.type", string(ectx.TriggerType())),
		attribute.String("trigger.branch", ectx.Branch()),
		attribute.Int("stages.count", len(g.stages)),
	))
	defer span.End()

	started := time.Now()
	r.emit(g, Event{Type: EventRunStarted, RunID: ectx.RunID()})

	st := newRunState(g)
	for _, res := range Resolve(g, ectx) {
		if res.Eligible {
			continue
		}
		idx := g.index[res.Stage.Name]
		detail := "predicate not satisfied"
		if res.Reason == ReasonUpstreamSkipped {
			detail = fmt.Sprintf("upstream stage %q was skipped", res.Blocker)
		}
		st.skip(idx, res.Reason, detail)
		r.recordStage(g, ectx, st.results[idx])
	}

	limit := r.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	done := make(chan completion, len(g.stages))
	inFlight := 0
	cancelled := false
	ctxDone := ctx.Done()

	for {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			for _, idx := range g.order {
				if st.status[idx] == statusPending {
					st.skip(idx, ReasonCancelled, "run cancelled before stage started")
					r.recordStage(g, ectx, st.results[idx])
				}
			}
		}

		if !cancelled {
			ready, skipped := r.Scheduler.Next(st)
			for _, idx := range skipped {
				r.recordStage(g, ectx, st.results[idx])
			}
			for _, idx := range ready {
				if inFlight >= limit {
					break
				}
				st.status[idx] = statusRunning
				inFlight++
				stage := g.stages[idx]
				r.emit(g, Event{Type: EventStageStarted, RunID: ectx.RunID(), Stage: stage.Name})
				go func(idx int, stage Stage) {
					done <- r.execute(ctx, g, idx, stage, ectx)
				}(idx, stage)
			}
		}

		if inFlight == 0 {
			if !cancelled && !st.done() {
				err := fmt.Errorf("run %s stalled with no runnable stages", ectx.RunID())
				span.RecordError(err)
				span.SetStatus(codes.Error, "run stalled")
				return nil, err
			}
			break
		}

		select {
		case c := <-done:
			inFlight--
			r.complete(g, ectx, st, c)
		case <-ctxDone:
			ctxDone = nil
		}
	}

	results := st.ordered()
	report := &Report{
		runID:      ectx.RunID(),
		pipeline:   g.name,
		trigger:    ectx.Trigger(),
		startedAt:  started,
		finishedAt: time.Now(),
		verdict:    verdictOf(results, cancelled),
		stages:     results,
	}

	if r.Ledger != nil {
		if data, err := json.Marshal(report); err != nil {
			r.Logger.Warn("cannot encode report for ledger", "run", report.runID, "error", err)
		} else if err := r.Ledger.AppendRun(report.runID, string(report.verdict), data); err != nil {
			r.Logger.Warn("cannot append run to ledger", "run", report.runID, "error", err)
		}
	}

	span.SetAttributes(attribute.String("run.verdict", string(report.verdict)))
	if report.verdict == VerdictSucceeded {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "run "+string(report.verdict))
	}

	r.emit(g, Event{Type: EventRunFinished, RunID: report.runID, Report: report})
	return report, nil
}

// complete stores the output and artifact of a finished stage and records it.
func (r *Runner) complete(g *Graph, ectx *Context, st *runState, c completion) {
	res := c.result
	if res.Outcome == OutcomeSucceeded && res.Artifact != "" {
		if err := ectx.AddArtifact(res.Stage, res.Artifact); err != nil {
			r.Logger.Warn("cannot record artifact", "run", ectx.RunID(), "stage", res.Stage, "error", err)
		}
	}
	if r.LogStorage != nil && res.Attempts > 0 {
		path, err := r.LogStorage.SaveLog(ectx.RunID(), res.Stage, c.output)
		if err != nil {
			r.Logger.Warn("failed to save stage log", "run", ectx.RunID(), "stage", res.Stage, "error", err)
		} else {
			res.LogPath = path
		}
	}
	st.finish(c.idx, res)
	r.recordStage(g, ectx, res)
}

// recordStage appends a terminal stage to the ledger (best effort) and emits it.
func (r *Runner) recordStage(g *Graph, ectx *Context, res StageResult) {
	if r.Ledger != nil {
		if err := r.Ledger.AppendStage(ectx.RunID(), res.Stage, strings.TrimPrefix(res.String(), res.Stage+":"), res.Artifact, res.LogPath); err != nil {
			r.Logger.Warn("cannot append stage to ledger", "run", ectx.RunID(), "stage", res.Stage, "error", err)
		}
	}
	r.emit(g, Event{Type: EventStageFinished, RunID: ectx.RunID(), Stage: res.Stage, Result: &res})
}

func (r *Runner) emit(g *Graph, ev Event) {
	if r.Events == nil {
		return
	}
	ev.Pipeline = g.name
	r.Events.Emit(ev)
}

// execute runs every attempt of one stage. It is called on the stage's own goroutine.
func (r *Runner) execute(ctx context.Context, g *Graph, idx int, stage Stage, ectx *Context) completion {
	ctx, span := r.tracer().Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("stage.name", stage.Name),
	))
	defer span.End()

	res := StageResult{Stage: stage.Name, StartedAt: time.Now()}
	var output strings.Builder
	finish := func() completion {
		res.Duration = time.Since(res.StartedAt)
		span.SetAttributes(
			attribute.String("stage.outcome", string(res.Outcome)),
			attribute.Int("stage.attempts", res.Attempts),
		)
		if res.Outcome == OutcomeFailed {
			span.SetStatus(codes.Error, res.ErrorDetail)
		}
		return completion{idx: idx, result: res, output: output.String()}
	}

	env, redactor, err := r.stageEnv(stage, ectx)
	if err != nil {
		res.Attempts = 1
		res.Outcome = OutcomeFailed
		res.ErrorDetail = err.Error()
		fmt.Fprintf(&output, "%s\n", err)
		return finish()
	}

	timeout := stage.Timeout
	if timeout <= 0 {
		timeout = r.StageTimeout
	}
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	sleeper := r.Sleeper
	if sleeper == nil {
		sleeper = DefaultSleeper
	}
	maxAttempts := stage.Retry.attempts()
	var delays []time.Duration

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		actx, cancel := context.WithTimeout(ctx, timeout)
		ar, err := stage.Action.Execute(actx, &StageContext{
			RunID:   ectx.RunID(),
			Stage:   stage.Name,
			Attempt: attempt,
			Run:     ectx,
			Exec:    r.Executor,
			Env:     env,
		})
		timedOut := errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if ar != nil && ar.Output != "" {
			if maxAttempts > 1 {
				fmt.Fprintf(&output, "--- attempt %d ---\n", attempt)
			}
			output.WriteString(redactor.Redact(ar.Output))
			if !strings.HasSuffix(ar.Output, "\n") {
				output.WriteByte('\n')
			}
		}
		if ar != nil {
			res.Tags = append([]string(nil), ar.Tags...)
		}

		// A completed success stands even if the run was cancelled meanwhile.
		switch {
		case err == nil:
			res.Outcome = OutcomeSucceeded
			if ar != nil {
				res.Artifact = ar.Artifact
			}
			if len(delays) > 0 {
				res.ErrorDetail = "succeeded " + attemptSummary(attempt, delays)
			}
			return finish()

		case ctx.Err() != nil:
			res.Outcome = OutcomeSkipped
			res.Reason = ReasonCancelled
			res.ErrorDetail = (&CancelledFailure{Cause: ctx.Err()}).Error()
			return finish()

		case timedOut:
			res.Outcome = OutcomeFailed
			res.ErrorDetail = fmt.Sprintf("timed out after %s", timeout)
			return finish()

		case IsTransient(err) && attempt < maxAttempts:
			delay := stage.Retry.Backoff.DelayForAttempt(attempt)
			delays = append(delays, delay)
			fmt.Fprintf(&output, "attempt %d failed: %s; retrying in %s\n", attempt, redactor.Redact(err.Error()), delay)
			r.emit(g, Event{
				Type:    EventStageRetrying,
				RunID:   ectx.RunID(),
				Stage:   stage.Name,
				Attempt: attempt,
				Delay:   delay,
				Err:     redactor.Redact(err.Error()),
			})
			if err := sleeper.Sleep(ctx, delay); err != nil {
				res.Outcome = OutcomeSkipped
				res.Reason = ReasonCancelled
				res.ErrorDetail = (&CancelledFailure{Cause: err}).Error()
				return finish()
			}

		default:
			res.Outcome = OutcomeFailed
			detail := redactor.Redact(err.Error())
			if IsTransient(err) && maxAttempts > 1 {
				detail += "; retries exhausted, " + attemptSummary(attempt, delays)
			}
			res.ErrorDetail = detail
			return finish()
		}
	}
}

func attemptSummary(attempts int, delays []time.Duration) string {
	ds := make([]string, len(delays))
	for i, d := range delays {
		ds[i] = d.Round(time.Millisecond).String()
	}
	return fmt.Sprintf("after %d attempts (delays: %s)", attempts, strings.Join(ds, ", "))
}

// stageEnv builds the environment for one stage: CI variables, upstream
// artifacts and resolved secrets. The returned Redactor masks secret values.
func (r *Runner) stageEnv(stage Stage, ectx *Context) (map[string]string, *security.Redactor, error) {
	env := map[string]string{
		"CI":                 "true",
		"BLOCKCI":            "true",
		"BLOCKCI_RUN_ID":     ectx.RunID(),
		"BLOCKCI_STAGE":      stage.Name,
		"BLOCKCI_TRIGGER":    string(ectx.TriggerType()),
		"BLOCKCI_BRANCH":     ectx.Branch(),
		"BLOCKCI_COMMIT_SHA": ectx.CommitSHA(),
	}
	for name, ref := range ectx.Artifacts() {
		env["BLOCKCI_ARTIFACT_"+EnvName(name)] = ref
	}

	values := make([]string, 0, len(stage.Secrets))
	for _, name := range stage.Secrets {
		v, err := ectx.Secret(name)
		if err != nil {
			return nil, nil, Fail(fmt.Errorf("resolving secret %q: %w", name, err))
		}
		env[EnvName(name)] = v
		values = append(values, v)
	}
	return env, security.NewRedactor(values...), nil
}

// EnvName converts a logical name to an environment variable name.
func EnvName(name string) string { return security.EnvName(name) }
