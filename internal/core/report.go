package core

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// Outcome is the terminal state of one stage in one run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Reason explains a skipped outcome.
type Reason string

const (
	ReasonPredicate       Reason = "predicate"
	ReasonUpstreamFailed  Reason = "upstream_failed"
	ReasonUpstreamSkipped Reason = "upstream_skipped"
	ReasonCancelled       Reason = "cancelled"
)

// Verdict is the overall result of a run.
type Verdict string

const (
	VerdictSucceeded Verdict = "succeeded"
	VerdictFailed    Verdict = "failed"
	VerdictCancelled Verdict = "cancelled"
)

// StageResult is one entry of a Run Report.
type StageResult struct {
	Stage       string
	Outcome     Outcome
	Reason      Reason
	StartedAt   time.Time
	Duration    time.Duration
	Attempts    int
	ErrorDetail string
	Artifact    string
	Tags        []string
	LogPath     string
}

// String renders the result as "stage:outcome" or "stage:skipped:reason".
func (r StageResult) String() string {
	if r.Outcome == OutcomeSkipped && r.Reason != "" {
		return r.Stage + ":" + string(r.Outcome) + ":" + string(r.Reason)
	}
	return r.Stage + ":" + string(r.Outcome)
}

type stageResultJSON struct {
	Stage       string    `json:"stage"`
	Outcome     Outcome   `json:"outcome"`
	Reason      Reason    `json:"reason,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	DurationMs  int64     `json:"durationMs"`
	Attempts    int       `json:"attempts,omitempty"`
	ErrorDetail string    `json:"errorDetail,omitempty"`
	Artifact    string    `json:"artifact,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	LogPath     string    `json:"logPath,omitempty"`
}

func (r StageResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(stageResultJSON{
		Stage:       r.Stage,
		Outcome:     r.Outcome,
		Reason:      r.Reason,
		StartedAt:   r.StartedAt,
		DurationMs:  r.Duration.Milliseconds(),
		Attempts:    r.Attempts,
		ErrorDetail: r.ErrorDetail,
		Artifact:    r.Artifact,
		Tags:        r.Tags,
		LogPath:     r.LogPath,
	})
}

func (r *StageResult) UnmarshalJSON(data []byte) error {
	var v stageResultJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = StageResult{
		Stage:       v.Stage,
		Outcome:     v.Outcome,
		Reason:      v.Reason,
		StartedAt:   v.StartedAt,
		Duration:    time.Duration(v.DurationMs) * time.Millisecond,
		Attempts:    v.Attempts,
		ErrorDetail: v.ErrorDetail,
		Artifact:    v.Artifact,
		Tags:        v.Tags,
		LogPath:     v.LogPath,
	}
	return nil
}

// Report is the immutable summary of one run. It holds exactly one entry per
// stage, in execution order. Secrets never appear in a Report.
type Report struct {
	runID      string
	pipeline   string
	trigger    Trigger
	startedAt  time.Time
	finishedAt time.Time
	verdict    Verdict
	stages     []StageResult
}

func (r *Report) RunID() string           { return r.runID }
func (r *Report) Pipeline() string        { return r.pipeline }
func (r *Report) Trigger() Trigger        { return r.trigger }
func (r *Report) StartedAt() time.Time    { return r.startedAt }
func (r *Report) FinishedAt() time.Time   { return r.finishedAt }
func (r *Report) Duration() time.Duration { return r.finishedAt.Sub(r.startedAt) }
func (r *Report) Verdict() Verdict        { return r.verdict }
func (r *Report) Succeeded() bool         { return r.verdict == VerdictSucceeded }

// Stages returns a copy of the stage entries in execution order.
func (r *Report) Stages() []StageResult {
	out := make([]StageResult, len(r.stages))
	for i, s := range r.stages {
		s.Tags = slices.Clone(s.Tags)
		out[i] = s
	}
	return out
}

// Stage returns the entry for the named stage.
func (r *Report) Stage(name string) (StageResult, bool) {
	for _, s := range r.stages {
		if s.Stage == name {
			s.Tags = slices.Clone(s.Tags)
			return s, true
		}
	}
	return StageResult{}, false
}

// Outcomes lists every entry as "stage:outcome", in execution order.
func (r *Report) Outcomes() []string {
	out := make([]string, len(r.stages))
	for i, s := range r.stages {
		out[i] = s.Stage + ":" + string(s.Outcome)
	}
	return out
}

// Summary is a one-line description of the run.
func (r *Report) Summary() string {
	parts := make([]string, len(r.stages))
	for i, s := range r.stages {
		parts[i] = s.String()
	}
	return string(r.verdict) + " [" + strings.Join(parts, ", ") + "]"
}

type reportJSON struct {
	RunID      string        `json:"runId"`
	Pipeline   string        `json:"pipeline"`
	Trigger    Trigger       `json:"trigger"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	DurationMs int64         `json:"durationMs"`
	Verdict    Verdict       `json:"verdict"`
	Stages     []StageResult `json:"stages"`
}

func (r *Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(reportJSON{
		RunID:      r.runID,
		Pipeline:   r.pipeline,
		Trigger:    r.trigger,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
		DurationMs: r.Duration().Milliseconds(),
		Verdict:    r.verdict,
		Stages:     r.stages,
	})
}

// UnmarshalJSON decodes a report produced by MarshalJSON, e.g. one fetched
// from the HTTP API.
func (r *Report) UnmarshalJSON(data []byte) error {
	var v reportJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = Report{
		runID:      v.RunID,
		pipeline:   v.Pipeline,
		trigger:    v.Trigger,
		startedAt:  v.StartedAt,
		finishedAt: v.FinishedAt,
		verdict:    v.Verdict,
		stages:     v.Stages,
	}
	return nil
}

// CancelledReport is the report of a run cancelled before any stage was
// dispatched: every stage is skipped with reason cancelled.
func CancelledReport(g *Graph, ectx *Context) *Report {
	now := time.Now()
	st := newRunState(g)
	for _, idx := range g.order {
		st.skip(idx, ReasonCancelled, "run cancelled before stage started")
	}
	return &Report{
		runID:      ectx.RunID(),
		pipeline:   g.name,
		trigger:    ectx.Trigger(),
		startedAt:  now,
		finishedAt: now,
		verdict:    VerdictCancelled,
		stages:     st.ordered(),
	}
}

func verdictOf(results []StageResult, cancelled bool) Verdict {
	for _, s := range results {
		if s.Outcome == OutcomeFailed {
			return VerdictFailed
		}
	}
	if cancelled {
		return VerdictCancelled
	}
	return VerdictSucceeded
}
