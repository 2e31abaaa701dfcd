package core

import "fmt"

type stageStatus int

const (
	statusPending stageStatus = iota
	statusRunning
	statusDone
)

// runState tracks every stage of one run by declaration index. It is owned by
// the runner's coordinator goroutine.
type runState struct {
	graph   *Graph
	status  []stageStatus
	results []StageResult
}

func newRunState(g *Graph) *runState {
	st := &runState{
		graph:   g,
		status:  make([]stageStatus, len(g.stages)),
		results: make([]StageResult, len(g.stages)),
	}
	for i, s := range g.stages {
		st.results[i].Stage = s.Name
	}
	return st
}

func (st *runState) finish(idx int, res StageResult) {
	st.status[idx] = statusDone
	st.results[idx] = res
}

func (st *runState) skip(idx int, reason Reason, detail string) {
	st.finish(idx, StageResult{
		Stage:       st.graph.stages[idx].Name,
		Outcome:     OutcomeSkipped,
		Reason:      reason,
		ErrorDetail: detail,
	})
}

func (st *runState) done() bool {
	for _, s := range st.status {
		if s != statusDone {
			return false
		}
	}
	return true
}

// ordered returns the results in execution order.
func (st *runState) ordered() []StageResult {
	out := make([]StageResult, 0, len(st.results))
	for _, idx := range st.graph.order {
		out = append(out, st.results[idx])
	}
	return out
}

// Scheduler decides which stages of a run can be dispatched next.
type Scheduler struct{}

// NewScheduler creates a new scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Next walks pending stages in execution order. A stage whose dependencies
// all succeeded is ready; a stage with a dependency that ended any other way
// is skipped in place (and, because of the walk order, so is everything below
// it). Ready stages are returned in execution order, skipped ones likewise.
func (s *Scheduler) Next(st *runState) (ready, skipped []int) {
	g := st.graph
	for _, idx := range g.order {
		if st.status[idx] != statusPending {
			continue
		}

		waiting := false
		blocked := -1
		for _, d := range g.deps[idx] {
			if st.status[d] != statusDone {
				waiting = true
				continue
			}
			if st.results[d].Outcome != OutcomeSucceeded {
				blocked = d
				break
			}
		}

		switch {
		case blocked >= 0:
			up := st.results[blocked]
			if up.Outcome == OutcomeFailed {
				st.skip(idx, ReasonUpstreamFailed, fmt.Sprintf("upstream stage %q failed", up.Stage))
			} else {
				st.skip(idx, ReasonUpstreamSkipped, fmt.Sprintf("upstream stage %q was skipped", up.Stage))
			}
			skipped = append(skipped, idx)
		case !waiting:
			ready = append(ready, idx)
		}
	}
	return ready, skipped
}
