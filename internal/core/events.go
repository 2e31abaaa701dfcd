package core

import (
	"log/slog"
	"sync"
	"time"
)

// EventType represents the type of runner event.
type EventType string

const (
	EventRunStarted    EventType = "run_started"
	EventRunFinished   EventType = "run_finished"
	EventStageStarted  EventType = "stage_started"
	EventStageRetrying EventType = "stage_retrying"
	EventStageFinished EventType = "stage_finished"
)

// Event is an observable runner event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	RunID     string
	Pipeline  string
	Stage     string
	Attempt   int
	Delay     time.Duration // before the next attempt, for EventStageRetrying
	Err       string
	Result    *StageResult // for EventStageFinished
	Report    *Report      // for EventRunFinished
}

// EventEmitter manages event listeners and dispatches events.
type EventEmitter struct {
	mu        sync.RWMutex
	listeners []func(Event)
}

// NewEventEmitter creates a new EventEmitter.
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{}
}

// On registers a listener. Listeners are called synchronously in registration
// order. Run and stage lifecycle events come from the runner's coordinator
// goroutine; EventStageRetrying comes from the stage's own goroutine, so
// listeners must be safe for concurrent use.
func (e *EventEmitter) On(listener func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, listener)
}

// Emit dispatches an event to all registered listeners.
func (e *EventEmitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	e.mu.RLock()
	listeners := make([]func(Event), len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.RUnlock()

	for _, listener := range listeners {
		listener(event)
	}
}

// LogEvents returns a listener that writes events to logger.
func LogEvents(logger *slog.Logger) func(Event) {
	return func(ev Event) {
		switch ev.Type {
		case EventRunStarted:
			logger.Info("run started", "run", ev.RunID, "pipeline", ev.Pipeline)
		case EventStageStarted:
			logger.Info("stage started", "run", ev.RunID, "stage", ev.Stage)
		case EventStageRetrying:
			logger.Warn("stage retrying", "run", ev.RunID, "stage", ev.Stage,
				"attempt", ev.Attempt, "delay", ev.Delay, "error", ev.Err)
		case EventStageFinished:
			r := ev.Result
			attrs := []any{"run", ev.RunID, "stage", ev.Stage, "outcome", r.Outcome}
			if r.Reason != "" {
				attrs = append(attrs, "reason", r.Reason)
			}
			if r.Outcome != OutcomeSkipped {
				attrs = append(attrs, "duration", r.Duration, "attempts", r.Attempts)
			}
			if r.Artifact != "" {
				attrs = append(attrs, "artifact", r.Artifact)
			}
			if r.Outcome == OutcomeFailed {
				logger.Error("stage finished", append(attrs, "error", r.ErrorDetail)...)
				return
			}
			logger.Info("stage finished", attrs...)
		case EventRunFinished:
			logger.Info("run finished", "run", ev.RunID, "pipeline", ev.Pipeline,
				"verdict", ev.Report.Verdict(), "duration", ev.Report.Duration())
		}
	}
}
