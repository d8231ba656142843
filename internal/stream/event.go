// Package stream fans out workflow run events to websocket subscribers.
package stream

import (
	"time"
)

// Event types published during a run.
const (
	EventRunStarted   = "run.started"
	EventAgentTurn    = "agent.turn"
	EventToolCall     = "tool.call"
	EventToolOutput   = "tool.output"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
)

// Event is one observable step of a workflow run.
type Event struct {
	Type         string    `json:"type"`
	ProjectID    string    `json:"project_id,omitempty"`
	InvocationID string    `json:"invocation_id,omitempty"`
	Agent        string    `json:"agent,omitempty"`
	Tool         string    `json:"tool,omitempty"`
	Data         string    `json:"data,omitempty"`
	Iteration    int       `json:"iteration,omitempty"`
	Time         time.Time `json:"time"`
}

// Emitter receives events. A nil Emitter discards them.
type Emitter func(Event)

// Emit sends ev if e is non-nil, stamping the time if unset.
func (e Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e(ev)
}
