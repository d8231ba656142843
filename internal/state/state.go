// Package state holds the mutable result of one agent network run: the
// generated file map and the final task summary.
package state

import (
	"maps"
	"sync"
)

// State is shared by every tool call and by the router of one invocation.
// It is safe for concurrent use.
type State struct {
	mu      sync.RWMutex
	summary string
	files   map[string]string
}

// New returns an empty state.
func New() *State {
	return &State{files: make(map[string]string)}
}

// Summary returns the task summary, empty until the agent emits one.
func (s *State) Summary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summary
}

// SetSummary records the task summary. An empty summary is ignored so the
// state can never move back to "not done".
func (s *State) SetSummary(summary string) {
	if summary == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = summary
}

// Files returns a copy of the file map.
func (s *State) Files() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.files)
}

// MergeFiles overlays updated onto the file map. Paths not present in
// updated keep their content; paths present are overwritten.
func (s *State) MergeFiles(updated map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.Copy(s.files, updated)
}

// Snapshot is an immutable copy of a State.
type Snapshot struct {
	Summary string            `json:"summary"`
	Files   map[string]string `json:"files"`
}

// Snapshot returns the current summary and a copy of the files.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Summary: s.summary, Files: maps.Clone(s.files)}
}
