// Package trace writes an auditable NDJSON record of every model turn and
// tool call, one file per project invocation.
package trace

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Event types.
const (
	EventUserMessage   = "user_message"
	EventHistory       = "history_message"
	EventModelResponse = "model_response"
	EventToolCall      = "tool_call"
	EventToolResult    = "tool_result"
	EventSummary       = "task_summary"
	EventOutcome       = "outcome"
)

// Event is one NDJSON line.
type Event struct {
	Timestamp    string         `json:"ts"`
	ProjectID    string         `json:"project_id"`
	InvocationID string         `json:"invocation_id"`
	Agent        string         `json:"agent,omitempty"`
	Direction    string         `json:"direction"` // "inbound" (to the model) or "outbound"
	EventType    string         `json:"event_type"`
	ContentRaw   string         `json:"content_raw,omitempty"`
	Content      string         `json:"content,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// Logger records trace events.
type Logger interface {
	Log(event Event)
	Close() error
}

// Config controls the file logger.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

type noopLogger struct{}

func (noopLogger) Log(Event)    {}
func (noopLogger) Close() error { return nil }

// Noop returns a Logger that discards events.
func Noop() Logger { return noopLogger{} }

// ConversationLogger writes events asynchronously to
// <dir>/<project_id>/<invocation_id>.ndjson. Events are dropped, with a
// warning, when the queue is full.
type ConversationLogger struct {
	dir    string
	queue  chan Event
	logger *slog.Logger
	wg     sync.WaitGroup

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewConversationLogger starts a file logger, or returns a no-op logger when
// disabled.
func NewConversationLogger(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	l := &ConversationLogger{
		dir:    cfg.Dir,
		queue:  make(chan Event, cfg.QueueSize),
		logger: logger,
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Log enqueues an event without blocking.
func (l *ConversationLogger) Log(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("Conversation log queue full, dropping event",
			"project_id", event.ProjectID,
			"invocation_id", event.InvocationID,
			"event_type", event.EventType)
	}
}

// Close flushes queued events and stops the writer.
func (l *ConversationLogger) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
	l.wg.Wait()
	return nil
}

func (l *ConversationLogger) run() {
	defer l.wg.Done()
	for event := range l.queue {
		if err := l.write(event); err != nil {
			l.logger.Warn("Failed to write conversation log", "error", err, "invocation_id", event.InvocationID)
		}
	}
}

func (l *ConversationLogger) write(event Event) error {
	dir := filepath.Join(l.dir, safeName(event.ProjectID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, safeName(event.InvocationID)+".ndjson")

	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safeName(s string) string {
	if s == "" {
		return "unknown"
	}
	return unsafePathChars.ReplaceAllString(s, "_")
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*(\x07|\x1b\\)`)

// cleanForReadability strips terminal escape sequences and carriage
// returns and trims trailing blank space.
func cleanForReadability(raw string) string {
	clean := ansiPattern.ReplaceAllString(raw, "")
	clean = strings.ReplaceAll(clean, "\r\n", "\n")
	clean = strings.ReplaceAll(clean, "\r", "")
	return strings.TrimRight(clean, " \t\n")
}
