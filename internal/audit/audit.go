// Package audit provides a JSON-lines audit trail of archive
// operations: what was backed up, restored, deleted or repaired, when,
// and whether it succeeded.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kenneth/carbon-vault/internal/config"
)

// EventType classifies audit events.
type EventType string

const (
	// EventTypeCreate records an archive creation.
	EventTypeCreate EventType = "create"
	// EventTypeExtract records an archive restore.
	EventTypeExtract EventType = "extract"
	// EventTypeDelete records an archive deletion.
	EventTypeDelete EventType = "delete"
	// EventTypeCheck records a consistency check or repair.
	EventTypeCheck EventType = "check"
	// EventTypeCheckpoint records an intermediate checkpoint save.
	EventTypeCheckpoint EventType = "checkpoint"
)

// Event is a single audit record.
type Event struct {
	Timestamp  time.Time     `json:"timestamp"`
	EventType  EventType     `json:"event_type"`
	Archive    string        `json:"archive,omitempty"`
	Repository string        `json:"repository,omitempty"`
	NFiles     int           `json:"nfiles,omitempty"`
	OSize      int64         `json:"osize,omitempty"`
	CSize      int64         `json:"csize,omitempty"`
	USize      int64         `json:"usize,omitempty"`
	Repair     bool          `json:"repair,omitempty"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// EventWriter persists events somewhere.
type EventWriter interface {
	WriteEvent(event *Event) error
}

// Logger records audit events and keeps a bounded in-memory tail for
// inspection.
type Logger interface {
	Log(event *Event) error
	LogOperation(eventType EventType, archive, repo string, success bool, err error, duration time.Duration)
	Events() []*Event
	Close() error
}

type auditLogger struct {
	mu        sync.Mutex
	events    []*Event
	maxEvents int
	writer    EventWriter
}

// NewLogger creates an audit logger over writer; a nil writer means
// stdout.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = &StdoutSink{}
	}
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &auditLogger{
		events:    make([]*Event, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// NewLoggerFromConfig wires the configured sink.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter
	switch cfg.Sink.Type {
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &StdoutSink{}
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}
	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval.Std())
	}
	return NewLogger(cfg.MaxEvents, writer), nil
}

// Log records one event.
func (l *auditLogger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.WriteEvent(event); err != nil {
		// The audit trail is best effort; a failing sink must not
		// abort the backup operation it describes.
		return err
	}
	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	return nil
}

// LogOperation records a completed archive operation.
func (l *auditLogger) LogOperation(eventType EventType, archive, repo string, success bool, err error, duration time.Duration) {
	event := &Event{
		Timestamp:  time.Now(),
		EventType:  eventType,
		Archive:    archive,
		Repository: repo,
		Success:    success,
		Duration:   duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// Events returns a copy of the in-memory tail.
func (l *auditLogger) Events() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

// Close flushes the underlying sink.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// StdoutSink writes events to stdout as JSON lines.
type StdoutSink struct{}

// WriteEvent writes a single event.
func (s *StdoutSink) WriteEvent(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
