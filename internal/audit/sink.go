package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Sink is an EventWriter that needs closing.
type Sink interface {
	EventWriter
	Close() error
}

// BatchSink buffers events and flushes them periodically or when the
// buffer fills, so long backup runs do not hit the sink per item.
type BatchSink struct {
	wrapped       EventWriter
	buffer        []*Event
	bufferSize    int
	flushInterval time.Duration
	mu            sync.Mutex
	closeChan     chan struct{}
	wg            sync.WaitGroup
}

// NewBatchSink wraps a writer with batching.
func NewBatchSink(wrapped EventWriter, size int, interval time.Duration) *BatchSink {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &BatchSink{
		wrapped:       wrapped,
		buffer:        make([]*Event, 0, size),
		bufferSize:    size,
		flushInterval: interval,
		closeChan:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// WriteEvent adds an event to the batch.
func (s *BatchSink) WriteEvent(event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, event)
	if len(s.buffer) >= s.bufferSize {
		events := s.drainLocked()
		go s.flush(events)
	}
	return nil
}

// Close stops the flush loop and drains remaining events.
func (s *BatchSink) Close() error {
	close(s.closeChan)
	s.wg.Wait()
	return nil
}

func (s *BatchSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			events := s.drainLocked()
			s.mu.Unlock()
			s.flush(events)
		case <-s.closeChan:
			s.mu.Lock()
			events := s.drainLocked()
			s.mu.Unlock()
			s.flush(events)
			return
		}
	}
}

func (s *BatchSink) drainLocked() []*Event {
	if len(s.buffer) == 0 {
		return nil
	}
	events := make([]*Event, len(s.buffer))
	copy(events, s.buffer)
	s.buffer = s.buffer[:0]
	return events
}

func (s *BatchSink) flush(events []*Event) {
	if len(events) == 0 {
		return
	}
	for _, event := range events {
		if err := s.wrapped.WriteEvent(event); err != nil {
			fmt.Fprintf(os.Stderr, "failed to flush audit event: %v\n", err)
		}
	}
}

// FileSink appends JSON lines to a file.
type FileSink struct {
	path string
	mu   sync.Mutex
}

// NewFileSink creates a sink appending to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// WriteEvent writes a single event.
func (s *FileSink) WriteEvent(event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}
