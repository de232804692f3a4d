// Package stream persists agent output token by token and fans it out to
// live subscribers.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/taskrunner/internal/bus"
	"github.com/nextlevelbuilder/taskrunner/internal/store"
)

// writeTimeout bounds each store write made by a sink.
const writeTimeout = 10 * time.Second

// Publisher delivers stream events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev bus.Event) error
}

// Sink appends tokens to one streaming record. It is safe for concurrent use;
// appends are serialized and every append after Finalize or Fail is dropped.
type Sink struct {
	tasks    store.TaskStore
	pub      Publisher
	taskID   string
	streamID string

	mu     sync.Mutex
	closed bool
	tokens int
}

// Open creates a streaming record for taskID and returns its sink.
func Open(ctx context.Context, tasks store.TaskStore, pub Publisher, taskID string) (*Sink, error) {
	rec, err := tasks.CreateStream(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return NewSink(tasks, pub, taskID, rec.ID), nil
}

// NewSink wraps an existing open streaming record. pub may be nil.
func NewSink(tasks store.TaskStore, pub Publisher, taskID, streamID string) *Sink {
	return &Sink{tasks: tasks, pub: pub, taskID: taskID, streamID: streamID}
}

func (s *Sink) StreamID() string { return s.streamID }
func (s *Sink) TaskID() string   { return s.taskID }

// Tokens returns the number of tokens persisted so far.
func (s *Sink) Tokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

// Append persists token and publishes it. Errors are logged, never returned.
func (s *Sink) Append(token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.tasks.AppendStream(ctx, s.streamID, token); err != nil {
		if errors.Is(err, store.ErrStreamClosed) {
			s.closed = true
		}
		slog.Warn("stream: append failed", "task_id", s.taskID, "stream_id", s.streamID, "error", err)
		return
	}
	s.tokens++
	s.publish(ctx, bus.Event{Type: bus.EventToken, Token: token})
}

// Finalize overwrites the record with the full text and closes the sink.
func (s *Sink) Finalize(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStreamClosed
	}
	// The sink stays open on a failed write so Fail can still close the record.
	if err := s.tasks.FinalizeStream(ctx, s.streamID, text); err != nil {
		return err
	}
	s.closed = true
	s.publish(ctx, bus.Event{Type: bus.EventDone, Content: text})
	return nil
}

// Fail marks the record as errored and closes the sink.
func (s *Sink) Fail(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStreamClosed
	}
	s.closed = true
	err := s.tasks.FailStream(ctx, s.streamID)
	s.publish(ctx, bus.Event{Type: bus.EventError, Error: reason})
	return err
}

// Closed reports whether the sink no longer accepts tokens.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// publish must be called with s.mu held so events keep append order.
func (s *Sink) publish(ctx context.Context, ev bus.Event) {
	if s.pub == nil {
		return
	}
	ev.TaskID = s.taskID
	ev.StreamID = s.streamID
	if err := s.pub.Publish(ctx, ev); err != nil {
		slog.Debug("stream: publish failed", "task_id", s.taskID, "type", ev.Type, "error", err)
	}
}
