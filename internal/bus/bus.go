package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// EventType is the kind of a stream event.
type EventType string

const (
	EventToken EventType = "token"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one streaming update of a task.
type Event struct {
	Type     EventType `json:"type"`
	TaskID   string    `json:"task_id"`
	StreamID string    `json:"stream_id,omitempty"`
	Token    string    `json:"token,omitempty"`
	Content  string    `json:"content,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// EventHandler receives events. Handlers run on the publisher's goroutine and
// must not block.
type EventHandler func(Event)

// MessageBus fans task stream events out to in-process subscribers, such as
// WebSocket connections.
type MessageBus struct {
	// task id → subscriber id → handler
	subscribers map[string]map[string]EventHandler
	subMu       sync.RWMutex
}

func New() *MessageBus {
	return &MessageBus{subscribers: make(map[string]map[string]EventHandler)}
}

// Subscribe registers handler for the events of taskID.
func (mb *MessageBus) Subscribe(taskID, id string, handler EventHandler) {
	mb.subMu.Lock()
	defer mb.subMu.Unlock()
	subs, ok := mb.subscribers[taskID]
	if !ok {
		subs = make(map[string]EventHandler)
		mb.subscribers[taskID] = subs
	}
	subs[id] = handler
}

// Unsubscribe removes a subscriber.
func (mb *MessageBus) Unsubscribe(taskID, id string) {
	mb.subMu.Lock()
	defer mb.subMu.Unlock()
	subs := mb.subscribers[taskID]
	delete(subs, id)
	if len(subs) == 0 {
		delete(mb.subscribers, taskID)
	}
}

// SubscribeChan subscribes a buffered channel. Events are dropped when the
// buffer is full. The returned cancel func unsubscribes; the channel is never closed.
func (mb *MessageBus) SubscribeChan(taskID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := uuid.NewString()
	mb.Subscribe(taskID, id, func(ev Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch, func() { mb.Unsubscribe(taskID, id) }
}

// Broadcast delivers ev to the subscribers of ev.TaskID.
func (mb *MessageBus) Broadcast(ev Event) {
	mb.subMu.RLock()
	defer mb.subMu.RUnlock()
	for _, handler := range mb.subscribers[ev.TaskID] {
		handler(ev)
	}
}

// Publish is Broadcast with the stream publisher signature.
func (mb *MessageBus) Publish(_ context.Context, ev Event) error {
	mb.Broadcast(ev)
	return nil
}

// SubscriberCount returns the number of subscribers of taskID.
func (mb *MessageBus) SubscriberCount(taskID string) int {
	mb.subMu.RLock()
	defer mb.subMu.RUnlock()
	return len(mb.subscribers[taskID])
}
