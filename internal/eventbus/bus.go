// Package eventbus is the in-process pub/sub decoupling task mutators
// from live-status streaming and completion-notification consumers.
package eventbus

import (
	"sync"
	"time"
)

// EventType classifies a task event.
type EventType string

const (
	EventStatus   EventType = "status"
	EventMessage  EventType = "message"
	EventArtifact EventType = "artifact"
	EventError    EventType = "error"
)

// Event is published on a task's channel whenever the task changes.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"taskId"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Subscription is a handle for one registered handler.
type Subscription struct {
	bus      *Bus
	taskID   string // empty for terminal subscriptions
	id       int
	terminal bool
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s)
	s.bus = nil
}

// Bus is an injected event bus instance. Construct one at process
// startup and pass it to the task service and worker; there is no
// package-level singleton.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	byTask   map[string]map[int]Handler
	terminal map[int]Handler
	// isTerminal decides which status events are re-published on the
	// global terminal channel.
	isTerminal func(Event) bool
}

// New creates a Bus. isTerminal inspects status events; a nil func
// means no terminal fan-out.
func New(isTerminal func(Event) bool) *Bus {
	return &Bus{
		byTask:     make(map[string]map[int]Handler),
		terminal:   make(map[int]Handler),
		isTerminal: isTerminal,
	}
}

// Subscribe registers a handler for events on one task.
func (b *Bus) Subscribe(taskID string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.byTask[taskID] == nil {
		b.byTask[taskID] = make(map[int]Handler)
	}
	b.byTask[taskID][id] = h
	return &Subscription{bus: b, taskID: taskID, id: id}
}

// SubscribeTerminal registers a handler for every task that reaches a
// terminal state, regardless of task id.
func (b *Bus) SubscribeTerminal(h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.terminal[id] = h
	return &Subscription{bus: b, id: id, terminal: true}
}

// Publish delivers the event to the task's subscribers, then to the
// terminal subscribers when it is a terminal status event.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byTask[ev.TaskID]))
	for _, h := range b.byTask[ev.TaskID] {
		handlers = append(handlers, h)
	}
	var terminalHandlers []Handler
	if ev.Type == EventStatus && b.isTerminal != nil && b.isTerminal(ev) {
		terminalHandlers = make([]Handler, 0, len(b.terminal))
		for _, h := range b.terminal {
			terminalHandlers = append(terminalHandlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	for _, h := range terminalHandlers {
		h(ev)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.terminal {
		delete(b.terminal, s.id)
		return
	}
	if handlers, ok := b.byTask[s.taskID]; ok {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(b.byTask, s.taskID)
		}
	}
}
