// Package pipeline carries test and healing progress events between the
// runner, the orchestrator and whatever is displaying them.
package pipeline

import (
	"sync"
	"time"
)

type EventType string

const (
	EventTestStarted EventType = "test.started"
	EventTestPassed  EventType = "test.passed"
	EventTestFailed  EventType = "test.failed"
	EventTestSkipped EventType = "test.skipped"
	EventTestRerun   EventType = "test.rerun"

	EventHealingDeferred  EventType = "healing.deferred"
	EventHealingStarted   EventType = "healing.started"
	EventHealingSkipped   EventType = "healing.skipped"
	EventHealingCompleted EventType = "healing.completed"
	EventHealingFailed    EventType = "healing.failed"

	EventBackendStatus EventType = "backend.status"
)

const allEvents EventType = "*"

type Event struct {
	Type      EventType
	Timestamp time.Time
	TestID    string
	Attempt   int
	Message   string
	Data      any
}

// HealingResult is the Data of a healing.completed event.
type HealingResult struct {
	Confidence float64
	RootCause  string
	ReportPath string
	HealedPath string
}

type EventHandler func(Event)

type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]EventHandler
	history     []Event
	maxHistory  int
	now         func() time.Time
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]EventHandler),
		maxHistory:  500,
		now:         time.Now,
	}
}

func (e *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers[eventType] = append(e.subscribers[eventType], handler)
}

func (e *EventBus) SubscribeAll(handler EventHandler) {
	e.Subscribe(allEvents, handler)
}

// Publish delivers event synchronously on the caller's goroutine. A nil
// bus drops events.
func (e *EventBus) Publish(event Event) {
	if e == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}

	e.mu.Lock()
	e.history = append(e.history, event)
	if len(e.history) > e.maxHistory {
		e.history = e.history[len(e.history)-e.maxHistory:]
	}
	handlers := make([]EventHandler, 0, len(e.subscribers[event.Type])+len(e.subscribers[allEvents]))
	handlers = append(handlers, e.subscribers[event.Type]...)
	handlers = append(handlers, e.subscribers[allEvents]...)
	e.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}

func (e *EventBus) RecentEvents(n int) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if n > len(e.history) {
		n = len(e.history)
	}
	out := make([]Event, n)
	copy(out, e.history[len(e.history)-n:])
	return out
}

// RecentByType returns up to n events of eventType, newest first.
func (e *EventBus) RecentByType(eventType EventType, n int) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var result []Event
	for i := len(e.history) - 1; i >= 0 && len(result) < n; i-- {
		if e.history[i].Type == eventType {
			result = append(result, e.history[i])
		}
	}
	return result
}

func (e *EventBus) ForTest(testID string) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var result []Event
	for _, ev := range e.history {
		if ev.TestID == testID {
			result = append(result, ev)
		}
	}
	return result
}
